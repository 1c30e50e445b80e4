package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ingestion"
	"DeFiLedger/internal/ledger"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func causal(block uint64, logIndex int64) map[string]interface{} {
	return map[string]interface{}{
		"block_number": block,
		"block_time":   int64(1_700_000_000),
		"tx_index":     int64(3),
		"log_index":    logIndex,
		"tx_hash":      "0xabc",
		"from":         "alice.near",
		"to":           "usd.pool",
		"gas_limit":    uint64(300_000),
		"gas_used":     uint64(120_000),
		"gas_price":    "1000000000",
	}
}

func with(base map[string]interface{}, fields map[string]interface{}) map[string]interface{} {
	for k, v := range fields {
		base[k] = v
	}
	return base
}

func TestParsePoolCreated(t *testing.T) {
	payload := with(causal(10, 0), map[string]interface{}{
		"pool":         "usd.pool",
		"kind":         "STABLE_SWAP",
		"owner":        "owner.near",
		"tokens":       []string{"usdc", "dai"},
		"decimals":     []int{6, 18},
		"trade_fee":    25,
		"admin_fee":    2000,
		"referral_fee": 1000,
		"amp_factor":   100,
	})

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PoolCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pc, ok := evt.(*event.PoolCreated)
	if !ok {
		t.Fatalf("expected *event.PoolCreated, got %T", evt)
	}
	if pc.Pool != "usd.pool" {
		t.Errorf("pool: got %s, want usd.pool", pc.Pool)
	}
	if len(pc.Tokens) != 2 || pc.Decimals[1] != 18 {
		t.Errorf("tokens: got %v / %v", pc.Tokens, pc.Decimals)
	}
	if pc.AmpFactor != 100 || pc.TradeFee != 25 {
		t.Errorf("params: amp %d, trade fee %d", pc.AmpFactor, pc.TradeFee)
	}
	if pc.BlockNumber != 10 || pc.TxIndex != 3 {
		t.Errorf("causal: block %d, tx index %d", pc.BlockNumber, pc.TxIndex)
	}
	if pc.GasPrice.Uint64() != 1_000_000_000 {
		t.Errorf("gas price: got %s", pc.GasPrice.Dec())
	}
	if pc.IdempotencyKey() != "0xabc-0" {
		t.Errorf("idempotency key: got %s, want 0xabc-0", pc.IdempotencyKey())
	}
}

func TestParseLiquidityAdded_LargeAmounts(t *testing.T) {
	payload := with(causal(11, 2), map[string]interface{}{
		"pool":     "usd.pool",
		"account":  "alice.near",
		"amounts":  []string{"1000000000000", "1000000000000000000000000"},
		"referral": "ref.near",
	})

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidityAdded")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	la := evt.(*event.LiquidityAdded)
	if got := la.Amounts[1].Dec(); got != "1000000000000000000000000" {
		t.Errorf("amount: got %s", got)
	}
	if la.Referral != "ref.near" {
		t.Errorf("referral: got %s", la.Referral)
	}
	if la.EventType() != event.EventTypeLiquidityAdded {
		t.Errorf("event type: got %v", la.EventType())
	}
}

func TestParseTokenSwapped(t *testing.T) {
	payload := with(causal(12, 1), map[string]interface{}{
		"pool":           "usd.pool",
		"account":        "bob.near",
		"token_in":       "usdc",
		"token_out":      "dai",
		"amount_in":      "5000000",
		"min_amount_out": "4900000000000000000",
	})

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TokenSwapped")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ts := evt.(*event.TokenSwapped)
	if ts.AmountIn.Uint64() != 5_000_000 {
		t.Errorf("amount in: got %s", ts.AmountIn.Dec())
	}
	if ts.MinAmountOut.Dec() != "4900000000000000000" {
		t.Errorf("min amount out: got %s", ts.MinAmountOut.Dec())
	}
}

func TestParseSupplied_FlattenedFlow(t *testing.T) {
	payload := with(causal(20, 0), map[string]interface{}{
		"reserve": "usdc.reserve",
		"account": "alice.near",
		"amount":  "1000",
		"index":   "1000000000000000000000000000",
	})

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Supplied")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	s, ok := evt.(*event.Supplied)
	if !ok {
		t.Fatalf("expected *event.Supplied, got %T", evt)
	}
	if s.Reserve != "usdc.reserve" || s.Amount.Uint64() != 1000 {
		t.Errorf("flow: reserve %s amount %s", s.Reserve, s.Amount.Dec())
	}
	if s.MarketID() != "usdc.reserve" {
		t.Errorf("market id: got %s", s.MarketID())
	}
}

func TestParseReceiptIDWithoutLogIndex(t *testing.T) {
	payload := with(causal(21, -1), map[string]interface{}{
		"receipt_id":   "receipt-77",
		"reserve":      "usdc.reserve",
		"account":      "alice.near",
		"reward_token": "rwd",
		"accrued":      "30",
	})

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "RewardsAccrued")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.IdempotencyKey() != "receipt-77" {
		t.Errorf("idempotency key: got %s, want receipt-77", evt.IdempotencyKey())
	}
}

func TestParseReceiptIDWithLogIndexOmitted(t *testing.T) {
	payload := with(causal(21, 0), map[string]interface{}{
		"receipt_id":   "receipt-78",
		"reserve":      "usdc.reserve",
		"account":      "alice.near",
		"reward_token": "rwd",
		"accrued":      "30",
	})
	delete(payload, "log_index")

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "RewardsAccrued")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.CausalContext().LogIndex != ledger.NoLogIndex {
		t.Errorf("log index: got %d, want %d", evt.CausalContext().LogIndex, ledger.NoLogIndex)
	}
	if evt.IdempotencyKey() != "receipt-78" {
		t.Errorf("idempotency key: got %s, want receipt-78", evt.IdempotencyKey())
	}
}

func TestParseTxHashWithLogIndexOmitted(t *testing.T) {
	payload := removePayload()
	delete(payload, "log_index")

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidityRemoved")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.IdempotencyKey() != "0xabc-0" {
		t.Errorf("idempotency key: got %s, want 0xabc-0", evt.IdempotencyKey())
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]string{"foo": "bar"})
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{not json")}
	_, err := ingestion.ParseRawEvent(raw, "LiquidityAdded")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	payload := with(causal(13, 0), map[string]interface{}{
		"pool":    "usd.pool",
		"account": "alice.near",
		"shares":  "-5",
	})
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidityRemoved")
	if err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseValidationFailure(t *testing.T) {
	// no tx hash and no receipt id: the event cannot be identified
	payload := map[string]interface{}{
		"pool":    "usd.pool",
		"account": "alice.near",
		"shares":  "5",
	}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidityRemoved")
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEventTypeForSubject_LongestPrefix(t *testing.T) {
	subjects := ingestion.DefaultSubjects()

	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"defi.stableswap.liquidity_removed.usd_pool", "LiquidityRemoved", true},
		{"defi.stableswap.liquidity_removed_imbalance.usd_pool", "LiquidityRemovedImbalance", true},
		{"defi.lending.rewards_accrued.usdc", "RewardsAccrued", true},
		{"defi.other.thing", "", false},
	}
	for _, tt := range tests {
		got, ok := ingestion.EventTypeForSubject(tt.subject, subjects)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", tt.subject, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDefaultSubjects_CoverEveryEventType(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range ingestion.DefaultSubjects() {
		if event.ParseEventType(s.EventType) == event.EventTypeUnknown {
			t.Errorf("subject %s maps to unknown type %s", s.Subject, s.EventType)
		}
		if seen[s.EventType] {
			t.Errorf("event type %s has two subjects", s.EventType)
		}
		seen[s.EventType] = true
	}
	if len(seen) != 14 {
		t.Errorf("got %d event types, want 14", len(seen))
	}
}
