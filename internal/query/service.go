package query

import (
	"context"
	"fmt"
	"time"

	"DeFiLedger/internal/amm"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/persistence"
)

// maxChainBreaks bounds the integrity report.
const maxChainBreaks = 10

// QueryService provides read-only access to the ledger entities. Responses
// that describe current state carry as_of_sequence, the sequence of the
// last committed event, for freshness.
type QueryService struct {
	store persistence.Store
	now   func() time.Time
}

func NewQueryService(store persistence.Store) *QueryService {
	return &QueryService{store: store, now: time.Now}
}

// WithClock replaces the clock used to evaluate amp ramps.
func (qs *QueryService) WithClock(now func() time.Time) *QueryService {
	c := *qs
	c.now = now
	return &c
}

// GetMarket returns the current state of a market.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	m, err := persistence.MustGet[ledger.Market](ctx, qs.store, marketID)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", marketID, err)
	}

	f := newFormatter(ctx, qs.store)
	resp := &MarketResponse{
		ID:                 m.ID,
		Owner:              m.Owner,
		Protocol:           m.Protocol,
		ProtocolType:       m.ProtocolType,
		InputTokens:        m.InputTokens,
		OutputToken:        m.OutputToken,
		DebtToken:          m.DebtToken,
		RewardTokens:       m.RewardTokens,
		InputTokenBalances: f.balances(m.InputTokenBalances),
		OutputTokenSupply:  f.amount(m.OutputToken, &m.OutputTokenSupply),
		CreatedBlock:       m.CreatedBlock,
		LastUpdateBlock:    m.LastUpdateBlock,
		LastUpdateTime:     m.LastUpdateTime,
		AsOfSequence:       asOfSeq,
	}
	return resp, f.err
}

// GetMarketSnapshot returns the market state recorded before the event
// with the given causal id.
func (qs *QueryService) GetMarketSnapshot(ctx context.Context, marketID, causalID string) (*MarketSnapshotResponse, error) {
	id := ledger.MarketSnapshotID(marketID, causalID)
	s, err := persistence.MustGet[ledger.MarketSnapshot](ctx, qs.store, id)
	if err != nil {
		return nil, fmt.Errorf("market snapshot %s: %w", id, err)
	}
	m, err := persistence.Get[ledger.Market](ctx, qs.store, marketID)
	if err != nil {
		return nil, err
	}
	outputToken := ""
	if m != nil {
		outputToken = m.OutputToken
	}

	f := newFormatter(ctx, qs.store)
	resp := &MarketSnapshotResponse{
		ID:                 s.ID,
		Market:             s.Market,
		CausalID:           s.CausalID,
		InputTokenBalances: f.balances(s.InputTokenBalances),
		OutputTokenSupply:  f.amount(outputToken, &s.OutputTokenSupply),
		BlockNumber:        s.BlockNumber,
		BlockTime:          s.BlockTime,
	}
	return resp, f.err
}

// GetPosition returns the latest slot of an account's position sequence on
// a market. The slot may be closed.
func (qs *QueryService) GetPosition(ctx context.Context, account, marketID string, typ ledger.PositionType) (*PositionResponse, error) {
	apID := ledger.AccountPositionID(account, marketID, typ)
	ap, err := persistence.MustGet[ledger.AccountPosition](ctx, qs.store, apID)
	if err != nil {
		return nil, fmt.Errorf("account position %s: %w", apID, err)
	}
	return qs.GetPositionSlot(ctx, account, marketID, typ, ap.PositionCounter)
}

// GetPositionSlot returns one slot of an account's position sequence.
func (qs *QueryService) GetPositionSlot(ctx context.Context, account, marketID string, typ ledger.PositionType, counter uint64) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	id := ledger.PositionID(ledger.AccountPositionID(account, marketID, typ), counter)
	p, err := persistence.MustGet[ledger.Position](ctx, qs.store, id)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", id, err)
	}

	f := newFormatter(ctx, qs.store)
	resp := &PositionResponse{
		ID:                  p.ID,
		Account:             p.Account,
		Market:              p.Market,
		Type:                string(p.Type),
		Counter:             p.Counter,
		Closed:              p.Closed,
		OutputTokenBalance:  f.balance(p.OutputTokenBalance),
		InputTokenBalances:  f.balances(p.InputTokenBalances),
		RewardTokenBalances: f.balances(p.RewardTokenBalances),
		HistoryCounter:      p.HistoryCounter,
		CreatedBlock:        p.CreatedBlock,
		ClosedBlock:         p.ClosedBlock,
		AsOfSequence:        asOfSeq,
	}

	if p.Type == ledger.PositionInvestment && !p.Closed {
		pool, err := persistence.Get[amm.Pool](ctx, qs.store, p.Market)
		if err != nil {
			return nil, err
		}
		if pool != nil {
			resp.Underlying = f.amounts(pool.Tokens, pool.NativeShareValue(&p.OutputTokenBalance.Amount))
		}
	}
	return resp, f.err
}

// GetPositionSnapshot returns a position as it was after its history step.
func (qs *QueryService) GetPositionSnapshot(ctx context.Context, positionID string, historyCounter uint64) (*PositionSnapshotResponse, error) {
	id := ledger.PositionHistoryID(positionID, historyCounter)
	s, err := persistence.MustGet[ledger.PositionSnapshot](ctx, qs.store, id)
	if err != nil {
		return nil, fmt.Errorf("position snapshot %s: %w", id, err)
	}

	f := newFormatter(ctx, qs.store)
	resp := &PositionSnapshotResponse{
		ID:                  s.ID,
		Position:            s.Position,
		HistoryCounter:      s.HistoryCounter,
		Transaction:         s.Transaction,
		Closed:              s.Closed,
		OutputTokenBalance:  f.balance(s.OutputTokenBalance),
		InputTokenBalances:  f.balances(s.InputTokenBalances),
		RewardTokenBalances: f.balances(s.RewardTokenBalances),
		BlockNumber:         s.BlockNumber,
		BlockTime:           s.BlockTime,
	}
	return resp, f.err
}

// GetTransaction returns one ledger transaction by id.
func (qs *QueryService) GetTransaction(ctx context.Context, id string) (*TransactionResponse, error) {
	tx, err := persistence.MustGet[ledger.Transaction](ctx, qs.store, id)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}

	f := newFormatter(ctx, qs.store)
	resp := &TransactionResponse{
		ID:                 tx.ID,
		CorrelationID:      tx.CorrelationID,
		Type:               string(tx.Type),
		Market:             tx.Market,
		MarketSnapshot:     tx.MarketSnapshot,
		Position:           tx.Position,
		Account:            tx.Account,
		Counterparty:       tx.Counterparty,
		OutputTokenAmount:  f.balance(tx.OutputTokenAmount),
		InputTokenAmounts:  f.balances(tx.InputTokenAmounts),
		RewardTokenAmounts: f.balances(tx.RewardTokenAmounts),
		TxHash:             tx.TxHash,
		BlockNumber:        tx.BlockNumber,
		BlockTime:          tx.BlockTime,
		GasUsed:            tx.GasUsed,
		GasPrice:           tx.GasPrice.Dec(),
	}
	return resp, f.err
}

// GetPool returns the solver state of a pool with balances in native units.
func (qs *QueryService) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	p, err := persistence.MustGet[amm.Pool](ctx, qs.store, poolID)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, err)
	}

	f := newFormatter(ctx, qs.store)
	resp := &PoolResponse{
		ID:              p.ID,
		Kind:            string(p.Kind),
		Owner:           p.Owner,
		Balances:        f.amounts(p.Tokens, p.NativeBalances()),
		TotalSupply:     f.amount(p.ID, &p.TotalSupply),
		TradeFee:        p.Fees.TradeFee,
		AdminFee:        p.Fees.AdminFee,
		ReferralFee:     p.Fees.ReferralFee,
		FeeDenominator:  p.Fees.Denominator,
		AmpFactor:       p.Ramp.ComputeAmpFactor(qs.now().Unix()),
		TargetAmpFactor: p.Ramp.TargetAmpFactor,
		AsOfSequence:    asOfSeq,
	}
	if p.Ramp.Ramping(qs.now().Unix()) {
		resp.StopAmpTime = p.Ramp.StopAmpTime
	}
	for i := range p.Rates {
		resp.Rates = append(resp.Rates, p.Rates[i].Dec())
	}
	return resp, f.err
}

// GetEvent returns the log entry of an applied event.
func (qs *QueryService) GetEvent(ctx context.Context, eventType, idempotencyKey string) (*EventResponse, error) {
	pe, err := persistence.LastProcessed(ctx, qs.store, eventType, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if pe == nil {
		return nil, fmt.Errorf("event %s %s: %w", eventType, idempotencyKey, persistence.ErrNotFound)
	}
	return &EventResponse{
		EventType:      pe.EventType,
		IdempotencyKey: pe.IdempotencyKey,
		MarketID:       pe.MarketID,
		Sequence:       pe.Sequence,
		BlockNumber:    pe.BlockNumber,
		Entities:       pe.Entities,
		StateHash:      pe.StateHash,
		PrevHash:       pe.PrevHash,
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks that the event log forms an unbroken hash chain.
// Stores that cannot walk the log report Checked=false.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{LastSequence: asOfSeq}

	auditor, ok := qs.store.(persistence.ChainAuditor)
	if !ok {
		report.IsHealthy = true
		return report, nil
	}
	breaks, err := auditor.ChainBreaks(ctx, maxChainBreaks)
	if err != nil {
		return nil, err
	}
	report.Checked = true
	report.HashChainBreaks = breaks
	report.IsHealthy = len(breaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	cr, ok := qs.store.(persistence.CheckpointReader)
	if !ok {
		return 0, nil
	}
	cp, err := cr.LastCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	return cp.Sequence, nil
}
