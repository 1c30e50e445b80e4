package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"DeFiLedger/internal/core"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ingestion"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/persistence"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []event.Event
	err    error
}

func (s *recordingSink) ProcessEvent(_ context.Context, evt event.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

type settlement struct {
	acks, naks, terms int
}

func (s *settlement) raw(t *testing.T, subject string, payload interface{}) ingestion.RawEvent {
	raw := rawFromJSON(t, payload)
	raw.Subject = subject
	raw.Stream = ingestion.StreamStableSwap
	raw.AckFunc = func() { s.acks++ }
	raw.NakFunc = func() { s.naks++ }
	raw.TermFunc = func() { s.terms++ }
	return raw
}

func removePayload() map[string]interface{} {
	return with(causal(30, 0), map[string]interface{}{
		"pool":    "usd.pool",
		"account": "alice.near",
		"shares":  "10",
	})
}

func TestPipeline_AcksApplied(t *testing.T) {
	sink := &recordingSink{}
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), sink, zerolog.Nop(), nil)
	var s settlement

	p.Handle(context.Background(), s.raw(t, "defi.stableswap.liquidity_removed.usd_pool", removePayload()))

	require.Len(t, sink.events, 1)
	assert.IsType(t, &event.LiquidityRemoved{}, sink.events[0])
	assert.Equal(t, settlement{acks: 1}, s)
}

func TestPipeline_NaksFailedEvent(t *testing.T) {
	sink := &recordingSink{err: errors.New("store down")}
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), sink, zerolog.Nop(), nil)
	var s settlement

	p.Handle(context.Background(), s.raw(t, "defi.stableswap.liquidity_removed.usd_pool", removePayload()))

	assert.Equal(t, settlement{naks: 1}, s)
}

func TestPipeline_DropsUnusableMessages(t *testing.T) {
	sink := &recordingSink{}
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), sink, zerolog.Nop(), nil)
	var s settlement

	p.Handle(context.Background(), s.raw(t, "defi.unknown.thing", removePayload()))
	p.Handle(context.Background(), s.raw(t, "defi.stableswap.liquidity_removed.x", map[string]string{"pool": ""}))

	assert.Empty(t, sink.events)
	assert.Equal(t, settlement{acks: 2}, s)
}

func TestPipeline_RunStopsOnClosedChannel(t *testing.T) {
	sink := &recordingSink{}
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), sink, zerolog.Nop(), nil)
	var s settlement

	ch := make(chan ingestion.RawEvent, 2)
	ch <- s.raw(t, "defi.stableswap.liquidity_removed.usd_pool", removePayload())
	close(ch)

	require.NoError(t, p.Run(context.Background(), ch))
	assert.Len(t, sink.events, 1)
}

func TestPipeline_ThroughProcessorDedups(t *testing.T) {
	store := persistence.NewMemoryStore()
	proc, err := core.NewProcessor(context.Background(), store, core.ProcessorOptions{Logger: zerolog.Nop()},
		core.NewPoolHandler(0, zerolog.Nop(), nil), core.NewLendingHandler(zerolog.Nop()))
	require.NoError(t, err)
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), proc, zerolog.Nop(), nil)
	var s settlement

	created := with(causal(1, 0), map[string]interface{}{
		"reserve":    "usdc.reserve",
		"owner":      "owner.near",
		"asset":      "usdc",
		"a_token":    "ausdc",
		"debt_token": "dusdc",
		"decimals":   6,
	})
	p.Handle(context.Background(), s.raw(t, "defi.lending.reserve_created.usdc", created))
	p.Handle(context.Background(), s.raw(t, "defi.lending.reserve_created.usdc", created))

	assert.Equal(t, settlement{acks: 2}, s)
	assert.Equal(t, int64(1), proc.Sequence())
	assert.Equal(t, 1, store.Count(ledger.KindMarket))
}

// streamQueue delivers messages the way a consumer with one outstanding
// message does: the head is redelivered until it is acked or terminated.
type streamQueue struct {
	pending    []ingestion.RawEvent
	deliveries map[string]int
	settlement
}

func (q *streamQueue) publish(t *testing.T, stream, subject string, payload interface{}) {
	raw := rawFromJSON(t, payload)
	raw.Subject = subject
	raw.Stream = stream
	q.pending = append(q.pending, raw)
}

// drain runs the queue through p, stopping after limit deliveries.
func (q *streamQueue) drain(p *ingestion.Pipeline, limit int) {
	if q.deliveries == nil {
		q.deliveries = make(map[string]int)
	}
	for n := 0; n < limit && len(q.pending) > 0; n++ {
		head := q.pending[0]
		done := false
		head.AckFunc = func() { q.acks++; done = true }
		head.TermFunc = func() { q.terms++; done = true }
		head.NakFunc = func() { q.naks++ }
		q.deliveries[head.Subject]++
		p.Handle(context.Background(), head)
		if done {
			q.pending = q.pending[1:]
		}
	}
}

func newOrderedProcessor(t *testing.T) (*core.Processor, *persistence.MemoryStore) {
	t.Helper()
	store := persistence.NewMemoryStore()
	proc, err := core.NewProcessor(context.Background(), store, core.ProcessorOptions{
		EnforceOrdering: true,
		Logger:          zerolog.Nop(),
	}, core.NewPoolHandler(0, zerolog.Nop(), nil), core.NewLendingHandler(zerolog.Nop()))
	require.NoError(t, err)
	return proc, store
}

func tx(block uint64, hash string, fields map[string]interface{}) map[string]interface{} {
	return with(with(causal(block, 0), map[string]interface{}{"tx_hash": hash}), fields)
}

func poolCreatedAt(block uint64) map[string]interface{} {
	return tx(block, "0x01", map[string]interface{}{
		"pool":       "usd.pool",
		"owner":      "owner.near",
		"tokens":     []string{"usdc", "dai"},
		"decimals":   []int{6, 18},
		"trade_fee":  4,
		"amp_factor": 100,
	})
}

func liquidityAddedAt(block uint64) map[string]interface{} {
	return tx(block, "0x02", map[string]interface{}{
		"pool":    "usd.pool",
		"account": "alice.near",
		"amounts": []string{"1000000000000", "1000000000000000000000000"},
	})
}

func tokenSwappedAt(block uint64) map[string]interface{} {
	return tx(block, "0x03", map[string]interface{}{
		"pool":           "usd.pool",
		"account":        "bob.near",
		"token_in":       "usdc",
		"token_out":      "dai",
		"amount_in":      "5000000",
		"min_amount_out": "1",
	})
}

func reserveCreatedAt(block uint64) map[string]interface{} {
	return tx(block, "0x04", map[string]interface{}{
		"reserve":    "usdc.reserve",
		"owner":      "owner.near",
		"asset":      "usdc",
		"a_token":    "ausdc",
		"debt_token": "dusdc",
		"decimals":   6,
	})
}

func TestPipeline_InterleavedTypesApplyInStreamOrder(t *testing.T) {
	proc, store := newOrderedProcessor(t)
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), proc, zerolog.Nop(), nil)
	var q streamQueue

	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.pool_created.usd_pool", poolCreatedAt(1))
	q.publish(t, ingestion.StreamLending, "defi.lending.reserve_created.usdc", reserveCreatedAt(2))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.liquidity_added.usd_pool", liquidityAddedAt(3))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.token_swapped.usd_pool", tokenSwappedAt(4))
	q.drain(p, 10)

	assert.Empty(t, q.pending)
	assert.Equal(t, settlement{acks: 4}, q.settlement)
	assert.Equal(t, int64(4), proc.Sequence())
	assert.Equal(t, 2, store.Count(ledger.KindMarket))
}

// failOnce fails the first delivery of one event type with a store error.
type failOnce struct {
	next      ingestion.EventSink
	eventType event.EventType
	failed    bool
}

func (f *failOnce) ProcessEvent(ctx context.Context, evt event.Event) error {
	if evt.EventType() == f.eventType && !f.failed {
		f.failed = true
		return errors.New("store unavailable")
	}
	return f.next.ProcessEvent(ctx, evt)
}

func TestPipeline_TransientFailureRedeliveredBeforeLaterEvents(t *testing.T) {
	proc, _ := newOrderedProcessor(t)
	sink := &failOnce{next: proc, eventType: event.EventTypeTokenSwapped}
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), sink, zerolog.Nop(), nil)
	var q streamQueue

	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.pool_created.usd_pool", poolCreatedAt(1))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.liquidity_added.usd_pool", liquidityAddedAt(2))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.token_swapped.usd_pool", tokenSwappedAt(3))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.liquidity_added.usd_pool", tx(4, "0x05", map[string]interface{}{
		"pool":    "usd.pool",
		"account": "carol.near",
		"amounts": []string{"1000000", "1000000000000000000"},
	}))
	q.drain(p, 10)

	assert.Empty(t, q.pending)
	assert.Equal(t, settlement{acks: 4, naks: 1}, q.settlement)
	assert.Equal(t, 2, q.deliveries["defi.stableswap.token_swapped.usd_pool"])
	assert.Equal(t, int64(4), proc.Sequence(), "the swap commits before the block 4 deposit")
}

func TestPipeline_StaleEventTerminated(t *testing.T) {
	proc, _ := newOrderedProcessor(t)
	p := ingestion.NewPipeline(ingestion.DefaultSubjects(), proc, zerolog.Nop(), nil)
	var q streamQueue

	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.pool_created.usd_pool", poolCreatedAt(1))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.liquidity_added.usd_pool", liquidityAddedAt(4))
	q.publish(t, ingestion.StreamStableSwap, "defi.stableswap.token_swapped.usd_pool", tokenSwappedAt(3))
	q.drain(p, 10)

	assert.Empty(t, q.pending, "a rejected event must not block the stream")
	assert.Equal(t, settlement{acks: 2, terms: 1}, q.settlement)
	assert.Equal(t, 1, q.deliveries["defi.stableswap.token_swapped.usd_pool"])
	assert.Equal(t, int64(2), proc.Sequence())
}

func TestDefaultConsumers_OnePerStream(t *testing.T) {
	consumers := ingestion.DefaultConsumers()
	require.Len(t, consumers, 2)

	for _, s := range ingestion.DefaultSubjects() {
		covered := 0
		for _, c := range consumers {
			if c.StreamName == s.StreamName && strings.HasPrefix(s.Subject, strings.TrimSuffix(c.FilterSubject, ">")) {
				covered++
			}
		}
		assert.Equal(t, 1, covered, "subject %s", s.Subject)
	}
}

type capturedPublish struct {
	subject string
	data    []byte
}

type fakeStream struct {
	published []capturedPublish
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, capturedPublish{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: ingestion.StreamLedgerEvents}, nil
}

func TestOutboundPublisher_OneMessagePerTransaction(t *testing.T) {
	stream := &fakeStream{}
	ch := make(chan core.Output, 1)
	ch <- core.Output{
		Envelope: &event.EventEnvelope{
			Sequence:       7,
			IdempotencyKey: "0xabc-0",
			EventType:      event.EventTypeSharesTransferred,
			MarketID:       "usd.pool",
		},
		Transactions: []*ledger.Transaction{
			{ID: "alice-usd.pool-INVESTMENT-1-2", Type: ledger.TxTransferOut, Market: "usd.pool"},
			{ID: "bob-usd.pool-INVESTMENT-1-1", Type: ledger.TxTransferIn, Market: "usd.pool"},
		},
	}
	close(ch)

	require.NoError(t, ingestion.NewOutboundPublisher(stream, ch, zerolog.Nop()).Run(context.Background()))

	require.Len(t, stream.published, 2)
	assert.Equal(t, "defi.ledger.transactions.TRANSFER_OUT.usd_pool", stream.published[0].subject)
	assert.Equal(t, "defi.ledger.transactions.TRANSFER_IN.usd_pool", stream.published[1].subject)

	var msg ingestion.TransactionMessage
	require.NoError(t, json.Unmarshal(stream.published[0].data, &msg))
	assert.Equal(t, int64(7), msg.Sequence)
	assert.Equal(t, "SharesTransferred", msg.EventType)
	assert.Equal(t, "alice-usd.pool-INVESTMENT-1-2", msg.Transaction.ID)
}

func TestTransactionSubject_EmptyMarket(t *testing.T) {
	subject := ingestion.TransactionSubject(&ledger.Transaction{Type: ledger.TxInvest})
	assert.Equal(t, "defi.ledger.transactions.INVEST._", subject)
}
