package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// Output is emitted for every committed event.
type Output struct {
	Envelope     *event.EventEnvelope
	Transactions []*ledger.Transaction
}

// ProcessorOptions configures a Processor. Zero values are usable.
type ProcessorOptions struct {
	// LRUCapacity bounds the in-memory dedup tier.
	LRUCapacity int
	// EnforceOrdering rejects ledger calls that go back in chain order
	// instead of only logging them.
	EnforceOrdering bool
	// Output receives committed events. Sends never block; a full channel
	// drops the notification.
	Output  chan<- Output
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Processor applies events one at a time. Each event runs in its own unit
// of work together with its dedup marker, so an event is either fully
// applied or not at all.
type Processor struct {
	mu sync.Mutex

	store       persistence.Store
	ledger      *ledger.Ledger
	handlers    map[event.EventType]Handler
	idempotency *IdempotencyChecker
	hasher      *StateHasher
	sequence    int64

	output  chan<- Output
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewProcessor creates a processor over store. When the store can report
// its last checkpoint the sequence and hash chain continue from it.
func NewProcessor(ctx context.Context, store persistence.Store, opts ProcessorOptions, handlers ...Handler) (*Processor, error) {
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 100_000
	}
	metrics := opts.Metrics

	var cp persistence.Checkpoint
	if cr, ok := store.(persistence.CheckpointReader); ok {
		var err error
		if cp, err = cr.LastCheckpoint(ctx); err != nil {
			return nil, err
		}
	}
	hasher, err := ResumeStateHasher(cp.StateHash)
	if err != nil {
		return nil, fmt.Errorf("resume hash chain at %d: %w", cp.Sequence, err)
	}

	guard := ledger.NewOrderGuard(opts.EnforceOrdering, opts.Logger, func(marketID string) {
		if metrics != nil {
			metrics.EventOutOfOrder.WithLabelValues(marketID).Inc()
		}
	})

	p := &Processor{
		store:       store,
		ledger:      ledger.New(store, guard, metrics),
		handlers:    make(map[event.EventType]Handler),
		idempotency: NewIdempotencyChecker(opts.LRUCapacity, persistence.NewStoreIdempotencyChecker(store), metrics),
		hasher:      hasher,
		sequence:    cp.Sequence,
		output:      opts.Output,
		logger:      opts.Logger,
		metrics:     metrics,
	}
	for _, h := range handlers {
		if err := p.Register(h); err != nil {
			return nil, err
		}
	}
	if cp.Sequence > 0 {
		p.logger.Info().Int64("sequence", cp.Sequence).Str("state_hash", cp.StateHash).Msg("resumed from checkpoint")
	}
	return p, nil
}

// Register routes the handler's event types to it.
func (p *Processor) Register(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range h.EventTypes() {
		if _, dup := p.handlers[t]; dup {
			return fmt.Errorf("event type %s already has a handler", t)
		}
		p.handlers[t] = h
	}
	return nil
}

// Sequence returns the sequence of the last committed event.
func (p *Processor) Sequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// StateHash returns the current tip of the hash chain.
func (p *Processor) StateHash() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasher.GetPrevHash()
}

// ProcessEvent is the main processing pipeline. A nil return means the
// event is committed or was already committed; the caller may ack it.
func (p *Processor) ProcessEvent(ctx context.Context, evt event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	if err := evt.Validate(); err != nil {
		p.reject(eventType, "invalid")
		return fmt.Errorf("%w: invalid %s %s: %w", ErrRejected, eventType, key, err)
	}

	dup, err := p.idempotency.IsDuplicate(eventType, key)
	if err != nil {
		p.reject(eventType, "dedup_error")
		return err
	}
	if dup {
		p.reject(eventType, "duplicate")
		p.logger.Debug().Str("event_type", eventType).Str("key", key).Msg("duplicate event skipped")
		return nil
	}

	h, ok := p.handlers[evt.EventType()]
	if !ok {
		p.reject(eventType, "no_handler")
		return fmt.Errorf("%w: no handler for event type %s", ErrRejected, eventType)
	}

	uow := persistence.NewUnitOfWork(p.store)
	if err := h.Handle(ctx, p.ledger.WithStore(uow), evt); err != nil {
		if !errors.Is(err, ErrNoResult) {
			reason := "handler"
			if errors.Is(err, ledger.ErrOutOfOrder) {
				reason = "out_of_order"
			}
			p.reject(eventType, reason)
			if isPermanent(err) {
				return fmt.Errorf("%w: apply %s %s: %w", ErrRejected, eventType, key, err)
			}
			return fmt.Errorf("apply %s %s: %w", eventType, key, err)
		}
		// Nothing is applied, but the event is still marked as seen.
		p.logger.Info().Err(err).Str("event_type", eventType).Str("key", key).Msg("event skipped")
		uow = persistence.NewUnitOfWork(p.store)
	}

	entities := uow.Entities()
	txs, err := collectTransactions(entities)
	if err != nil {
		return err
	}

	hashStart := time.Now()
	digest, err := stateDigest(entities)
	if err != nil {
		return err
	}
	sequence := p.sequence + 1
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.Next(sequence, digest)
	if p.metrics != nil {
		p.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	c := evt.CausalContext()
	marker := &persistence.ProcessedEvent{
		ID:             persistence.ProcessedEventID(eventType, key),
		EventType:      eventType,
		IdempotencyKey: key,
		MarketID:       evt.MarketID(),
		Sequence:       sequence,
		BlockNumber:    c.BlockNumber,
		BlockTime:      c.BlockTime,
		Entities:       len(entities),
		StateHash:      hex.EncodeToString(stateHash[:]),
		PrevHash:       hex.EncodeToString(prevHash[:]),
	}
	if err := uow.Save(ctx, marker); err != nil {
		return err
	}

	commitStart := time.Now()
	err = uow.CommitWithRetry(ctx, p.logger, func() {
		if p.metrics != nil {
			p.metrics.PersistRetry.Inc()
			p.metrics.PersistErrors.WithLabelValues("commit").Inc()
		}
	})
	if err != nil {
		p.reject(eventType, "commit")
		return fmt.Errorf("commit %s %s: %w", eventType, key, err)
	}
	if p.metrics != nil {
		p.metrics.CommitDuration.Observe(time.Since(commitStart).Seconds())
		p.metrics.CommitEntities.Observe(float64(len(entities) + 1))
	}

	p.hasher.Advance(stateHash)
	p.sequence = sequence
	p.idempotency.MarkProcessed(eventType, key)

	p.emit(Output{
		Envelope: &event.EventEnvelope{
			Sequence:       sequence,
			IdempotencyKey: key,
			EventType:      evt.EventType(),
			MarketID:       evt.MarketID(),
			Causal:         *c,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Transactions: txs,
	})

	if p.metrics != nil {
		p.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		p.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		p.metrics.LastSequence.Set(float64(sequence))
	}
	return nil
}

func (p *Processor) emit(out Output) {
	if p.output == nil {
		return
	}
	select {
	case p.output <- out:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("output channel full, notification dropped")
	}
}

func (p *Processor) reject(eventType, reason string) {
	if p.metrics != nil {
		p.metrics.EventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// stateDigest is the canonical encoding of everything an event wrote:
// entities sorted by kind and id, each as length-prefixed key and JSON.
func stateDigest(entities []persistence.Entity) ([]byte, error) {
	type item struct {
		key string
		raw []byte
	}
	items := make([]item, 0, len(entities))
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", e.EntityKind(), e.EntityID(), err)
		}
		items = append(items, item{key: e.EntityKind() + ":" + e.EntityID(), raw: raw})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })

	var buf bytes.Buffer
	for _, it := range items {
		buf.Write(appendUint32LE(nil, uint32(len(it.key))))
		buf.WriteString(it.key)
		buf.Write(appendUint32LE(nil, uint32(len(it.raw))))
		buf.Write(it.raw)
	}
	return buf.Bytes(), nil
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func collectTransactions(entities []persistence.Entity) ([]*ledger.Transaction, error) {
	var txs []*ledger.Transaction
	for _, e := range entities {
		if e.EntityKind() != ledger.KindTransaction {
			continue
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		var tx ledger.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("decode transaction %s: %w", e.EntityID(), err)
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}
