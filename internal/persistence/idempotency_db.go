package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKindProcessedEvent marks an inbound event as applied. It is written
// in the same unit of work as the event's ledger effects, so the marker and
// the effects commit together.
const EntityKindProcessedEvent = "processed_event"

// ProcessedEvent is the event-log row for one applied event.
type ProcessedEvent struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id,omitempty"`
	Sequence       int64  `json:"sequence"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTime      int64  `json:"block_time"`
	Entities       int    `json:"entities"`
	StateHash      string `json:"state_hash"`
	PrevHash       string `json:"prev_hash"`
}

func (p *ProcessedEvent) EntityKind() string { return EntityKindProcessedEvent }
func (p *ProcessedEvent) EntityID() string   { return p.ID }

// ProcessedEventID is the composite key used for deduplication.
func ProcessedEventID(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// StoreIdempotencyChecker is the cold-path deduplication lookup against the
// committed event log.
type StoreIdempotencyChecker struct {
	store   Store
	timeout time.Duration
}

func NewStoreIdempotencyChecker(store Store) *StoreIdempotencyChecker {
	return &StoreIdempotencyChecker{
		store:   store,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether the event has already been committed.
func (c *StoreIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var marker ProcessedEvent
	return c.store.Load(ctx, EntityKindProcessedEvent, ProcessedEventID(eventType, idempotencyKey), &marker)
}

// LastProcessed returns the marker for an event, or nil.
func LastProcessed(ctx context.Context, s Store, eventType, idempotencyKey string) (*ProcessedEvent, error) {
	return Get[ProcessedEvent](ctx, s, ProcessedEventID(eventType, idempotencyKey))
}

// Checkpoint is the position of the last committed event.
type Checkpoint struct {
	Sequence  int64
	StateHash string
}

// CheckpointReader is implemented by stores that can find the last
// committed event, so a restarted processor continues the sequence and the
// hash chain.
type CheckpointReader interface {
	LastCheckpoint(ctx context.Context) (Checkpoint, error)
}

// LastCheckpoint reads the highest-sequence processed event.
func (s *PostgresStore) LastCheckpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM ledger.processed_events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&cp.Sequence, &cp.StateHash)
	if err == sql.ErrNoRows {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

// LastCheckpoint scans the processed-event markers.
func (s *MemoryStore) LastCheckpoint(_ context.Context) (Checkpoint, error) {
	prefix := EntityKindProcessedEvent + ":"
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp Checkpoint
	for k, raw := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var pe ProcessedEvent
		if err := json.Unmarshal(raw, &pe); err != nil {
			return Checkpoint{}, fmt.Errorf("decode %s: %w", k, err)
		}
		if pe.Sequence > cp.Sequence {
			cp = Checkpoint{Sequence: pe.Sequence, StateHash: pe.StateHash}
		}
	}
	return cp, nil
}

// ChainAuditor is implemented by stores that can walk the event log in
// sequence order.
type ChainAuditor interface {
	// ChainBreaks returns up to limit sequences whose marker does not link
	// to the state hash of the marker before it.
	ChainBreaks(ctx context.Context, limit int) ([]int64, error)
}

func (s *PostgresStore) ChainBreaks(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM ledger.processed_events e1
		LEFT JOIN ledger.processed_events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND (e2.sequence IS NULL OR e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func (s *MemoryStore) ChainBreaks(_ context.Context, limit int) ([]int64, error) {
	prefix := EntityKindProcessedEvent + ":"
	s.mu.RLock()
	bySeq := make(map[int64]ProcessedEvent)
	for k, raw := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var pe ProcessedEvent
		if err := json.Unmarshal(raw, &pe); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		bySeq[pe.Sequence] = pe
	}
	s.mu.RUnlock()

	seqs := make([]int64, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var breaks []int64
	for _, seq := range seqs {
		if seq <= 1 || len(breaks) >= limit {
			continue
		}
		prev, ok := bySeq[seq-1]
		if !ok || prev.StateHash != bySeq[seq].PrevHash {
			breaks = append(breaks, seq)
		}
	}
	return breaks, nil
}
