package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// UnitOfWork buffers the writes of one event on top of a base store. Reads
// see pending writes first, so an event has read-your-writes consistency
// without touching the base store. Commit flushes everything at once;
// dropping the unit of work discards the event's effects.
type UnitOfWork struct {
	base    Store
	pending map[string][]byte
	order   []pendingEntity
}

type pendingEntity struct {
	key    string
	entity Entity
}

func NewUnitOfWork(base Store) *UnitOfWork {
	return &UnitOfWork{
		base:    base,
		pending: make(map[string][]byte),
	}
}

func (u *UnitOfWork) Load(ctx context.Context, kind, id string, out Entity) (bool, error) {
	if raw, ok := u.pending[entityKey(kind, id)]; ok {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode pending %s %s: %w", kind, id, err)
		}
		return true, nil
	}
	return u.base.Load(ctx, kind, id, out)
}

// Save snapshots the entity so later mutation by the caller does not leak
// into the pending write.
func (u *UnitOfWork) Save(_ context.Context, e Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrEncode, e.EntityKind(), e.EntityID(), err)
	}
	key := entityKey(e.EntityKind(), e.EntityID())
	if _, seen := u.pending[key]; !seen {
		u.order = append(u.order, pendingEntity{key: key, entity: e})
	}
	u.pending[key] = raw
	return nil
}

// Len returns the number of distinct pending entities.
func (u *UnitOfWork) Len() int {
	return len(u.order)
}

// Entities returns the pending entities in first-write order with their
// final state.
func (u *UnitOfWork) Entities() []Entity {
	out := make([]Entity, 0, len(u.order))
	for _, p := range u.order {
		out = append(out, frozenEntity{kind: p.entity.EntityKind(), id: p.entity.EntityID(), raw: u.pending[p.key]})
	}
	return out
}

// Commit writes all pending entities to the base store, atomically when the
// base supports batches.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if len(u.order) == 0 {
		return nil
	}
	entities := u.Entities()
	if bs, ok := u.base.(BatchSaver); ok {
		if err := bs.SaveBatch(ctx, entities); err != nil {
			return err
		}
	} else {
		for _, e := range entities {
			if err := u.base.Save(ctx, e); err != nil {
				return err
			}
		}
	}
	u.pending = make(map[string][]byte)
	u.order = nil
	return nil
}

// Commit retry bounds. Once they are spent the caller gets the last error
// and the event stays unapplied.
var (
	maxCommitAttempts = 8
	commitBackoff     = 100 * time.Millisecond
)

const maxCommitBackoff = 30 * time.Second

// CommitWithRetry retries Commit with exponential backoff while the failure
// is retryable, up to maxCommitAttempts attempts or until ctx is cancelled.
// A commit never partially applies, so retrying is safe.
func (u *UnitOfWork) CommitWithRetry(ctx context.Context, logger zerolog.Logger, onRetry func()) error {
	backoff := commitBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("entities", u.Len()).Msg("commit retry")
			select {
			case <-ctx.Done():
				return fmt.Errorf("commit abandoned after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxCommitBackoff {
				backoff = maxCommitBackoff
			}
		}

		err := u.Commit(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info().Int("retries", attempt).Msg("commit succeeded after retry")
			}
			return nil
		}
		logger.Error().Err(err).Msg("commit failed")
		if !Retryable(err) {
			return fmt.Errorf("commit not retryable: %w", err)
		}
		if attempt+1 >= maxCommitAttempts {
			return fmt.Errorf("commit failed after %d attempts: %w", attempt+1, err)
		}
		if onRetry != nil {
			onRetry()
		}
	}
}

// Retryable reports whether a failed write may succeed if repeated
// unchanged. Encoding failures and Postgres data, constraint and
// statement errors fail the same way every time.
func Retryable(err error) bool {
	if errors.Is(err, ErrEncode) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}

// frozenEntity carries an already-encoded entity to the base store.
type frozenEntity struct {
	kind string
	id   string
	raw  json.RawMessage
}

func (f frozenEntity) EntityKind() string { return f.kind }
func (f frozenEntity) EntityID() string   { return f.id }

func (f frozenEntity) MarshalJSON() ([]byte, error) { return f.raw, nil }
