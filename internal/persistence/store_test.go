package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"DeFiLedger/internal/persistence"

	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID     string      `json:"id"`
	Count  int         `json:"count"`
	Amount uint256.Int `json:"amount"`
	Tags   []string    `json:"tags"`
}

func (w *widget) EntityKind() string { return "widget" }
func (w *widget) EntityID() string   { return w.ID }

type unencodable struct {
	ID string
	Ch chan int
}

func (u *unencodable) EntityKind() string { return "widget" }
func (u *unencodable) EntityID() string   { return u.ID }

func TestMemoryStore_CopySemantics(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()

	w := &widget{ID: "a", Count: 1, Tags: []string{"x"}}
	w.Amount.SetUint64(10)
	require.NoError(t, s.Save(ctx, w))

	w.Count = 99
	w.Tags[0] = "mutated"

	got, err := persistence.Get[widget](ctx, s, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, []string{"x"}, got.Tags)
	assert.Equal(t, uint64(10), got.Amount.Uint64())
}

func TestGet_Absent(t *testing.T) {
	got, err := persistence.Get[widget](context.Background(), persistence.NewMemoryStore(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMustGet_NotFound(t *testing.T) {
	_, err := persistence.MustGet[widget](context.Background(), persistence.NewMemoryStore(), "missing")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()
	calls := 0
	factory := func() *widget {
		calls++
		return &widget{ID: "a", Count: 5}
	}

	w, created, err := persistence.GetOrCreate(ctx, s, "a", factory)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 5, w.Count)

	w.Count = 6
	require.NoError(t, s.Save(ctx, w))

	w, created, err = persistence.GetOrCreate(ctx, s, "a", factory)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 6, w.Count)
	assert.Equal(t, 1, calls)
}

func TestGetOrCreate_FactoryIDMismatch(t *testing.T) {
	_, _, err := persistence.GetOrCreate(context.Background(), persistence.NewMemoryStore(), "a", func() *widget {
		return &widget{ID: "b"}
	})
	assert.Error(t, err)
}

func TestMemoryStore_SaveBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()

	err := s.SaveBatch(ctx, []persistence.Entity{
		&widget{ID: "a"},
		&unencodable{ID: "b", Ch: make(chan int)},
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.Count("widget"))

	require.NoError(t, s.SaveBatch(ctx, []persistence.Entity{&widget{ID: "a"}, &widget{ID: "b"}}))
	assert.Equal(t, 2, s.Count("widget"))
}

func TestUnitOfWork_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	base := persistence.NewMemoryStore()
	require.NoError(t, base.Save(ctx, &widget{ID: "a", Count: 1}))

	uow := persistence.NewUnitOfWork(base)
	w, err := persistence.MustGet[widget](ctx, uow, "a")
	require.NoError(t, err)
	w.Count = 2
	require.NoError(t, uow.Save(ctx, w))
	require.NoError(t, uow.Save(ctx, &widget{ID: "b", Count: 3}))

	got, err := persistence.MustGet[widget](ctx, uow, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	fromBase, err := persistence.MustGet[widget](ctx, base, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, fromBase.Count, "base must not see uncommitted writes")
	assert.Equal(t, 1, base.Count("widget"))
	assert.Equal(t, 2, uow.Len())
}

func TestUnitOfWork_SaveSnapshotsEntity(t *testing.T) {
	ctx := context.Background()
	uow := persistence.NewUnitOfWork(persistence.NewMemoryStore())

	w := &widget{ID: "a", Count: 1}
	require.NoError(t, uow.Save(ctx, w))
	w.Count = 50

	got, err := persistence.MustGet[widget](ctx, uow, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
}

func TestUnitOfWork_CommitAndDiscard(t *testing.T) {
	ctx := context.Background()
	base := persistence.NewMemoryStore()

	discarded := persistence.NewUnitOfWork(base)
	require.NoError(t, discarded.Save(ctx, &widget{ID: "x"}))
	assert.Equal(t, 0, base.Count("widget"))

	uow := persistence.NewUnitOfWork(base)
	require.NoError(t, uow.Save(ctx, &widget{ID: "a", Count: 1}))
	require.NoError(t, uow.Save(ctx, &widget{ID: "b", Count: 2}))
	require.NoError(t, uow.Save(ctx, &widget{ID: "a", Count: 3}))

	entities := uow.Entities()
	require.Len(t, entities, 2)
	assert.Equal(t, "a", entities[0].EntityID())
	assert.Equal(t, "b", entities[1].EntityID())

	require.NoError(t, uow.Commit(ctx))
	assert.Equal(t, 0, uow.Len())
	assert.Equal(t, 2, base.Count("widget"))

	got, err := persistence.MustGet[widget](ctx, base, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Count)
}

type flakyStore struct {
	*persistence.MemoryStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) SaveBatch(ctx context.Context, entities []persistence.Entity) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.err != nil {
			return f.err
		}
		return errors.New("connection reset")
	}
	return f.MemoryStore.SaveBatch(ctx, entities)
}

func TestUnitOfWork_CommitWithRetry(t *testing.T) {
	ctx := context.Background()
	base := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 2}

	uow := persistence.NewUnitOfWork(base)
	require.NoError(t, uow.Save(ctx, &widget{ID: "a"}))

	retries := 0
	require.NoError(t, uow.CommitWithRetry(ctx, zerolog.Nop(), func() { retries++ }))
	assert.Equal(t, 2, retries)
	assert.Equal(t, 1, base.Count("widget"))
}

func TestUnitOfWork_CommitWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	base := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 1000}

	uow := persistence.NewUnitOfWork(base)
	require.NoError(t, uow.Save(ctx, &widget{ID: "a"}))

	err := uow.CommitWithRetry(ctx, zerolog.Nop(), cancel)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, base.Count("widget"))
}

func TestUnitOfWork_CommitWithRetryGivesUp(t *testing.T) {
	defer persistence.SetCommitRetry(3, time.Millisecond)()
	ctx := context.Background()
	base := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 1000}

	uow := persistence.NewUnitOfWork(base)
	require.NoError(t, uow.Save(ctx, &widget{ID: "a"}))

	retries := 0
	err := uow.CommitWithRetry(ctx, zerolog.Nop(), func() { retries++ })
	require.Error(t, err)
	assert.Equal(t, 3, base.calls)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 0, base.Count("widget"))
	assert.Equal(t, 1, uow.Len(), "a failed commit keeps the pending writes")
}

func TestUnitOfWork_CommitWithRetryStopsOnPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unique violation", &pq.Error{Code: "23505"}},
		{"numeric out of range", fmt.Errorf("upsert 2 entities: %w", &pq.Error{Code: "22003"})},
		{"encode failure", fmt.Errorf("%w: widget a: bad value", persistence.ErrEncode)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 1000, err: tt.err}

			uow := persistence.NewUnitOfWork(base)
			require.NoError(t, uow.Save(ctx, &widget{ID: "a"}))

			retries := 0
			err := uow.CommitWithRetry(ctx, zerolog.Nop(), func() { retries++ })
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, base.calls)
			assert.Zero(t, retries)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, persistence.Retryable(errors.New("connection reset")))
	assert.True(t, persistence.Retryable(&pq.Error{Code: "40001"}), "serialization failure")
	assert.True(t, persistence.Retryable(&pq.Error{Code: "08006"}), "connection failure")
	assert.False(t, persistence.Retryable(&pq.Error{Code: "42P01"}), "undefined table")
	assert.False(t, persistence.Retryable(context.Canceled))
}

func TestStoreIdempotencyChecker(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()
	checker := persistence.NewStoreIdempotencyChecker(s)

	dup, err := checker.IsDuplicate("TokenSwapped", "0xabc-1")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.Save(ctx, &persistence.ProcessedEvent{
		ID:             persistence.ProcessedEventID("TokenSwapped", "0xabc-1"),
		EventType:      "TokenSwapped",
		IdempotencyKey: "0xabc-1",
	}))

	dup, err = checker.IsDuplicate("TokenSwapped", "0xabc-1")
	require.NoError(t, err)
	assert.True(t, dup)

	marker, err := persistence.LastProcessed(ctx, s, "TokenSwapped", "0xabc-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "0xabc-1", marker.IdempotencyKey)
}

func TestMemoryStore_LastCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()

	cp, err := s.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Checkpoint{}, cp)

	for seq, hash := range map[int64]string{3: "c", 1: "a", 2: "b"} {
		require.NoError(t, s.Save(ctx, &persistence.ProcessedEvent{
			ID:        persistence.ProcessedEventID("E", hash),
			Sequence:  seq,
			StateHash: hash,
		}))
	}
	cp, err = s.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.Checkpoint{Sequence: 3, StateHash: "c"}, cp)
}

func TestMemoryStore_ChainBreaks(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()

	markers := []persistence.ProcessedEvent{
		{Sequence: 1, StateHash: "h1", PrevHash: "g"},
		{Sequence: 2, StateHash: "h2", PrevHash: "h1"},
		{Sequence: 3, StateHash: "h3", PrevHash: "bad"},
		{Sequence: 5, StateHash: "h5", PrevHash: "h4"},
	}
	for i := range markers {
		markers[i].ID = persistence.ProcessedEventID("E", markers[i].StateHash)
		require.NoError(t, s.Save(ctx, &markers[i]))
	}

	breaks, err := s.ChainBreaks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, breaks)

	breaks, err = s.ChainBreaks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, breaks)
}
