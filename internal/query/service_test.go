package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"DeFiLedger/internal/amm"
	"DeFiLedger/internal/core"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/persistence"
	"DeFiLedger/internal/query"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pool = "usd.pool"
	e24  = "1000000000000000000000000"
)

func base(block uint64) event.Base {
	return event.Base{Causal: ledger.Causal{
		BlockNumber: block,
		BlockTime:   1_700_000_000 + int64(block),
		TxHash:      fmt.Sprintf("0xtx%d", block),
		GasPrice:    *uint256.NewInt(7),
	}}
}

// seeded returns a store holding one pool with alice's balanced deposit.
func seeded(t *testing.T) (*persistence.MemoryStore, *query.QueryService) {
	t.Helper()
	store := persistence.NewMemoryStore()
	p, err := core.NewProcessor(context.Background(), store, core.ProcessorOptions{Logger: zerolog.Nop()},
		core.NewPoolHandler(0, zerolog.Nop(), nil))
	require.NoError(t, err)

	events := []event.Event{
		&event.PoolCreated{
			Base:      base(1),
			Pool:      pool,
			Kind:      string(amm.KindStableSwap),
			Owner:     "owner",
			Tokens:    []string{"usdc", "dai"},
			Decimals:  []uint8{6, 18},
			AmpFactor: 100,
		},
		&event.LiquidityAdded{
			Base:    base(2),
			Pool:    pool,
			Account: "alice",
			Amounts: []uint256.Int{*uint256.NewInt(1_500_000_000_000), *uint256.MustFromDecimal("15" + e24[2:])},
		},
	}
	for _, e := range events {
		require.NoError(t, p.ProcessEvent(context.Background(), e))
	}
	return store, query.NewQueryService(store)
}

func TestGetMarket_FormatsWithTokenDecimals(t *testing.T) {
	_, qs := seeded(t)

	m, err := qs.GetMarket(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.AsOfSequence)
	require.Len(t, m.InputTokenBalances, 2)
	assert.Equal(t, "1500000000000", m.InputTokenBalances[0].Raw)
	assert.True(t, decimal.NewFromInt(1_500_000).Equal(m.InputTokenBalances[0].Amount))
	assert.True(t, decimal.NewFromInt(1_500_000).Equal(m.InputTokenBalances[1].Amount))
	assert.True(t, decimal.NewFromInt(3_000_000).Equal(m.OutputTokenSupply.Amount))
}

func TestGetMarket_NotFound(t *testing.T) {
	_, qs := seeded(t)
	_, err := qs.GetMarket(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestGetPosition_CurrentSlotWithUnderlying(t *testing.T) {
	_, qs := seeded(t)

	p, err := qs.GetPosition(context.Background(), "alice", pool, ledger.PositionInvestment)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Counter)
	assert.False(t, p.Closed)
	assert.Equal(t, "3"+e24[1:], p.OutputTokenBalance.Raw)
	require.Len(t, p.Underlying, 2)
	assert.Equal(t, "1500000000000", p.Underlying[0].Raw)

	same, err := qs.GetPositionSlot(context.Background(), "alice", pool, ledger.PositionInvestment, 1)
	require.NoError(t, err)
	assert.Equal(t, p.ID, same.ID)

	_, err = qs.GetPositionSlot(context.Background(), "alice", pool, ledger.PositionInvestment, 2)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestGetTransactionAndSnapshots(t *testing.T) {
	_, qs := seeded(t)
	ctx := context.Background()

	p, err := qs.GetPosition(ctx, "alice", pool, ledger.PositionInvestment)
	require.NoError(t, err)

	snap, err := qs.GetPositionSnapshot(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, p.OutputTokenBalance.Raw, snap.OutputTokenBalance.Raw)

	tx, err := qs.GetTransaction(ctx, snap.Transaction)
	require.NoError(t, err)
	assert.Equal(t, string(ledger.TxInvest), tx.Type)
	assert.Equal(t, "7", tx.GasPrice)
	assert.Equal(t, "0xtx2", tx.TxHash)

	ms, err := qs.GetMarketSnapshot(ctx, pool, "0xtx2-0")
	require.NoError(t, err)
	assert.Equal(t, tx.MarketSnapshot, ms.ID)
	// pre-deposit state
	assert.Equal(t, "0", ms.OutputTokenSupply.Raw)
}

func TestGetPool(t *testing.T) {
	_, qs := seeded(t)

	p, err := qs.WithClock(func() time.Time { return time.Unix(1_700_000_100, 0) }).GetPool(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, string(amm.KindStableSwap), p.Kind)
	assert.Equal(t, uint64(100), p.AmpFactor)
	assert.Zero(t, p.StopAmpTime)
	assert.Equal(t, "1500000000000", p.Balances[0].Raw)
	assert.Empty(t, p.Rates)
}

func TestGetEventAndVerifyIntegrity(t *testing.T) {
	_, qs := seeded(t)
	ctx := context.Background()

	e, err := qs.GetEvent(ctx, "LiquidityAdded", "0xtx2-0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Sequence)
	assert.NotEmpty(t, e.PrevHash)

	_, err = qs.GetEvent(ctx, "LiquidityAdded", "0xtx9-0")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Checked)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(2), report.LastSequence)
}

func TestVerifyIntegrity_DetectsBrokenLink(t *testing.T) {
	store, qs := seeded(t)
	ctx := context.Background()

	marker, err := persistence.LastProcessed(ctx, store, "LiquidityAdded", "0xtx2-0")
	require.NoError(t, err)
	marker.PrevHash = "00"
	require.NoError(t, store.Save(ctx, marker))

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{2}, report.HashChainBreaks)
}
