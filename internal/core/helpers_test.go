package core_test

import (
	"context"
	"fmt"
	"testing"

	"DeFiLedger/internal/amm"
	"DeFiLedger/internal/core"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/persistence"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testPool  = "usd.pool"
	poolOwner = "owner.near"
	e24       = "1000000000000000000000000"
	ray       = "1000000000000000000000000000"
)

// chain hands out causal points one block apart.
type chain struct {
	block uint64
}

func (c *chain) next() event.Base {
	c.block++
	return c.at(c.block)
}

func (c *chain) at(block uint64) event.Base {
	return event.Base{Causal: ledger.Causal{
		BlockNumber: block,
		BlockTime:   1_700_000_000 + int64(block),
		LogIndex:    0,
		TxHash:      fmt.Sprintf("0xtx%d", block),
		From:        "relayer",
		To:          testPool,
	}}
}

func dec(s string) uint256.Int { return *uint256.MustFromDecimal(s) }

func amounts(values ...string) []uint256.Int {
	out := make([]uint256.Int, len(values))
	for i, v := range values {
		out[i] = dec(v)
	}
	return out
}

func newProcessor(t *testing.T, store persistence.Store, out chan core.Output) *core.Processor {
	t.Helper()
	var output chan<- core.Output
	if out != nil {
		output = out
	}
	p, err := core.NewProcessor(context.Background(), store, core.ProcessorOptions{
		LRUCapacity:     1024,
		EnforceOrdering: true,
		Output:          output,
		Logger:          zerolog.Nop(),
	}, core.NewPoolHandler(0, zerolog.Nop(), nil), core.NewLendingHandler(zerolog.Nop()))
	require.NoError(t, err)
	return p
}

func poolCreated(c *chain, tradeFee, adminFee, referralFee uint32) *event.PoolCreated {
	return &event.PoolCreated{
		Base:        c.next(),
		Pool:        testPool,
		Kind:        string(amm.KindStableSwap),
		Owner:       poolOwner,
		Tokens:      []string{"usdc", "dai"},
		Decimals:    []uint8{6, 18},
		Symbols:     []string{"USDC", "DAI"},
		TradeFee:    tradeFee,
		AdminFee:    adminFee,
		ReferralFee: referralFee,
		AmpFactor:   100,
	}
}

// balancedDeposit adds 1,000,000 of each stablecoin, minting 2e24 shares
// into an empty pool.
func balancedDeposit(c *chain, account string) *event.LiquidityAdded {
	return &event.LiquidityAdded{
		Base:    c.next(),
		Pool:    testPool,
		Account: account,
		Amounts: []uint256.Int{dec("1000000000000"), dec(e24)},
	}
}

func apply(t *testing.T, p *core.Processor, events ...event.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, p.ProcessEvent(context.Background(), e), "%s", e.EventType())
	}
}

func position(t *testing.T, s persistence.Store, account, market string, typ ledger.PositionType, counter uint64) *ledger.Position {
	t.Helper()
	id := ledger.PositionID(ledger.AccountPositionID(account, market, typ), counter)
	pos, err := persistence.MustGet[ledger.Position](context.Background(), s, id)
	require.NoError(t, err)
	return pos
}

func loadPool(t *testing.T, s persistence.Store) *amm.Pool {
	t.Helper()
	pool, err := persistence.MustGet[amm.Pool](context.Background(), s, testPool)
	require.NoError(t, err)
	return pool
}

func market(t *testing.T, s persistence.Store, id string) *ledger.Market {
	t.Helper()
	m, err := persistence.MustGet[ledger.Market](context.Background(), s, id)
	require.NoError(t, err)
	return m
}
