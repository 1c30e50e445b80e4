package amm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUSDPool(t *testing.T, fees Fees) *Pool {
	t.Helper()
	p := NewPool("usd.pool", KindStableSwap, "owner.near",
		[]string{"usdc", "dai"}, []uint8{6, 18}, fees, FixedAmp(100))
	require.NoError(t, p.Validate())
	return p
}

func TestPool_CAmountConversion(t *testing.T) {
	p := newUSDPool(t, NoFees())

	c := p.ToCAmount(0, uint256.NewInt(1_500_000)) // 1.5 USDC
	assert.Equal(t, "1500000000000000000", c.Dec())
	assert.Equal(t, uint64(1_500_000), p.FromCAmount(0, c).Uint64())
	assert.Equal(t, c.Dec(), p.ToCAmount(1, c).Dec())
}

func TestPool_AddAndRemoveLiquidity(t *testing.T) {
	p := newUSDPool(t, NoFees())

	res, ok := p.AddLiquidity(0, amounts("1000000000000", "1000000000000000000000000"))
	require.True(t, ok)
	assert.Equal(t, "2000000000000000000000000", res.Shares.Dec())
	assert.Equal(t, res.Shares.Dec(), p.TotalSupply.Dec())

	out, ok := p.RemoveLiquidity(u(e24))
	require.True(t, ok)
	assert.Equal(t, "500000000000", out[0].Dec())
	assert.Equal(t, "500000000000000000000000", out[1].Dec())
	assert.Equal(t, e24, p.TotalSupply.Dec())
}

func TestPool_AbsentDepositLeavesPoolUntouched(t *testing.T) {
	p := newUSDPool(t, NoFees())
	_, ok := p.AddLiquidity(0, amounts("1000000", "0"))
	assert.False(t, ok)
	assert.True(t, p.TotalSupply.IsZero())
	assert.True(t, p.CAmounts[0].IsZero())
}

func TestPool_RemoveMoreThanSupply(t *testing.T) {
	p := newUSDPool(t, NoFees())
	_, ok := p.AddLiquidity(0, amounts("1000000", "1000000000000000000"))
	require.True(t, ok)

	_, ok = p.RemoveLiquidity(u("3000000000000000000"))
	assert.False(t, ok)
}

func TestPool_SwapConvertsAdminFee(t *testing.T) {
	p := newUSDPool(t, NewFees(30, 5000, 0))
	_, ok := p.AddLiquidity(0, amounts("1000000000000", "1000000000000000000000000"))
	require.True(t, ok)
	supplyBefore := p.TotalSupply
	daiBefore := p.CAmounts[1]

	res, received, adminShares, ok := p.Swap(0, 0, uint256.NewInt(1_000_000_000), 1) // 1,000 USDC
	require.True(t, ok)

	assert.Equal(t, res.AmountSwapped.Dec(), received.Dec(), "dai has 18 decimals like c-amounts")
	assert.False(t, adminShares.IsZero())
	assert.True(t, p.TotalSupply.Gt(&supplyBefore))

	// admin fee goes back into the reserve as LP value
	want := new(uint256.Int).Sub(&daiBefore, &res.AmountSwapped)
	assert.Equal(t, want.Dec(), p.CAmounts[1].Dec())
}

func TestPool_RemoveLiquidityImbalance(t *testing.T) {
	p := newUSDPool(t, NewFees(30, 5000, 0))
	_, ok := p.AddLiquidity(0, amounts("1000000000000", "1000000000000000000000000"))
	require.True(t, ok)

	res, ok := p.RemoveLiquidityImbalance(0, amounts("10000000000", "0"))
	require.True(t, ok)
	assert.False(t, res.FeeShares.IsZero())
	assert.Equal(t, "990000000000000000000000", p.CAmounts[0].Dec())

	admin := p.MintAdminShares(&res.FeeShares)
	assert.Equal(t, p.Fees.ComputeAdminFee(&res.FeeShares).Dec(), admin.Dec())
}

func TestPool_ValidateShape(t *testing.T) {
	p := newUSDPool(t, NoFees())
	p.CAmounts = p.CAmounts[:1]
	assert.ErrorIs(t, p.Validate(), ErrPoolShape)

	single := NewPool("x", KindStableSwap, "o", []string{"a"}, []uint8{18}, NoFees(), FixedAmp(1))
	assert.ErrorIs(t, single.Validate(), ErrPoolEmptyToken)
}

func TestPool_RatedRates(t *testing.T) {
	p := NewPool("rated", KindRatedSwap, "o", []string{"near", "stnear"}, []uint8{24, 24}, NoFees(), FixedAmp(240))
	require.NoError(t, p.Validate())
	assert.Equal(t, RatedTargetDecimals, p.TargetDecimals)
	require.NoError(t, p.SetRate(1, u("1100000000000000000000000")))
	assert.True(t, p.Solver(0).Rated())

	stable := newUSDPool(t, NoFees())
	assert.Error(t, stable.SetRate(0, u(e24)))
	assert.False(t, stable.Solver(0).Rated())

	_, err := p.TokenIndex("missing")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestPool_CloneIsIndependent(t *testing.T) {
	p := newUSDPool(t, NoFees())
	_, ok := p.AddLiquidity(0, amounts("1000000000000", "1000000000000000000000000"))
	require.True(t, ok)

	c := p.Clone()
	_, ok = c.AddLiquidity(0, amounts("1000000", "1000000000000000000"))
	require.True(t, ok)

	assert.Equal(t, "2000000000000000000000000", p.TotalSupply.Dec())
	assert.Equal(t, "1000000000000000000000000", p.CAmounts[0].Dec())
	assert.NotEqual(t, p.TotalSupply.Dec(), c.TotalSupply.Dec())
}

func TestPool_ObserverReceivesIterations(t *testing.T) {
	p := newUSDPool(t, NoFees())
	var ops []string
	p.Observer = func(op string, iterations int) {
		ops = append(ops, op)
		assert.Greater(t, iterations, 0)
	}
	_, ok := p.AddLiquidity(0, amounts("1000000000000", "1000000000000000000000000"))
	require.True(t, ok)
	assert.Equal(t, []string{"deposit"}, ops)
}
