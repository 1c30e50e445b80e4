package lending

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ray    = "1000000000000000000000000000"
	ray1_1 = "1100000000000000000000000000"
	ray1_2 = "1200000000000000000000000000"
)

func idx(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func newReserve() *Reserve {
	return NewReserve("usdc.reserve", "gov", "usdc", "ausdc", "dusdc", 6, []string{"rwd"})
}

func TestReserve_SupplyAccruesWithIndex(t *testing.T) {
	r := newReserve()
	a := r.NewAccount("alice")

	scaled, err := r.Supply(a, uint256.NewInt(1100), idx(ray1_1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), scaled.Uint64())
	assert.Equal(t, uint64(1100), r.SupplyBalance(a).Uint64())

	_, redeemed, err := r.Withdraw(a, uint256.NewInt(600), idx(ray1_2))
	require.NoError(t, err)
	assert.Equal(t, uint64(600), redeemed.Uint64())
	assert.Equal(t, uint64(500), a.ScaledSupply.Uint64())
	assert.Equal(t, uint64(600), r.SupplyBalance(a).Uint64())
	assert.Equal(t, uint64(600), r.TotalSupplied().Uint64())
}

func TestReserve_FullWithdrawLeavesNoDust(t *testing.T) {
	r := newReserve()
	a := r.NewAccount("alice")
	_, err := r.Supply(a, uint256.NewInt(1000), idx(ray))
	require.NoError(t, err)

	_, redeemed, err := r.Withdraw(a, uint256.NewInt(1_000_000), idx(ray1_1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), redeemed.Uint64(), "redeemed is the balance, not the request")
	assert.True(t, a.ScaledSupply.IsZero())
	assert.True(t, r.ScaledSupply.IsZero())
}

func TestReserve_BorrowAndRepay(t *testing.T) {
	r := newReserve()
	lender := r.NewAccount("lender")
	borrower := r.NewAccount("bob")

	_, err := r.Supply(lender, uint256.NewInt(1000), idx(ray))
	require.NoError(t, err)
	_, err = r.Borrow(borrower, uint256.NewInt(300), idx(ray))
	require.NoError(t, err)

	assert.Equal(t, uint64(300), r.TotalDebt().Uint64())
	assert.Equal(t, uint64(700), r.AvailableLiquidity().Uint64())

	_, repaid, err := r.Repay(borrower, uint256.NewInt(100), idx(ray))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), repaid.Uint64())
	assert.Equal(t, uint64(200), r.DebtBalance(borrower).Uint64())

	_, repaid, err = r.Repay(borrower, uint256.NewInt(5000), idx(ray))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), repaid.Uint64())
	assert.True(t, borrower.ScaledDebt.IsZero())
	assert.Equal(t, uint64(1000), r.AvailableLiquidity().Uint64())
}

func TestReserve_RejectsIndexDecrease(t *testing.T) {
	r := newReserve()
	a := r.NewAccount("alice")
	_, err := r.Supply(a, uint256.NewInt(100), idx(ray1_2))
	require.NoError(t, err)

	_, err = r.Supply(a, uint256.NewInt(100), idx(ray1_1))
	require.ErrorIs(t, err, ErrIndexDecreased)
	assert.Equal(t, ray1_2, r.LiquidityIndex.Dec())

	_, err = r.Borrow(a, uint256.NewInt(1), new(uint256.Int))
	require.Error(t, err)
}

func TestReserve_SetReward(t *testing.T) {
	r := newReserve()
	a := r.NewAccount("alice")

	require.NoError(t, r.SetReward(a, "rwd", uint256.NewInt(42)))
	assert.Equal(t, uint64(42), a.Rewards[0].Uint64())
	assert.Error(t, r.SetReward(a, "other", uint256.NewInt(1)))
}
