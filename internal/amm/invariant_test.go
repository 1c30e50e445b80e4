package amm

import (
	"testing"

	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amounts(values ...string) []uint256.Int {
	out := make([]uint256.Int, len(values))
	for i, v := range values {
		out[i] = *uint256.MustFromDecimal(v)
	}
	return out
}

func u(v string) *uint256.Int {
	return uint256.MustFromDecimal(v)
}

const (
	e22 = "10000000000000000000000"
	e24 = "1000000000000000000000000"
)

func TestComputeAmpFactor_Ramp(t *testing.T) {
	ramp := AmpRamp{InitAmpFactor: 100, TargetAmpFactor: 200, InitAmpTime: 0, StopAmpTime: 1000}

	assert.Equal(t, uint64(100), ramp.ComputeAmpFactor(0))
	assert.Equal(t, uint64(150), ramp.ComputeAmpFactor(500))
	assert.Equal(t, uint64(200), ramp.ComputeAmpFactor(1000))
	assert.Equal(t, uint64(200), ramp.ComputeAmpFactor(1500))
}

func TestComputeAmpFactor_RampDown(t *testing.T) {
	ramp := AmpRamp{InitAmpFactor: 200, TargetAmpFactor: 100, InitAmpTime: 1000, StopAmpTime: 2000}

	assert.Equal(t, uint64(200), ramp.ComputeAmpFactor(500), "before the window the initial factor applies")
	assert.Equal(t, uint64(175), ramp.ComputeAmpFactor(1250))
	assert.Equal(t, uint64(100), ramp.ComputeAmpFactor(3000))
}

func TestComputeAmpFactor_NoRamp(t *testing.T) {
	assert.Equal(t, uint64(85), FixedAmp(85).ComputeAmpFactor(12345))
	assert.False(t, FixedAmp(85).Ramping(0))
}

func TestStartRamp_ContinuesFromCurrentFactor(t *testing.T) {
	ramp := AmpRamp{InitAmpFactor: 100, TargetAmpFactor: 200, InitAmpTime: 0, StopAmpTime: 1000}
	next := ramp.StartRamp(500, 400, 1500)

	assert.Equal(t, uint64(150), next.InitAmpFactor)
	assert.Equal(t, uint64(275), next.ComputeAmpFactor(1000))
	assert.True(t, next.Ramping(1000))
}

func TestComputeD_EmptyPool(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	d, ok := s.ComputeD(amounts("0", "0", "0"))
	require.True(t, ok)
	assert.True(t, d.IsZero())
}

func TestComputeD_ZeroBalanceIsDegenerate(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	_, ok := s.ComputeD(amounts(e24, "0"))
	assert.False(t, ok)
}

func TestComputeD_BalancedEqualsSum(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	d, ok := s.ComputeD(amounts(e24, e24, e24))
	require.True(t, ok)
	assert.Equal(t, "3000000000000000000000000", d.Dec())
}

func TestComputeD_ImbalancedBelowSum(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	a := amounts(e24, "2000000000000000000000000", "3000000000000000000000000")
	d, ok := s.ComputeD(a)
	require.True(t, ok)
	assert.True(t, d.Lt(fpmath.Sum(a)), "D=%s must be below the sum for an imbalanced pool", d.Dec())
}

func TestComputeD_ConvergesWellUnderCap(t *testing.T) {
	balances := [][]uint256.Int{
		amounts(e24, e24, e24),
		amounts(e24, "2000000000000000000000000", "3000000000000000000000000"),
		amounts("1000000000000000000000000", "1500000000000000000000000", "900000000000000000000000"),
	}
	for _, a := range []uint64{1, 10, 100, 1000, 5000} {
		s := NewStableSwap(FixedAmp(a), 0)
		for _, b := range balances {
			d, iterations, ok := s.computeD(b)
			require.True(t, ok)
			assert.Less(t, iterations, 64, "A=%d took %d iterations", a, iterations)
			assert.False(t, d.Gt(fpmath.Sum(b)), "A=%d D=%s above sum", a, d.Dec())
		}
	}
}

func TestComputeY_ConvergesWellUnderCap(t *testing.T) {
	for _, a := range []uint64{1, 10, 100, 1000, 5000} {
		var observed []int
		s := NewStableSwap(FixedAmp(a), 0)
		s.Observer = func(op string, iterations int) {
			if op == "compute_y" {
				observed = append(observed, iterations)
			}
		}

		current := amounts(e24, e24, e24)
		y, ok := s.ComputeY(u("1010000000000000000000000"), current, 0, 1)
		require.True(t, ok)
		assert.True(t, y.Lt(&current[1]))
		require.Len(t, observed, 1)
		assert.Less(t, observed[0], 64, "A=%d took %d iterations", a, observed[0])
	}
}

func TestComputeY_HoldsInvariant(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	current := amounts(e24, e24)
	x := u("1100000000000000000000000")

	y, ok := s.ComputeY(x, current, 0, 1)
	require.True(t, ok)

	d0, _ := s.ComputeD(current)
	d1, _ := s.ComputeD([]uint256.Int{*x, *y})
	// Rounding in y moves D by at most a few units.
	assert.True(t, fpmath.AbsDiff(d0, d1).Lt(uint256.NewInt(10)), "d0=%s d1=%s", d0.Dec(), d1.Dec())
}

func TestComputeY_InvalidIndexes(t *testing.T) {
	s := NewStableSwap(FixedAmp(100), 0)
	current := amounts(e24, e24)

	_, ok := s.ComputeY(u(e24), current, 0, 0)
	assert.False(t, ok)
	_, ok = s.ComputeY(u(e24), current, 0, 2)
	assert.False(t, ok)
}

func TestRatedSwap_DefaultRateIsIdentity(t *testing.T) {
	stable := NewStableSwap(FixedAmp(100), 0)
	rated := NewRatedSwap(FixedAmp(100), 0, make([]uint256.Int, 2), fpmath.RatePrecision)

	a := amounts(e24, "3000000000000000000000000")
	d1, _ := stable.ComputeD(a)
	d2, _ := rated.ComputeD(a)
	assert.Equal(t, d1.Dec(), d2.Dec())
}
