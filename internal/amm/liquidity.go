package amm

import (
	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// LPResult is the outcome of an imbalanced deposit or withdrawal.
// For deposits Shares is minted to the provider; for withdrawals it is burnt
// from the provider. FeeShares is the fee-bearing portion the caller splits
// into admin and referral cuts.
type LPResult struct {
	Shares    uint256.Int
	FeeShares uint256.Int
}

// ComputeLPAmountForDeposit returns the LP shares minted for depositing
// deposit into a pool holding old with the given LP supply. ok is false when
// the deposit does not strictly increase the invariant; callers must then
// leave the pool untouched.
func (s *StableSwap) ComputeLPAmountForDeposit(deposit, old []uint256.Int, totalSupply *uint256.Int, fees Fees) (LPResult, bool) {
	n := len(old)
	if n == 0 || len(deposit) != n {
		return LPResult{}, false
	}

	oldRated := s.toRated(old)
	newAmounts := make([]uint256.Int, n)
	for i := range old {
		newAmounts[i].Add(&old[i], &deposit[i])
	}
	newRated := s.toRated(newAmounts)

	d0, _, ok := s.computeD(oldRated)
	if !ok {
		return LPResult{}, false
	}
	d1, iterations, ok := s.computeD(newRated)
	s.observe("deposit", iterations)
	if !ok || d1.Cmp(d0) <= 0 {
		return LPResult{}, false
	}

	if totalSupply.IsZero() {
		return LPResult{Shares: *d1}, true
	}
	if d0.IsZero() {
		return LPResult{}, false
	}

	charged := s.chargeImbalance(d0, d1, oldRated, newRated, fees)
	d2, _, ok := s.computeD(charged)
	if !ok || d2.Lt(d0) {
		return LPResult{}, false
	}

	mint := fpmath.MulDiv(totalSupply, new(uint256.Int).Sub(d2, d0), d0)
	diff := fpmath.MulDiv(totalSupply, new(uint256.Int).Sub(d1, d0), d0)
	return LPResult{Shares: *mint, FeeShares: *fpmath.SaturatingSub(diff, mint)}, true
}

// ComputeLPAmountForWithdraw returns the LP shares burnt for withdrawing
// withdraw from a pool holding old. ok is false when the withdrawal does not
// strictly decrease the invariant or exceeds a pool balance.
func (s *StableSwap) ComputeLPAmountForWithdraw(withdraw, old []uint256.Int, totalSupply *uint256.Int, fees Fees) (LPResult, bool) {
	n := len(old)
	if n == 0 || len(withdraw) != n {
		return LPResult{}, false
	}

	newAmounts := make([]uint256.Int, n)
	for i := range old {
		if withdraw[i].Gt(&old[i]) {
			return LPResult{}, false
		}
		newAmounts[i].Sub(&old[i], &withdraw[i])
	}
	oldRated := s.toRated(old)
	newRated := s.toRated(newAmounts)

	d0, _, ok := s.computeD(oldRated)
	if !ok || d0.IsZero() {
		return LPResult{}, false
	}
	d1, iterations, ok := s.computeD(newRated)
	s.observe("withdraw", iterations)
	if !ok || d1.Cmp(d0) >= 0 {
		return LPResult{}, false
	}

	charged := s.chargeImbalance(d0, d1, oldRated, newRated, fees)
	d2, _, ok := s.computeD(charged)
	if !ok || d2.Gt(d1) {
		return LPResult{}, false
	}

	burn := fpmath.MulDiv(totalSupply, new(uint256.Int).Sub(d0, d2), d0)
	diff := fpmath.MulDiv(totalSupply, new(uint256.Int).Sub(d0, d1), d0)
	return LPResult{Shares: *burn, FeeShares: *fpmath.SaturatingSub(burn, diff)}, true
}

// chargeImbalance deducts the normalized trade fee on each token's distance
// from its ideal balance D1*old/D0.
func (s *StableSwap) chargeImbalance(d0, d1 *uint256.Int, oldRated, newRated []uint256.Int, fees Fees) []uint256.Int {
	n := len(oldRated)
	out := make([]uint256.Int, n)
	for i := range oldRated {
		ideal := fpmath.MulDiv(d1, &oldRated[i], d0)
		fee := fees.NormalizedTradeFee(n, fpmath.AbsDiff(ideal, &newRated[i]))
		out[i] = *fpmath.SaturatingSub(&newRated[i], fee)
	}
	return out
}

// BalancedWithdraw returns each token's share of a proportional withdrawal
// of shares. An empty supply yields zero amounts.
func BalancedWithdraw(shares *uint256.Int, cAmounts []uint256.Int, totalSupply *uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(cAmounts))
	if totalSupply.IsZero() {
		return out
	}
	for i := range cAmounts {
		out[i] = *fpmath.MulDiv(&cAmounts[i], shares, totalSupply)
	}
	return out
}
