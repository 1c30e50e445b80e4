package amm

import (
	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// SwapResult holds the pool balances after a swap and how the gross output
// was divided. AmountSwapped reaches the trader; AdminFee leaves the reserve
// and is converted to LP shares by the caller; the rest of Fee stays with LPs.
type SwapResult struct {
	NewSourceAmount      uint256.Int
	NewDestinationAmount uint256.Int
	AmountSwapped        uint256.Int
	AdminFee             uint256.Int
	Fee                  uint256.Int
}

// SwapTo prices swapping amountIn of token in for token out against current
// c-amounts. ok is false for an invalid pair, an empty input or a pool that
// cannot produce any output.
func (s *StableSwap) SwapTo(in int, amountIn *uint256.Int, out int, current []uint256.Int, fees Fees) (SwapResult, bool) {
	if !validPair(len(current), in, out) || amountIn.IsZero() {
		return SwapResult{}, false
	}

	newSource := new(uint256.Int).Add(&current[in], amountIn)
	rated := s.toRated(current)

	var xRated *uint256.Int
	if s.Rated() {
		xRated = fpmath.MulRate(newSource, s.rate(in), s.ratePrecision)
	} else {
		xRated = newSource
	}

	y, ok := s.computeY(xRated, rated, in, out)
	if !ok || !y.Lt(&rated[out]) {
		return SwapResult{}, false
	}
	dy := s.fromRated(out, new(uint256.Int).Sub(&rated[out], y))
	if dy.Gt(&current[out]) {
		dy.Set(&current[out])
	}

	tradeFee := fees.ComputeTradeFee(dy)
	adminFee := fees.ComputeAdminFee(tradeFee)
	swapped := new(uint256.Int).Sub(dy, tradeFee)

	newDestination := new(uint256.Int).Sub(&current[out], swapped)
	newDestination.Sub(newDestination, adminFee)

	return SwapResult{
		NewSourceAmount:      *newSource,
		NewDestinationAmount: *newDestination,
		AmountSwapped:        *swapped,
		AdminFee:             *adminFee,
		Fee:                  *tradeFee,
	}, true
}
