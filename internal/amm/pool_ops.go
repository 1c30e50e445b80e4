package amm

import (
	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// Each operation below mutates the pool only when it returns ok=true.

// AddLiquidity deposits native amounts and mints the provider's shares.
// The returned FeeShares is the imbalance fee expressed in shares; the caller
// mints the admin cut of it with MintAdminShares.
func (p *Pool) AddLiquidity(now int64, amounts []uint256.Int) (LPResult, bool) {
	if len(amounts) != len(p.Tokens) {
		return LPResult{}, false
	}
	deposit := p.ToCAmounts(amounts)
	res, ok := p.Solver(now).ComputeLPAmountForDeposit(deposit, p.CAmounts, &p.TotalSupply, p.Fees)
	if !ok || res.Shares.IsZero() {
		return LPResult{}, false
	}
	for i := range p.CAmounts {
		p.CAmounts[i].Add(&p.CAmounts[i], &deposit[i])
	}
	p.Mint(&res.Shares)
	return res, true
}

// RemoveLiquidity burns shares for a proportional slice of every reserve and
// returns the native amounts paid out. No fee is charged.
func (p *Pool) RemoveLiquidity(shares *uint256.Int) ([]uint256.Int, bool) {
	if shares.IsZero() || p.TotalSupply.IsZero() || shares.Gt(&p.TotalSupply) {
		return nil, false
	}
	out := p.ShareValue(shares)
	for i := range p.CAmounts {
		p.CAmounts[i] = *fpmath.SaturatingSub(&p.CAmounts[i], &out[i])
	}
	p.Burn(shares)
	return p.FromCAmounts(out), true
}

// RemoveLiquidityImbalance withdraws exact native amounts and burns the
// required shares, fee included.
func (p *Pool) RemoveLiquidityImbalance(now int64, amounts []uint256.Int) (LPResult, bool) {
	if len(amounts) != len(p.Tokens) {
		return LPResult{}, false
	}
	withdraw := p.ToCAmounts(amounts)
	res, ok := p.Solver(now).ComputeLPAmountForWithdraw(withdraw, p.CAmounts, &p.TotalSupply, p.Fees)
	if !ok || res.Shares.Gt(&p.TotalSupply) {
		return LPResult{}, false
	}
	for i := range p.CAmounts {
		p.CAmounts[i].Sub(&p.CAmounts[i], &withdraw[i])
	}
	p.Burn(&res.Shares)
	return res, true
}

// MintAdminShares mints the admin cut of fee shares produced by a liquidity
// change and returns it.
func (p *Pool) MintAdminShares(feeShares *uint256.Int) *uint256.Int {
	admin := p.Fees.ComputeAdminFee(feeShares)
	if !admin.IsZero() {
		p.Mint(admin)
	}
	return admin
}

// Swap exchanges a native amountIn of token in for token out. It returns the
// c-amount breakdown, the native amount received by the trader, and the LP
// shares minted from the admin fee.
func (p *Pool) Swap(now int64, in int, amountIn *uint256.Int, out int) (SwapResult, *uint256.Int, *uint256.Int, bool) {
	if in < 0 || out < 0 || in >= len(p.Tokens) || out >= len(p.Tokens) {
		return SwapResult{}, nil, nil, false
	}
	cIn := p.ToCAmount(in, amountIn)
	res, ok := p.Solver(now).SwapTo(in, cIn, out, p.CAmounts, p.Fees)
	if !ok {
		return SwapResult{}, nil, nil, false
	}
	p.CAmounts[in] = res.NewSourceAmount
	p.CAmounts[out] = res.NewDestinationAmount

	adminShares := p.convertAdminFee(now, out, &res.AdminFee)
	return res, p.FromCAmount(out, &res.AmountSwapped), adminShares, true
}

// convertAdminFee returns the admin fee held back by a swap to the reserve as
// a fee-less deposit and mints the matching shares.
func (p *Pool) convertAdminFee(now int64, out int, adminFee *uint256.Int) *uint256.Int {
	shares := new(uint256.Int)
	if adminFee.IsZero() {
		return shares
	}
	deposit := make([]uint256.Int, len(p.CAmounts))
	deposit[out] = *adminFee
	if res, ok := p.Solver(now).ComputeLPAmountForDeposit(deposit, p.CAmounts, &p.TotalSupply, NoFees()); ok && !p.TotalSupply.IsZero() {
		shares.Set(&res.Shares)
	}
	p.CAmounts[out].Add(&p.CAmounts[out], adminFee)
	if !shares.IsZero() {
		p.Mint(shares)
	}
	return shares
}
