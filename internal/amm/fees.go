package amm

import (
	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// DefaultFeeDenominator expresses fees in basis points.
const DefaultFeeDenominator = 10_000

// Fees holds a pool's fee parameters. TradeFee is taken from the gross swap
// output, AdminFee is a cut of the trade fee, and ReferralFee is the part of
// the admin fee routed to a referral.
type Fees struct {
	TradeFee    uint32 `json:"trade_fee" yaml:"trade_fee"`
	AdminFee    uint32 `json:"admin_fee" yaml:"admin_fee"`
	ReferralFee uint32 `json:"referral_fee" yaml:"referral_fee"`
	Denominator uint32 `json:"denominator" yaml:"denominator"`
}

// NewFees returns fees over the basis-point denominator.
func NewFees(tradeFee, adminFee, referralFee uint32) Fees {
	return Fees{
		TradeFee:    tradeFee,
		AdminFee:    adminFee,
		ReferralFee: referralFee,
		Denominator: DefaultFeeDenominator,
	}
}

// NoFees is used when converting admin fees into LP shares.
func NoFees() Fees {
	return NewFees(0, 0, 0)
}

func (f Fees) denominator() *uint256.Int {
	if f.Denominator == 0 {
		return uint256.NewInt(DefaultFeeDenominator)
	}
	return uint256.NewInt(uint64(f.Denominator))
}

// ComputeTradeFee returns amount*tradeFee/denom.
func (f Fees) ComputeTradeFee(amount *uint256.Int) *uint256.Int {
	return fpmath.MulDiv(amount, uint256.NewInt(uint64(f.TradeFee)), f.denominator())
}

// ComputeAdminFee returns amount*adminFee/denom. The amount is the trade fee,
// not the gross swap output.
func (f Fees) ComputeAdminFee(amount *uint256.Int) *uint256.Int {
	return fpmath.MulDiv(amount, uint256.NewInt(uint64(f.AdminFee)), f.denominator())
}

// NormalizedTradeFee returns the imbalance fee for one token of an n-coin
// pool: amount*tradeFee*n / (denom*4*(n-1)), rounded down once.
func (f Fees) NormalizedTradeFee(nCoins int, amount *uint256.Int) *uint256.Int {
	if nCoins < 2 {
		return new(uint256.Int)
	}
	n := uint64(nCoins)
	num := uint256.NewInt(uint64(f.TradeFee) * n)
	den := new(uint256.Int).Mul(f.denominator(), uint256.NewInt(4*(n-1)))
	return fpmath.MulDiv(amount, num, den)
}

// SplitAdminFee divides an admin fee amount between a referral and the pool
// owner in the ratio referralFee : adminFee-referralFee. The referral cut is
// zero unless the referral is eligible and an admin fee is configured.
func (f Fees) SplitAdminFee(amount *uint256.Int, referralEligible bool) (referral, owner *uint256.Int) {
	referral = new(uint256.Int)
	if referralEligible && f.AdminFee > 0 && f.ReferralFee > 0 {
		referral = fpmath.MulDiv(amount, uint256.NewInt(uint64(f.ReferralFee)), uint256.NewInt(uint64(f.AdminFee)))
		if referral.Gt(amount) {
			referral.Set(amount)
		}
	}
	owner = new(uint256.Int).Sub(amount, referral)
	return referral, owner
}
