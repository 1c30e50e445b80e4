package math

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FormatUnits renders a raw amount as a decimal with the token's decimals,
// e.g. 1500000 with 6 decimals is 1.5.
func FormatUnits(amount *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}
