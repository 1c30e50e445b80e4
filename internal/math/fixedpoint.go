package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Precision is a fixed-point scale (10^Decimals). Values are passed to the
// solver and interest math explicitly so pools with different precisions can
// coexist.
type Precision struct {
	Decimals uint8
	Scale    uint256.Int
}

var (
	// Wad is the 18-decimal scale used for stable-swap c-amounts.
	Wad = NewPrecision(18)
	// RatePrecision is the 24-decimal scale used for rated-swap rates.
	RatePrecision = NewPrecision(24)
	// Ray is the 27-decimal scale used for lending indexes.
	Ray = NewPrecision(27)
)

// NewPrecision returns the precision for 10^decimals.
func NewPrecision(decimals uint8) Precision {
	return Precision{Decimals: decimals, Scale: *Pow10(decimals)}
}

// One returns the scale as a fresh value (1.0 in this precision).
func (p Precision) One() *uint256.Int {
	return new(uint256.Int).Set(&p.Scale)
}

// Pow10 returns 10^n. Wraps for n > 77.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// MulDiv returns a*b/d with a 512-bit intermediate, truncated to 256 bits.
// Panics when d is zero; callers guard empty pools and zero supplies.
func MulDiv(a, b, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		panic(fmt.Sprintf("FATAL: division by zero in MulDiv(%s, %s, 0)", a.Dec(), b.Dec()))
	}
	z, _ := new(uint256.Int).MulDivOverflow(a, b, d)
	return z
}

// Div returns a/b, truncating. Panics when b is zero.
func Div(a, b *uint256.Int) *uint256.Int {
	if b.IsZero() {
		panic(fmt.Sprintf("FATAL: division by zero in Div(%s, 0)", a.Dec()))
	}
	return new(uint256.Int).Div(a, b)
}

// MulRate returns amount*rate/precision.
func MulRate(amount, rate *uint256.Int, p Precision) *uint256.Int {
	return MulDiv(amount, rate, &p.Scale)
}

// DivRate returns amount*precision/rate. Panics when rate is zero.
func DivRate(amount, rate *uint256.Int, p Precision) *uint256.Int {
	return MulDiv(amount, &p.Scale, rate)
}

// RayMul returns a*b/1e27, floored.
func RayMul(a, b *uint256.Int) *uint256.Int {
	return MulRate(a, b, Ray)
}

// RayDiv returns a*1e27/b, floored. Panics when b is zero.
func RayDiv(a, b *uint256.Int) *uint256.Int {
	return DivRate(a, b, Ray)
}

// Rescale converts an amount between decimal precisions. Scaling down truncates.
func Rescale(amount *uint256.Int, from, to uint8) *uint256.Int {
	switch {
	case from == to:
		return new(uint256.Int).Set(amount)
	case from < to:
		return new(uint256.Int).Mul(amount, Pow10(to-from))
	default:
		return new(uint256.Int).Div(amount, Pow10(from-to))
	}
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}

// SaturatingSub returns a-b, or zero when b > a.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Sum adds all values with wrapping semantics.
func Sum(values []uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for i := range values {
		total.Add(total, &values[i])
	}
	return total
}

// Clone copies a slice of amounts.
func Clone(values []uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(values))
	copy(out, values)
	return out
}
