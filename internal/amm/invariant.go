package amm

import (
	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// MaxIterations bounds every Newton loop in the solver.
const MaxIterations = 256

// IterationObserver receives the number of Newton steps an operation took.
type IterationObserver func(op string, iterations int)

// StableSwap solves the stable-swap invariant for one pool at one point in
// time. A rated solver rate-adjusts c-amounts before any invariant math.
// All methods are pure: they never mutate their arguments and never panic on
// pool data. Absent results are reported with ok=false.
type StableSwap struct {
	Ramp AmpRamp
	Now  int64

	rates         []uint256.Int
	ratePrecision fpmath.Precision

	// Observer is optional.
	Observer IterationObserver
}

// NewStableSwap returns a solver for a plain stable-swap pool.
func NewStableSwap(ramp AmpRamp, now int64) *StableSwap {
	return &StableSwap{Ramp: ramp, Now: now}
}

// NewRatedSwap returns a solver whose token amounts are multiplied by
// per-token rates before the invariant is evaluated. A zero rate means no
// rate is on record and defaults to 1.0.
func NewRatedSwap(ramp AmpRamp, now int64, rates []uint256.Int, precision fpmath.Precision) *StableSwap {
	rs := make([]uint256.Int, len(rates))
	for i := range rates {
		if rates[i].IsZero() {
			rs[i] = *precision.One()
		} else {
			rs[i] = rates[i]
		}
	}
	return &StableSwap{Ramp: ramp, Now: now, rates: rs, ratePrecision: precision}
}

// Rated reports whether amounts are rate-adjusted.
func (s *StableSwap) Rated() bool {
	return s.rates != nil
}

// ComputeAmpFactor returns the amplification factor at the solver's time.
func (s *StableSwap) ComputeAmpFactor() uint64 {
	return s.Ramp.ComputeAmpFactor(s.Now)
}

func (s *StableSwap) rate(i int) *uint256.Int {
	if i < len(s.rates) {
		return &s.rates[i]
	}
	return s.ratePrecision.One()
}

func (s *StableSwap) toRated(amounts []uint256.Int) []uint256.Int {
	if !s.Rated() {
		return amounts
	}
	out := make([]uint256.Int, len(amounts))
	for i := range amounts {
		out[i] = *fpmath.MulRate(&amounts[i], s.rate(i), s.ratePrecision)
	}
	return out
}

func (s *StableSwap) fromRated(i int, amount *uint256.Int) *uint256.Int {
	if !s.Rated() {
		return new(uint256.Int).Set(amount)
	}
	return fpmath.DivRate(amount, s.rate(i), s.ratePrecision)
}

func (s *StableSwap) observe(op string, iterations int) {
	if s.Observer != nil {
		s.Observer(op, iterations)
	}
}

// ann returns A*n^n.
func (s *StableSwap) ann(n int) *uint256.Int {
	a := uint256.NewInt(s.ComputeAmpFactor())
	nn := new(uint256.Int).Exp(uint256.NewInt(uint64(n)), uint256.NewInt(uint64(n)))
	return a.Mul(a, nn)
}

// ComputeD returns the invariant for c-amounts. The result is zero for an
// empty pool; ok is false when some balance is zero while others are not.
func (s *StableSwap) ComputeD(cAmounts []uint256.Int) (*uint256.Int, bool) {
	d, iterations, ok := s.computeD(s.toRated(cAmounts))
	s.observe("compute_d", iterations)
	return d, ok
}

// computeD runs Newton's method on already rate-adjusted amounts:
//
//	D' = (Ann*S + Dp*n) * D / ((Ann-1)*D + (n+1)*Dp),  Dp = D^(n+1) / (n^n * prod(x))
func (s *StableSwap) computeD(amounts []uint256.Int) (*uint256.Int, int, bool) {
	n := len(amounts)
	sum := fpmath.Sum(amounts)
	if sum.IsZero() {
		return new(uint256.Int), 0, true
	}
	for i := range amounts {
		if amounts[i].IsZero() {
			return new(uint256.Int), 0, false
		}
	}

	nBig := uint256.NewInt(uint64(n))
	nPlusOne := uint256.NewInt(uint64(n + 1))
	one := uint256.NewInt(1)
	ann := s.ann(n)
	if ann.IsZero() {
		return new(uint256.Int), 0, false
	}
	annMinusOne := new(uint256.Int).Sub(ann, one)
	leverage := new(uint256.Int).Mul(sum, ann)

	d := new(uint256.Int).Set(sum)
	iterations := 0
	for iterations < MaxIterations {
		iterations++

		dProd := new(uint256.Int).Set(d)
		for i := range amounts {
			dProd = fpmath.MulDiv(dProd, d, new(uint256.Int).Mul(&amounts[i], nBig))
		}

		prev := d
		numerator := new(uint256.Int).Mul(dProd, nBig)
		numerator.Add(numerator, leverage)
		denominator := new(uint256.Int).Mul(annMinusOne, prev)
		denominator.Add(denominator, new(uint256.Int).Mul(nPlusOne, dProd))
		if denominator.IsZero() {
			return prev, iterations, false
		}
		d = fpmath.MulDiv(prev, numerator, denominator)

		if fpmath.AbsDiff(d, prev).Cmp(one) <= 0 {
			break
		}
	}
	return d, iterations, true
}

// ComputeY returns the balance of indexY that keeps D constant when the
// balance of indexX becomes x. All other balances are held fixed. Inputs and
// the result are c-amounts; rated pools convert internally.
func (s *StableSwap) ComputeY(x *uint256.Int, current []uint256.Int, indexX, indexY int) (*uint256.Int, bool) {
	if !validPair(len(current), indexX, indexY) {
		return new(uint256.Int), false
	}
	rated := s.toRated(current)
	xRated := x
	if s.Rated() {
		xRated = fpmath.MulRate(x, s.rate(indexX), s.ratePrecision)
	}
	y, ok := s.computeY(xRated, rated, indexX, indexY)
	if !ok {
		return y, false
	}
	return s.fromRated(indexY, y), true
}

func validPair(n, indexX, indexY int) bool {
	return n >= 2 && indexX != indexY && indexX >= 0 && indexY >= 0 && indexX < n && indexY < n
}

// computeY solves y^2 + (b-D)*y = c by Newton's method on rate-adjusted
// amounts.
func (s *StableSwap) computeY(x *uint256.Int, current []uint256.Int, indexX, indexY int) (*uint256.Int, bool) {
	n := len(current)
	d, _, ok := s.computeD(current)
	if !ok || d.IsZero() || x.IsZero() {
		return new(uint256.Int), false
	}

	nBig := uint256.NewInt(uint64(n))
	ann := s.ann(n)

	c := new(uint256.Int).Set(d)
	sum := new(uint256.Int)
	for i := 0; i < n; i++ {
		var xi *uint256.Int
		switch {
		case i == indexX:
			xi = x
		case i != indexY:
			xi = &current[i]
		default:
			continue
		}
		if xi.IsZero() {
			return new(uint256.Int), false
		}
		sum.Add(sum, xi)
		c = fpmath.MulDiv(c, d, new(uint256.Int).Mul(xi, nBig))
	}
	c = fpmath.MulDiv(c, d, new(uint256.Int).Mul(ann, nBig))
	b := new(uint256.Int).Add(sum, fpmath.Div(d, ann))

	one := uint256.NewInt(1)
	two := uint256.NewInt(2)
	y := new(uint256.Int).Set(d)
	iterations := 0
	for iterations < MaxIterations {
		iterations++
		prev := y

		numerator := new(uint256.Int).Mul(prev, prev)
		numerator.Add(numerator, c)
		denominator := new(uint256.Int).Mul(prev, two)
		denominator.Add(denominator, b)
		denominator.Sub(denominator, d)
		if denominator.IsZero() {
			s.observe("compute_y", iterations)
			return prev, false
		}
		y = new(uint256.Int).Div(numerator, denominator)

		if fpmath.AbsDiff(y, prev).Cmp(one) <= 0 {
			break
		}
	}
	s.observe("compute_y", iterations)
	return y, true
}
