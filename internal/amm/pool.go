package amm

import (
	"errors"
	"fmt"

	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

// PoolKind selects the invariant family.
type PoolKind string

const (
	KindStableSwap PoolKind = "STABLE_SWAP"
	KindRatedSwap  PoolKind = "RATED_SWAP"
)

// Target c-amount decimals per pool family.
const (
	StableTargetDecimals uint8 = 18
	RatedTargetDecimals  uint8 = 24
)

// EntityKindPool is the store kind for persisted pool state.
const EntityKindPool = "pool"

var (
	ErrUnknownToken   = errors.New("token not in pool")
	ErrPoolShape      = errors.New("pool vectors have mismatched lengths")
	ErrPoolEmptyToken = errors.New("pool needs at least two tokens")
)

// Pool is the persisted state of a stable-swap or rated-swap pool. Balances
// are kept as c-amounts at TargetDecimals; native token units only appear at
// the conversion boundary.
type Pool struct {
	ID             string        `json:"id"`
	Kind           PoolKind      `json:"kind"`
	Owner          string        `json:"owner"`
	Tokens         []string      `json:"tokens"`
	Decimals       []uint8       `json:"decimals"`
	TargetDecimals uint8         `json:"target_decimals"`
	CAmounts       []uint256.Int `json:"c_amounts"`
	TotalSupply    uint256.Int   `json:"total_supply"`
	Fees           Fees          `json:"fees"`
	Ramp           AmpRamp       `json:"ramp"`
	Rates          []uint256.Int `json:"rates,omitempty"`
	RateDecimals   uint8         `json:"rate_decimals,omitempty"`

	// Observer is handed to every solver built from this pool.
	Observer IterationObserver `json:"-"`
}

func (p *Pool) EntityKind() string { return EntityKindPool }
func (p *Pool) EntityID() string   { return p.ID }

// NewPool returns an empty pool with zero balances.
func NewPool(id string, kind PoolKind, owner string, tokens []string, decimals []uint8, fees Fees, ramp AmpRamp) *Pool {
	target := StableTargetDecimals
	if kind == KindRatedSwap {
		target = RatedTargetDecimals
	}
	p := &Pool{
		ID:             id,
		Kind:           kind,
		Owner:          owner,
		Tokens:         append([]string(nil), tokens...),
		Decimals:       append([]uint8(nil), decimals...),
		TargetDecimals: target,
		CAmounts:       make([]uint256.Int, len(tokens)),
		Fees:           fees,
		Ramp:           ramp,
	}
	if kind == KindRatedSwap {
		p.Rates = make([]uint256.Int, len(tokens))
		p.RateDecimals = fpmath.RatePrecision.Decimals
	}
	return p
}

// Validate checks the vector-length invariant.
func (p *Pool) Validate() error {
	if len(p.Tokens) < 2 {
		return ErrPoolEmptyToken
	}
	if len(p.CAmounts) != len(p.Tokens) || len(p.Decimals) != len(p.Tokens) {
		return fmt.Errorf("%w: tokens=%d decimals=%d c_amounts=%d",
			ErrPoolShape, len(p.Tokens), len(p.Decimals), len(p.CAmounts))
	}
	if p.Kind == KindRatedSwap && len(p.Rates) != len(p.Tokens) {
		return fmt.Errorf("%w: tokens=%d rates=%d", ErrPoolShape, len(p.Tokens), len(p.Rates))
	}
	return nil
}

// TokenIndex returns the position of token in the pool.
func (p *Pool) TokenIndex(token string) (int, error) {
	for i, t := range p.Tokens {
		if t == token {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s in %s", ErrUnknownToken, token, p.ID)
}

// ToCAmount rescales a native amount of token i to c-amount precision.
func (p *Pool) ToCAmount(i int, amount *uint256.Int) *uint256.Int {
	return fpmath.Rescale(amount, p.Decimals[i], p.TargetDecimals)
}

// FromCAmount rescales a c-amount of token i back to native units.
func (p *Pool) FromCAmount(i int, cAmount *uint256.Int) *uint256.Int {
	return fpmath.Rescale(cAmount, p.TargetDecimals, p.Decimals[i])
}

// ToCAmounts rescales a full native vector.
func (p *Pool) ToCAmounts(amounts []uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(amounts))
	for i := range amounts {
		out[i] = *p.ToCAmount(i, &amounts[i])
	}
	return out
}

// FromCAmounts rescales a full c-amount vector to native units.
func (p *Pool) FromCAmounts(cAmounts []uint256.Int) []uint256.Int {
	out := make([]uint256.Int, len(cAmounts))
	for i := range cAmounts {
		out[i] = *p.FromCAmount(i, &cAmounts[i])
	}
	return out
}

// NativeBalances returns the pool reserves in native token units.
func (p *Pool) NativeBalances() []uint256.Int {
	return p.FromCAmounts(p.CAmounts)
}

// Solver returns the invariant solver for this pool at now.
func (p *Pool) Solver(now int64) *StableSwap {
	var s *StableSwap
	if p.Kind == KindRatedSwap {
		s = NewRatedSwap(p.Ramp, now, p.Rates, fpmath.NewPrecision(p.RateDecimals))
	} else {
		s = NewStableSwap(p.Ramp, now)
	}
	s.Observer = p.Observer
	return s
}

// ShareValue returns the c-amounts redeemable for shares. An empty supply
// yields zeros.
func (p *Pool) ShareValue(shares *uint256.Int) []uint256.Int {
	return BalancedWithdraw(shares, p.CAmounts, &p.TotalSupply)
}

// NativeShareValue is ShareValue in native token units.
func (p *Pool) NativeShareValue(shares *uint256.Int) []uint256.Int {
	return p.FromCAmounts(p.ShareValue(shares))
}

// Mint increases the LP supply.
func (p *Pool) Mint(shares *uint256.Int) {
	p.TotalSupply.Add(&p.TotalSupply, shares)
}

// Burn decreases the LP supply, flooring at zero.
func (p *Pool) Burn(shares *uint256.Int) {
	p.TotalSupply = *fpmath.SaturatingSub(&p.TotalSupply, shares)
}

// SetRate records the exchange rate of token i for rated pools.
func (p *Pool) SetRate(i int, rate *uint256.Int) error {
	if p.Kind != KindRatedSwap {
		return fmt.Errorf("pool %s is not rated", p.ID)
	}
	if i < 0 || i >= len(p.Rates) {
		return fmt.Errorf("rate index %d out of range for %s", i, p.ID)
	}
	p.Rates[i] = *rate
	return nil
}

// Clone returns a deep copy, used to try an operation without committing
// to it.
func (p *Pool) Clone() *Pool {
	c := *p
	c.Tokens = append([]string(nil), p.Tokens...)
	c.Decimals = append([]uint8(nil), p.Decimals...)
	c.CAmounts = append([]uint256.Int(nil), p.CAmounts...)
	if p.Rates != nil {
		c.Rates = append([]uint256.Int(nil), p.Rates...)
	}
	return &c
}
