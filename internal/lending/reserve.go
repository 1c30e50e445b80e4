// Package lending tracks scaled balances of a pooled lending reserve.
// Balances grow with a ray-precision index reported by the protocol:
// balance = scaled * index / 1e27. Only scaled amounts are stored.
package lending

import (
	"errors"
	"fmt"

	fpmath "DeFiLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	EntityKindReserve = "lending_reserve"
	EntityKindAccount = "lending_account"
)

var ErrIndexDecreased = errors.New("reserve index decreased")

// Reserve is the persisted state of one lending reserve.
type Reserve struct {
	ID             string      `json:"id"`
	Owner          string      `json:"owner"`
	Asset          string      `json:"asset"`
	AToken         string      `json:"a_token"`
	DebtToken      string      `json:"debt_token"`
	Decimals       uint8       `json:"decimals"`
	RewardTokens   []string    `json:"reward_tokens,omitempty"`
	ScaledSupply   uint256.Int `json:"scaled_supply"`
	ScaledDebt     uint256.Int `json:"scaled_debt"`
	LiquidityIndex uint256.Int `json:"liquidity_index"`
	BorrowIndex    uint256.Int `json:"borrow_index"`
}

func (r *Reserve) EntityKind() string { return EntityKindReserve }
func (r *Reserve) EntityID() string   { return r.ID }

// NewReserve returns a reserve with both indexes at 1.0.
func NewReserve(id, owner, asset, aToken, debtToken string, decimals uint8, rewardTokens []string) *Reserve {
	r := &Reserve{
		ID:           id,
		Owner:        owner,
		Asset:        asset,
		AToken:       aToken,
		DebtToken:    debtToken,
		Decimals:     decimals,
		RewardTokens: append([]string(nil), rewardTokens...),
	}
	r.LiquidityIndex.Set(&fpmath.Ray.Scale)
	r.BorrowIndex.Set(&fpmath.Ray.Scale)
	return r
}

// Account is one holder's scaled position in a reserve.
type Account struct {
	ID           string        `json:"id"`
	Account      string        `json:"account"`
	Reserve      string        `json:"reserve"`
	ScaledSupply uint256.Int   `json:"scaled_supply"`
	ScaledDebt   uint256.Int   `json:"scaled_debt"`
	Rewards      []uint256.Int `json:"rewards"`
}

func (a *Account) EntityKind() string { return EntityKindAccount }
func (a *Account) EntityID() string   { return a.ID }

func AccountID(account, reserve string) string {
	return account + "-" + reserve
}

// NewAccount returns an empty holder record for r.
func (r *Reserve) NewAccount(account string) *Account {
	return &Account{
		ID:      AccountID(account, r.ID),
		Account: account,
		Reserve: r.ID,
		Rewards: make([]uint256.Int, len(r.RewardTokens)),
	}
}

// SupplyBalance is a's current deposit including accrued interest.
func (r *Reserve) SupplyBalance(a *Account) *uint256.Int {
	return fpmath.RayMul(&a.ScaledSupply, &r.LiquidityIndex)
}

// DebtBalance is a's current variable debt including accrued interest.
func (r *Reserve) DebtBalance(a *Account) *uint256.Int {
	return fpmath.RayMul(&a.ScaledDebt, &r.BorrowIndex)
}

// TotalSupplied is the interest-bearing token supply.
func (r *Reserve) TotalSupplied() *uint256.Int {
	return fpmath.RayMul(&r.ScaledSupply, &r.LiquidityIndex)
}

// TotalDebt is the outstanding variable debt.
func (r *Reserve) TotalDebt() *uint256.Int {
	return fpmath.RayMul(&r.ScaledDebt, &r.BorrowIndex)
}

// AvailableLiquidity is the underlying asset held by the reserve.
func (r *Reserve) AvailableLiquidity() *uint256.Int {
	return fpmath.SaturatingSub(r.TotalSupplied(), r.TotalDebt())
}

// Supply credits amount at the liquidity index and returns the scaled
// amount minted.
func (r *Reserve) Supply(a *Account, amount, index *uint256.Int) (*uint256.Int, error) {
	if err := r.setIndex(&r.LiquidityIndex, index); err != nil {
		return nil, err
	}
	scaled := fpmath.RayDiv(amount, index)
	a.ScaledSupply.Add(&a.ScaledSupply, scaled)
	r.ScaledSupply.Add(&r.ScaledSupply, scaled)
	return scaled, nil
}

// Withdraw debits amount at the liquidity index and returns the scaled
// amount burned and the underlying amount redeemed. Withdrawing the full
// balance or more clears the scaled balance so no dust remains; the
// redeemed amount is then the balance, not amount.
func (r *Reserve) Withdraw(a *Account, amount, index *uint256.Int) (scaled, redeemed *uint256.Int, err error) {
	if err := r.setIndex(&r.LiquidityIndex, index); err != nil {
		return nil, nil, err
	}
	scaled, redeemed = clampBurn(&a.ScaledSupply, amount, index)
	a.ScaledSupply.Sub(&a.ScaledSupply, scaled)
	r.ScaledSupply = *fpmath.SaturatingSub(&r.ScaledSupply, scaled)
	return scaled, redeemed, nil
}

// Borrow adds amount of variable debt at the borrow index.
func (r *Reserve) Borrow(a *Account, amount, index *uint256.Int) (*uint256.Int, error) {
	if err := r.setIndex(&r.BorrowIndex, index); err != nil {
		return nil, err
	}
	scaled := fpmath.RayDiv(amount, index)
	a.ScaledDebt.Add(&a.ScaledDebt, scaled)
	r.ScaledDebt.Add(&r.ScaledDebt, scaled)
	return scaled, nil
}

// Repay removes amount of variable debt, clamping at zero, and returns the
// scaled amount burned and the underlying debt actually repaid.
func (r *Reserve) Repay(a *Account, amount, index *uint256.Int) (scaled, repaid *uint256.Int, err error) {
	if err := r.setIndex(&r.BorrowIndex, index); err != nil {
		return nil, nil, err
	}
	scaled, repaid = clampBurn(&a.ScaledDebt, amount, index)
	a.ScaledDebt.Sub(&a.ScaledDebt, scaled)
	r.ScaledDebt = *fpmath.SaturatingSub(&r.ScaledDebt, scaled)
	return scaled, repaid, nil
}

// clampBurn converts amount to a scaled burn against held. An amount at or
// above the held balance burns all of held.
func clampBurn(held, amount, index *uint256.Int) (scaled, underlying *uint256.Int) {
	scaled = fpmath.RayDiv(amount, index)
	balance := fpmath.RayMul(held, index)
	if amount.Lt(balance) && !scaled.Gt(held) {
		return scaled, new(uint256.Int).Set(amount)
	}
	return new(uint256.Int).Set(held), balance
}

// SetReward records a's accrued total of reward token.
func (r *Reserve) SetReward(a *Account, token string, accrued *uint256.Int) error {
	for i, t := range r.RewardTokens {
		if t == token {
			for len(a.Rewards) < len(r.RewardTokens) {
				a.Rewards = append(a.Rewards, uint256.Int{})
			}
			a.Rewards[i].Set(accrued)
			return nil
		}
	}
	return fmt.Errorf("reserve %s has no reward token %s", r.ID, token)
}

// Indexes only move forward; interest never goes negative.
func (r *Reserve) setIndex(current, next *uint256.Int) error {
	if next.IsZero() {
		return fmt.Errorf("reserve %s: zero index", r.ID)
	}
	if next.Lt(current) {
		return fmt.Errorf("%w: reserve %s from %s to %s", ErrIndexDecreased, r.ID, current.Dec(), next.Dec())
	}
	current.Set(next)
	return nil
}
