package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ReserveCreated registers a lending reserve. The reserve id is the market id.
type ReserveCreated struct {
	Base
	Reserve      string   `json:"reserve"`
	Owner        string   `json:"owner"`
	Asset        string   `json:"asset"`
	AToken       string   `json:"a_token"`
	DebtToken    string   `json:"debt_token"`
	Decimals     uint8    `json:"decimals"`
	Symbol       string   `json:"symbol,omitempty"`
	RewardTokens []string `json:"reward_tokens,omitempty"`
}

func (e *ReserveCreated) EventType() EventType { return EventTypeReserveCreated }
func (e *ReserveCreated) MarketID() string     { return e.Reserve }

func (e *ReserveCreated) Validate() error {
	if err := validateBase(&e.Base, e.Reserve, e.Owner); err != nil {
		return err
	}
	if e.Asset == "" || e.AToken == "" || e.DebtToken == "" {
		return fmt.Errorf("reserve %s: asset, a_token and debt_token are required", e.Reserve)
	}
	return nil
}

// ReserveFlow is the shared shape of supply, withdraw, borrow and repay:
// an amount of the underlying asset and the ray index the protocol reported
// for the reserve at that point (liquidity index for supply side, variable
// borrow index for debt side).
type ReserveFlow struct {
	Base
	Reserve string      `json:"reserve"`
	Account string      `json:"account"`
	Amount  uint256.Int `json:"amount"`
	Index   uint256.Int `json:"index"`
}

func (e *ReserveFlow) MarketID() string { return e.Reserve }

func (e *ReserveFlow) Validate() error {
	if err := validateBase(&e.Base, e.Reserve, e.Account); err != nil {
		return err
	}
	if e.Index.IsZero() {
		return fmt.Errorf("reserve %s: zero index", e.Reserve)
	}
	return nil
}

// Supplied deposits Amount of the reserve asset for Account.
type Supplied struct{ ReserveFlow }

func (e *Supplied) EventType() EventType { return EventTypeSupplied }

// Withdrawn redeems Amount of the reserve asset for Account.
type Withdrawn struct{ ReserveFlow }

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }

// Borrowed draws Amount of the reserve asset as variable debt.
type Borrowed struct{ ReserveFlow }

func (e *Borrowed) EventType() EventType { return EventTypeBorrowed }

// Repaid pays back Amount of variable debt.
type Repaid struct{ ReserveFlow }

func (e *Repaid) EventType() EventType { return EventTypeRepaid }

// RewardsAccrued sets Account's unclaimed balance of one reward token on the
// reserve. The protocol reports the new accrued total, not a delta.
type RewardsAccrued struct {
	Base
	Reserve     string      `json:"reserve"`
	Account     string      `json:"account"`
	RewardToken string      `json:"reward_token"`
	Accrued     uint256.Int `json:"accrued"`
}

func (e *RewardsAccrued) EventType() EventType { return EventTypeRewardsAccrued }
func (e *RewardsAccrued) MarketID() string     { return e.Reserve }

func (e *RewardsAccrued) Validate() error {
	if err := validateBase(&e.Base, e.Reserve, e.Account); err != nil {
		return err
	}
	if e.RewardToken == "" {
		return fmt.Errorf("reserve %s: reward token is empty", e.Reserve)
	}
	return nil
}
