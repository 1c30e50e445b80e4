package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PoolCreated registers a stable-swap or rated-swap pool.
// Idempotency key: tx_hash-log_index.
type PoolCreated struct {
	Base
	Pool        string        `json:"pool"`
	Kind        string        `json:"kind"` // STABLE_SWAP or RATED_SWAP
	Owner       string        `json:"owner"`
	Tokens      []string      `json:"tokens"`
	Decimals    []uint8       `json:"decimals"`
	Symbols     []string      `json:"symbols,omitempty"`
	TradeFee    uint32        `json:"trade_fee"`
	AdminFee    uint32        `json:"admin_fee"`
	ReferralFee uint32        `json:"referral_fee"`
	AmpFactor   uint64        `json:"amp_factor"`
	Rates       []uint256.Int `json:"rates,omitempty"`
}

func (e *PoolCreated) EventType() EventType { return EventTypePoolCreated }
func (e *PoolCreated) MarketID() string     { return e.Pool }

func (e *PoolCreated) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Owner); err != nil {
		return err
	}
	if len(e.Tokens) < 2 {
		return fmt.Errorf("pool %s: need at least 2 tokens, got %d", e.Pool, len(e.Tokens))
	}
	if len(e.Decimals) != len(e.Tokens) {
		return fmt.Errorf("pool %s: %d decimals for %d tokens", e.Pool, len(e.Decimals), len(e.Tokens))
	}
	if e.Rates != nil && len(e.Rates) != len(e.Tokens) {
		return fmt.Errorf("pool %s: %d rates for %d tokens", e.Pool, len(e.Rates), len(e.Tokens))
	}
	if e.AmpFactor == 0 {
		return fmt.Errorf("pool %s: amp factor is zero", e.Pool)
	}
	return nil
}

// LiquidityAdded deposits native token amounts (one per pool token).
type LiquidityAdded struct {
	Base
	Pool     string        `json:"pool"`
	Account  string        `json:"account"`
	Amounts  []uint256.Int `json:"amounts"`
	Referral string        `json:"referral,omitempty"`
}

func (e *LiquidityAdded) EventType() EventType { return EventTypeLiquidityAdded }
func (e *LiquidityAdded) MarketID() string     { return e.Pool }

func (e *LiquidityAdded) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Account); err != nil {
		return err
	}
	if len(e.Amounts) == 0 {
		return fmt.Errorf("pool %s: no deposit amounts", e.Pool)
	}
	return nil
}

// LiquidityRemoved burns LP shares for a balanced withdrawal.
type LiquidityRemoved struct {
	Base
	Pool    string      `json:"pool"`
	Account string      `json:"account"`
	Shares  uint256.Int `json:"shares"`
}

func (e *LiquidityRemoved) EventType() EventType { return EventTypeLiquidityRemoved }
func (e *LiquidityRemoved) MarketID() string     { return e.Pool }

func (e *LiquidityRemoved) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Account); err != nil {
		return err
	}
	if e.Shares.IsZero() {
		return fmt.Errorf("pool %s: zero shares", e.Pool)
	}
	return nil
}

// LiquidityRemovedImbalance withdraws exact native amounts, burning at most
// MaxBurnShares. A zero MaxBurnShares means no limit.
type LiquidityRemovedImbalance struct {
	Base
	Pool          string        `json:"pool"`
	Account       string        `json:"account"`
	Amounts       []uint256.Int `json:"amounts"`
	MaxBurnShares uint256.Int   `json:"max_burn_shares"`
}

func (e *LiquidityRemovedImbalance) EventType() EventType { return EventTypeLiquidityRemovedImbalance }
func (e *LiquidityRemovedImbalance) MarketID() string     { return e.Pool }

func (e *LiquidityRemovedImbalance) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Account); err != nil {
		return err
	}
	if len(e.Amounts) == 0 {
		return fmt.Errorf("pool %s: no withdraw amounts", e.Pool)
	}
	return nil
}

// TokenSwapped trades AmountIn of TokenIn for TokenOut.
type TokenSwapped struct {
	Base
	Pool         string      `json:"pool"`
	Account      string      `json:"account"`
	TokenIn      string      `json:"token_in"`
	TokenOut     string      `json:"token_out"`
	AmountIn     uint256.Int `json:"amount_in"`
	MinAmountOut uint256.Int `json:"min_amount_out"`
	Referral     string      `json:"referral,omitempty"`
}

func (e *TokenSwapped) EventType() EventType { return EventTypeTokenSwapped }
func (e *TokenSwapped) MarketID() string     { return e.Pool }

func (e *TokenSwapped) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Account); err != nil {
		return err
	}
	if e.TokenIn == "" || e.TokenOut == "" || e.TokenIn == e.TokenOut {
		return fmt.Errorf("pool %s: invalid token pair %q -> %q", e.Pool, e.TokenIn, e.TokenOut)
	}
	if e.AmountIn.IsZero() {
		return fmt.Errorf("pool %s: zero amount in", e.Pool)
	}
	return nil
}

// SharesTransferred moves LP shares between accounts.
type SharesTransferred struct {
	Base
	Pool      string      `json:"pool"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Amount    uint256.Int `json:"amount"`
}

func (e *SharesTransferred) EventType() EventType { return EventTypeSharesTransferred }
func (e *SharesTransferred) MarketID() string     { return e.Pool }

func (e *SharesTransferred) Validate() error {
	if err := validateBase(&e.Base, e.Pool, e.Sender, e.Recipient); err != nil {
		return err
	}
	if e.Sender == e.Recipient {
		return fmt.Errorf("pool %s: self transfer by %s", e.Pool, e.Sender)
	}
	return nil
}

// RatesUpdated sets exchange rates of a rated-swap pool, one per token.
type RatesUpdated struct {
	Base
	Pool   string        `json:"pool"`
	Tokens []string      `json:"tokens"`
	Rates  []uint256.Int `json:"rates"`
}

func (e *RatesUpdated) EventType() EventType { return EventTypeRatesUpdated }
func (e *RatesUpdated) MarketID() string     { return e.Pool }

func (e *RatesUpdated) Validate() error {
	if err := validateBase(&e.Base, e.Pool); err != nil {
		return err
	}
	if len(e.Tokens) == 0 || len(e.Tokens) != len(e.Rates) {
		return fmt.Errorf("pool %s: %d rates for %d tokens", e.Pool, len(e.Rates), len(e.Tokens))
	}
	return nil
}

// RampAmpFactor starts a linear ramp of the amplification factor from the
// current value to TargetAmpFactor, ending at StopTime.
type RampAmpFactor struct {
	Base
	Pool            string `json:"pool"`
	TargetAmpFactor uint64 `json:"target_amp_factor"`
	StopTime        int64  `json:"stop_time"`
}

func (e *RampAmpFactor) EventType() EventType { return EventTypeRampAmpFactor }
func (e *RampAmpFactor) MarketID() string     { return e.Pool }

func (e *RampAmpFactor) Validate() error {
	if err := validateBase(&e.Base, e.Pool); err != nil {
		return err
	}
	if e.TargetAmpFactor == 0 {
		return fmt.Errorf("pool %s: zero target amp factor", e.Pool)
	}
	if e.StopTime < e.BlockTime {
		return fmt.Errorf("pool %s: ramp stop %d before block time %d", e.Pool, e.StopTime, e.BlockTime)
	}
	return nil
}
