package ledger

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const tokenBalanceSep = "|"

// TokenBalance is an amount of one token held by one account (or market).
// Its canonical text form is token|account|amount with a decimal amount.
// The token may contain the separator; the account may not (see
// ValidateHolderID).
type TokenBalance struct {
	Token   string
	Account string
	Amount  uint256.Int
}

// NewTokenBalance builds a balance. A nil amount is zero.
func NewTokenBalance(token, account string, amount *uint256.Int) TokenBalance {
	b := TokenBalance{Token: token, Account: account}
	if amount != nil {
		b.Amount.Set(amount)
	}
	return b
}

func (b TokenBalance) String() string {
	return b.Token + tokenBalanceSep + b.Account + tokenBalanceSep + b.Amount.Dec()
}

// ParseTokenBalance reverses String. The amount follows the last separator
// and the account the one before it; the token is everything in front.
func ParseTokenBalance(s string) (TokenBalance, error) {
	rest, amountText, ok := cutLast(s)
	if !ok {
		return TokenBalance{}, fmt.Errorf("token balance %q: want token|account|amount", s)
	}
	token, account, ok := cutLast(rest)
	if !ok {
		return TokenBalance{}, fmt.Errorf("token balance %q: want token|account|amount", s)
	}
	amount, err := uint256.FromDecimal(amountText)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("token balance %q: amount: %w", s, err)
	}
	return TokenBalance{Token: token, Account: account, Amount: *amount}, nil
}

func cutLast(s string) (before, after string, found bool) {
	i := strings.LastIndex(s, tokenBalanceSep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(tokenBalanceSep):], true
}

// ValidateHolderID checks an account or market id, the ids that appear as
// the holder of a TokenBalance.
func ValidateHolderID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id is empty", ErrInvalidID, kind)
	}
	if strings.Contains(id, tokenBalanceSep) {
		return fmt.Errorf("%w: %s id %q contains %q", ErrInvalidID, kind, id, tokenBalanceSep)
	}
	return nil
}

// Add returns the sum when both balances are in the same token. For
// different tokens it returns b unchanged.
func (b TokenBalance) Add(o TokenBalance) TokenBalance {
	if b.Token != o.Token {
		return b
	}
	out := b
	out.Amount.Add(&b.Amount, &o.Amount)
	return out
}

// Sub mirrors Add. The subtraction wraps like all 256-bit arithmetic.
func (b TokenBalance) Sub(o TokenBalance) TokenBalance {
	if b.Token != o.Token {
		return b
	}
	out := b
	out.Amount.Sub(&b.Amount, &o.Amount)
	return out
}

// IsZero reports whether the amount is zero.
func (b TokenBalance) IsZero() bool {
	return b.Amount.IsZero()
}

func (b TokenBalance) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *TokenBalance) UnmarshalText(text []byte) error {
	parsed, err := ParseTokenBalance(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// tokenBalances pairs tokens with amounts for one holder. A nil amounts
// slice yields zero balances.
func tokenBalances(tokens []string, holder string, amounts []uint256.Int) []TokenBalance {
	out := make([]TokenBalance, len(tokens))
	for i, token := range tokens {
		out[i] = TokenBalance{Token: token, Account: holder}
		if amounts != nil {
			out[i].Amount.Set(&amounts[i])
		}
	}
	return out
}
