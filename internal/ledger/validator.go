package ledger

import (
	"fmt"
)

// InvariantValidator checks the structural invariants of ledger entities
// after every write. A violation aborts the event.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateMarket verifies input balances are index-aligned with input
// tokens and held by the market.
func (v *InvariantValidator) ValidateMarket(m *Market) error {
	if len(m.InputTokenBalances) != len(m.InputTokens) {
		return fmt.Errorf("market %s: %d input balances for %d input tokens",
			m.ID, len(m.InputTokenBalances), len(m.InputTokens))
	}
	for i, b := range m.InputTokenBalances {
		if b.Token != m.InputTokens[i] {
			return fmt.Errorf("market %s: input balance %d is %s, want %s", m.ID, i, b.Token, m.InputTokens[i])
		}
		if b.Account != m.ID {
			return fmt.Errorf("market %s: input balance %d held by %s", m.ID, i, b.Account)
		}
	}
	return nil
}

// ValidatePosition verifies a position after a ledger call: closed exactly
// when the output balance is zero, balances aligned with the market, and
// the history counter advanced past prevHistory.
func (v *InvariantValidator) ValidatePosition(p *Position, m *Market, prevHistory uint64) error {
	if p.Closed != p.OutputTokenBalance.IsZero() {
		return fmt.Errorf("position %s: closed=%v with output balance %s",
			p.ID, p.Closed, p.OutputTokenBalance.Amount.Dec())
	}
	if len(p.InputTokenBalances) != len(m.InputTokens) {
		return fmt.Errorf("position %s: %d input balances for %d market input tokens",
			p.ID, len(p.InputTokenBalances), len(m.InputTokens))
	}
	if len(p.RewardTokenBalances) != len(m.RewardTokens) {
		return fmt.Errorf("position %s: %d reward balances for %d market reward tokens",
			p.ID, len(p.RewardTokenBalances), len(m.RewardTokens))
	}
	if p.HistoryCounter <= prevHistory {
		return fmt.Errorf("position %s: history counter %d did not advance past %d",
			p.ID, p.HistoryCounter, prevHistory)
	}
	return nil
}

// ValidateSlot verifies the slot a ledger call is about to write is open.
func (v *InvariantValidator) ValidateSlot(p *Position, ap *AccountPosition) error {
	if p.Closed {
		return fmt.Errorf("position %s: writing to a closed slot", p.ID)
	}
	if p.Counter != ap.PositionCounter {
		return fmt.Errorf("position %s: slot %d is not the current slot %d", p.ID, p.Counter, ap.PositionCounter)
	}
	return nil
}
