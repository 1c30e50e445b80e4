package core

import (
	"context"
	"fmt"

	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/lending"
	fpmath "DeFiLedger/internal/math"
	"DeFiLedger/internal/persistence"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	ProtocolLending     = "lending"
	ProtocolTypeLending = "LENDING"
)

// LendingHandler applies lending reserve events. The market id is the
// reserve id; supply positions are denominated in the aToken and debt
// positions in the debt token.
type LendingHandler struct {
	logger zerolog.Logger
}

func NewLendingHandler(logger zerolog.Logger) *LendingHandler {
	return &LendingHandler{logger: logger}
}

func (h *LendingHandler) EventTypes() []event.EventType {
	return []event.EventType{
		event.EventTypeReserveCreated,
		event.EventTypeSupplied,
		event.EventTypeWithdrawn,
		event.EventTypeBorrowed,
		event.EventTypeRepaid,
		event.EventTypeRewardsAccrued,
	}
}

func (h *LendingHandler) Handle(ctx context.Context, l *ledger.Ledger, evt event.Event) error {
	switch e := evt.(type) {
	case *event.ReserveCreated:
		return h.handleReserveCreated(ctx, l, e)
	case *event.Supplied:
		return h.handleFlow(ctx, l, e.EventType(), &e.ReserveFlow)
	case *event.Withdrawn:
		return h.handleFlow(ctx, l, e.EventType(), &e.ReserveFlow)
	case *event.Borrowed:
		return h.handleFlow(ctx, l, e.EventType(), &e.ReserveFlow)
	case *event.Repaid:
		return h.handleFlow(ctx, l, e.EventType(), &e.ReserveFlow)
	case *event.RewardsAccrued:
		return h.handleRewardsAccrued(ctx, l, e)
	default:
		return fmt.Errorf("lending handler: unsupported event %T", evt)
	}
}

func (h *LendingHandler) handleReserveCreated(ctx context.Context, l *ledger.Ledger, e *event.ReserveCreated) error {
	_, created, err := persistence.GetOrCreate(ctx, l.Store(), e.Reserve, func() *lending.Reserve {
		return lending.NewReserve(e.Reserve, e.Owner, e.Asset, e.AToken, e.DebtToken, e.Decimals, e.RewardTokens)
	})
	if err != nil {
		return err
	}
	if !created {
		h.logger.Warn().Str("reserve", e.Reserve).Msg("reserve already exists, creation ignored")
		return nil
	}

	tokens := []ledger.Token{
		{ID: e.Asset, Decimals: e.Decimals, Symbol: e.Symbol},
		{ID: e.AToken, Decimals: e.Decimals},
		{ID: e.DebtToken, Decimals: e.Decimals},
	}
	for _, rt := range e.RewardTokens {
		tokens = append(tokens, ledger.Token{ID: rt})
	}
	for _, t := range tokens {
		if _, err := l.GetOrCreateToken(ctx, t); err != nil {
			return err
		}
	}

	_, _, err = l.GetOrCreateMarket(ctx, e.CausalContext(), ledger.Market{
		ID:           e.Reserve,
		Owner:        e.Owner,
		Protocol:     ProtocolLending,
		ProtocolType: ProtocolTypeLending,
		InputTokens:  []string{e.Asset},
		OutputToken:  e.AToken,
		DebtToken:    e.DebtToken,
		RewardTokens: e.RewardTokens,
	})
	return err
}

func (h *LendingHandler) handleFlow(ctx context.Context, l *ledger.Ledger, typ event.EventType, e *event.ReserveFlow) error {
	r, m, acct, err := h.load(ctx, l, e.Reserve, e.Account)
	if err != nil {
		return err
	}

	// amount is what actually moved; withdrawals and repayments beyond the
	// balance are clamped to it.
	amount := &e.Amount
	switch typ {
	case event.EventTypeSupplied:
		_, err = r.Supply(acct, &e.Amount, &e.Index)
	case event.EventTypeWithdrawn:
		_, amount, err = r.Withdraw(acct, &e.Amount, &e.Index)
	case event.EventTypeBorrowed:
		_, err = r.Borrow(acct, &e.Amount, &e.Index)
	case event.EventTypeRepaid:
		_, amount, err = r.Repay(acct, &e.Amount, &e.Index)
	}
	if err != nil {
		return err
	}
	if !amount.Eq(&e.Amount) {
		h.logger.Warn().
			Str("reserve", e.Reserve).
			Str("account", e.Account).
			Str("requested", e.Amount.Dec()).
			Str("applied", amount.Dec()).
			Msg("flow clamped to balance")
	}
	if err := h.save(ctx, l, r, acct); err != nil {
		return err
	}

	c := e.CausalContext()
	if _, err := l.UpdateMarket(ctx, c, m, []uint256.Int{*r.AvailableLiquidity()}, r.TotalSupplied()); err != nil {
		return err
	}

	amounts := []uint256.Int{*amount}
	switch typ {
	case event.EventTypeSupplied, event.EventTypeWithdrawn:
		balance := r.SupplyBalance(acct)
		ch := ledger.PositionChange{
			Account:             e.Account,
			OutputTokenAmount:   amount,
			InputTokenAmounts:   amounts,
			OutputTokenBalance:  balance,
			InputTokenBalances:  []uint256.Int{*balance},
			RewardTokenBalances: acct.Rewards,
		}
		if typ == event.EventTypeSupplied {
			_, err = l.InvestInMarket(ctx, c, m, ch)
		} else {
			_, err = l.RedeemFromMarket(ctx, c, m, ch)
		}
	default:
		balance := r.DebtBalance(acct)
		ch := ledger.PositionChange{
			Account:            e.Account,
			OutputTokenAmount:  amount,
			InputTokenAmounts:  amounts,
			OutputTokenBalance: balance,
			InputTokenBalances: []uint256.Int{*balance},
		}
		if typ == event.EventTypeBorrowed {
			_, err = l.BorrowFromMarket(ctx, c, m, ch)
		} else {
			_, err = l.RepayToMarket(ctx, c, m, ch)
		}
	}
	return err
}

// handleRewardsAccrued records the new reward total on the account's supply
// position. Accounts without a supply balance only have the total stored.
func (h *LendingHandler) handleRewardsAccrued(ctx context.Context, l *ledger.Ledger, e *event.RewardsAccrued) error {
	r, m, acct, err := h.load(ctx, l, e.Reserve, e.Account)
	if err != nil {
		return err
	}
	deltas := make([]uint256.Int, len(r.RewardTokens))
	for i, t := range r.RewardTokens {
		if t == e.RewardToken && i < len(acct.Rewards) {
			deltas[i] = *fpmath.SaturatingSub(&e.Accrued, &acct.Rewards[i])
		}
	}
	if err := r.SetReward(acct, e.RewardToken, &e.Accrued); err != nil {
		return err
	}
	if err := h.save(ctx, l, r, acct); err != nil {
		return err
	}

	balance := r.SupplyBalance(acct)
	if balance.IsZero() {
		return nil
	}
	_, err = l.InvestInMarket(ctx, e.CausalContext(), m, ledger.PositionChange{
		Account:             e.Account,
		RewardTokenAmounts:  deltas,
		OutputTokenBalance:  balance,
		InputTokenBalances:  []uint256.Int{*balance},
		RewardTokenBalances: acct.Rewards,
	})
	return err
}

func (h *LendingHandler) load(ctx context.Context, l *ledger.Ledger, reserveID, account string) (*lending.Reserve, *ledger.Market, *lending.Account, error) {
	r, err := persistence.MustGet[lending.Reserve](ctx, l.Store(), reserveID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reserve %s: %w", reserveID, err)
	}
	m, err := l.MustMarket(ctx, reserveID)
	if err != nil {
		return nil, nil, nil, err
	}
	acct, _, err := persistence.GetOrCreate(ctx, l.Store(), lending.AccountID(account, reserveID), func() *lending.Account {
		return r.NewAccount(account)
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return r, m, acct, nil
}

func (h *LendingHandler) save(ctx context.Context, l *ledger.Ledger, r *lending.Reserve, acct *lending.Account) error {
	if err := l.Store().Save(ctx, r); err != nil {
		return fmt.Errorf("save reserve %s: %w", r.ID, err)
	}
	if err := l.Store().Save(ctx, acct); err != nil {
		return fmt.Errorf("save reserve account %s: %w", acct.ID, err)
	}
	return nil
}
