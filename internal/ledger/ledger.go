package ledger

import (
	"context"
	"errors"
	"fmt"

	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// ErrMarketNotFound is fatal for the event: markets are created earlier
	// in the causal sequence than anything that references them.
	ErrMarketNotFound = errors.New("market not found")
	// ErrLengthMismatch is returned when a balance vector does not match the
	// market's token list.
	ErrLengthMismatch = errors.New("balance vector length mismatch")
	// ErrNotTransferable is returned for a debt call with a counterparty.
	ErrNotTransferable = errors.New("debt positions are not transferable")
	// ErrInvalidID is returned for an account or market id that cannot be
	// stored.
	ErrInvalidID = errors.New("invalid id")
)

// correlationNamespace seeds the deterministic UUIDv5 correlation id of a
// transaction, so replaying an event yields the same id.
var correlationNamespace = uuid.MustParse("3c1d8f0e-7a4b-5e21-9f6c-2d8e0b4a7c15")

// Ledger records market and position state. It performs no balance
// arithmetic: every balance it is given is the absolute post-event value.
//
// Not safe for concurrent use. Events are applied one at a time in chain
// order; the store must give read-your-writes within one event.
type Ledger struct {
	store     persistence.Store
	guard     *OrderGuard
	validator *InvariantValidator
	metrics   *observability.Metrics
}

func New(store persistence.Store, guard *OrderGuard, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		store:     store,
		guard:     guard,
		validator: NewInvariantValidator(),
		metrics:   metrics,
	}
}

// WithStore returns a ledger writing to s, sharing everything else. The
// processor uses it to bind the ledger to one event's unit of work.
func (l *Ledger) WithStore(s persistence.Store) *Ledger {
	c := *l
	c.store = s
	return &c
}

// Store returns the store the ledger writes to.
func (l *Ledger) Store() persistence.Store {
	return l.store
}

// PositionChange carries the amounts moved by one ledger call and the
// absolute balances of the position afterwards. Nil vectors are zero
// vectors; non-nil vectors must match the market's token lists.
type PositionChange struct {
	Account string
	// Counterparty is the transfer source (invest) or destination (redeem).
	// When set the transaction type becomes TRANSFER_IN / TRANSFER_OUT.
	Counterparty string

	OutputTokenAmount  *uint256.Int
	InputTokenAmounts  []uint256.Int
	RewardTokenAmounts []uint256.Int

	OutputTokenBalance  *uint256.Int
	InputTokenBalances  []uint256.Int
	RewardTokenBalances []uint256.Int
}

// GetOrCreateToken returns the token, creating it from tmpl on first sight.
// An existing token is never modified.
func (l *Ledger) GetOrCreateToken(ctx context.Context, tmpl Token) (*Token, error) {
	if tmpl.ID == "" {
		return nil, errors.New("token id is empty")
	}
	t, _, err := persistence.GetOrCreate(ctx, l.store, tmpl.ID, func() *Token {
		t := tmpl
		if t.Standard == "" {
			t.Standard = StandardFungible
		}
		return &t
	})
	return t, err
}

// GetOrCreateAccount returns the account, creating it on first reference.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, c *Causal, id string) (*Account, error) {
	if err := ValidateHolderID("account", id); err != nil {
		return nil, err
	}
	a, _, err := persistence.GetOrCreate(ctx, l.store, id, func() *Account {
		return &Account{ID: id, CreatedBlock: c.BlockNumber, CreatedTime: c.BlockTime}
	})
	return a, err
}

// GetOrCreateMarket returns the market, creating it from tmpl on first
// sight with zero input balances and supply. created reports which happened.
func (l *Ledger) GetOrCreateMarket(ctx context.Context, c *Causal, tmpl Market) (*Market, bool, error) {
	if err := ValidateHolderID("market", tmpl.ID); err != nil {
		return nil, false, err
	}
	m, created, err := persistence.GetOrCreate(ctx, l.store, tmpl.ID, func() *Market {
		m := tmpl
		m.InputTokens = append([]string(nil), tmpl.InputTokens...)
		m.RewardTokens = append([]string(nil), tmpl.RewardTokens...)
		m.InputTokenBalances = tokenBalances(m.InputTokens, m.ID, nil)
		m.OutputTokenSupply.Clear()
		m.CreatedBlock = c.BlockNumber
		m.CreatedTime = c.BlockTime
		m.LastUpdateBlock = c.BlockNumber
		m.LastUpdateTime = c.BlockTime
		m.LastKey = c.Key()
		return &m
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := l.validator.ValidateMarket(m); err != nil {
			return nil, false, err
		}
	}
	return m, created, nil
}

// GetMarket returns the market or nil.
func (l *Ledger) GetMarket(ctx context.Context, id string) (*Market, error) {
	return persistence.Get[Market](ctx, l.store, id)
}

// MustMarket returns a market that is required to exist.
func (l *Ledger) MustMarket(ctx context.Context, id string) (*Market, error) {
	m, err := l.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, nil
}

// UpdateMarket snapshots the market's current state under the causal id
// and then overwrites its input balances and output supply. A repeated call
// for the same causal id returns the existing snapshot and changes nothing.
func (l *Ledger) UpdateMarket(ctx context.Context, c *Causal, m *Market, inputBalances []uint256.Int, outputSupply *uint256.Int) (*MarketSnapshot, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := l.guard.Check(m, c); err != nil {
		return nil, err
	}
	if len(inputBalances) != len(m.InputTokens) {
		return nil, fmt.Errorf("%w: market %s has %d input tokens, got %d balances",
			ErrLengthMismatch, m.ID, len(m.InputTokens), len(inputBalances))
	}

	snap, created, err := l.marketSnapshot(ctx, c, m)
	if err != nil {
		return nil, err
	}
	if !created && snap.Applied {
		if l.metrics != nil {
			l.metrics.MarketSnapshots.WithLabelValues("deduplicated").Inc()
		}
		return snap, nil
	}

	m.InputTokenBalances = tokenBalances(m.InputTokens, m.ID, inputBalances)
	if outputSupply != nil {
		m.OutputTokenSupply.Set(outputSupply)
	} else {
		m.OutputTokenSupply.Clear()
	}
	l.touchMarket(m, c)
	if err := l.validator.ValidateMarket(m); err != nil {
		return nil, err
	}
	if err := l.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save market %s: %w", m.ID, err)
	}

	snap.Applied = true
	if err := l.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save market snapshot %s: %w", snap.ID, err)
	}
	if l.metrics != nil {
		l.metrics.MarketSnapshots.WithLabelValues("written").Inc()
	}
	return snap, nil
}

// InvestInMarket records an increase of the account's investment position.
// With a counterparty it is recorded as TRANSFER_IN.
func (l *Ledger) InvestInMarket(ctx context.Context, c *Causal, m *Market, ch PositionChange) (*Position, error) {
	txType := TxInvest
	if ch.Counterparty != "" {
		txType = TxTransferIn
	}
	return l.apply(ctx, c, m, PositionInvestment, txType, ch)
}

// RedeemFromMarket records a decrease of the account's investment position.
// With a counterparty it is recorded as TRANSFER_OUT.
func (l *Ledger) RedeemFromMarket(ctx context.Context, c *Causal, m *Market, ch PositionChange) (*Position, error) {
	txType := TxRedeem
	if ch.Counterparty != "" {
		txType = TxTransferOut
	}
	return l.apply(ctx, c, m, PositionInvestment, txType, ch)
}

// BorrowFromMarket records an increase of the account's debt position.
func (l *Ledger) BorrowFromMarket(ctx context.Context, c *Causal, m *Market, ch PositionChange) (*Position, error) {
	if ch.Counterparty != "" {
		return nil, ErrNotTransferable
	}
	return l.apply(ctx, c, m, PositionDebt, TxBorrow, ch)
}

// RepayToMarket records a decrease of the account's debt position.
func (l *Ledger) RepayToMarket(ctx context.Context, c *Causal, m *Market, ch PositionChange) (*Position, error) {
	if ch.Counterparty != "" {
		return nil, ErrNotTransferable
	}
	return l.apply(ctx, c, m, PositionDebt, TxRepay, ch)
}

// OpenPosition returns the account's open position on the market, or nil.
func (l *Ledger) OpenPosition(ctx context.Context, account, marketID string, typ PositionType) (*Position, error) {
	ap, err := persistence.Get[AccountPosition](ctx, l.store, AccountPositionID(account, marketID, typ))
	if err != nil || ap == nil {
		return nil, err
	}
	pos, err := persistence.Get[Position](ctx, l.store, PositionID(ap.ID, ap.PositionCounter))
	if err != nil || pos == nil || pos.Closed {
		return nil, err
	}
	return pos, nil
}

func (l *Ledger) apply(ctx context.Context, c *Causal, m *Market, typ PositionType, txType TransactionType, ch PositionChange) (*Position, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if ch.Account == "" {
		return nil, fmt.Errorf("%s on market %s: account is empty", txType, m.ID)
	}
	if err := l.guard.Check(m, c); err != nil {
		return nil, err
	}
	if err := checkVectors(m, ch); err != nil {
		return nil, fmt.Errorf("%s on market %s: %w", txType, m.ID, err)
	}
	if _, err := l.GetOrCreateAccount(ctx, c, ch.Account); err != nil {
		return nil, err
	}

	snap, _, err := l.marketSnapshot(ctx, c, m)
	if err != nil {
		return nil, err
	}
	ap, pos, err := l.selectSlot(ctx, c, m, ch.Account, typ)
	if err != nil {
		return nil, err
	}
	if err := l.validator.ValidateSlot(pos, ap); err != nil {
		return nil, err
	}

	prevHistory := pos.HistoryCounter
	historyID := PositionHistoryID(pos.ID, pos.HistoryCounter)

	tx := &Transaction{
		ID:                 historyID,
		CorrelationID:      uuid.NewSHA1(correlationNamespace, []byte(c.ID()+"/"+historyID)).String(),
		Type:               txType,
		Market:             m.ID,
		MarketSnapshot:     snap.ID,
		Position:           pos.ID,
		Account:            ch.Account,
		Counterparty:       ch.Counterparty,
		From:               c.From,
		To:                 c.To,
		OutputTokenAmount:  NewTokenBalance(m.PositionToken(typ), ch.Account, ch.OutputTokenAmount),
		InputTokenAmounts:  tokenBalances(m.InputTokens, ch.Account, ch.InputTokenAmounts),
		RewardTokenAmounts: tokenBalances(m.RewardTokens, ch.Account, ch.RewardTokenAmounts),
		GasLimit:           c.GasLimit,
		GasUsed:            c.GasUsed,
		GasPrice:           c.GasPrice,
		BlockNumber:        c.BlockNumber,
		BlockTime:          c.BlockTime,
		TxIndex:            c.TxIndex,
		LogIndex:           c.LogIndex,
		TxHash:             c.TxHash,
		CausalID:           c.ID(),
	}
	if err := l.store.Save(ctx, tx); err != nil {
		return nil, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}

	pos.OutputTokenBalance = NewTokenBalance(m.PositionToken(typ), ch.Account, ch.OutputTokenBalance)
	pos.InputTokenBalances = tokenBalances(m.InputTokens, ch.Account, ch.InputTokenBalances)
	pos.RewardTokenBalances = tokenBalances(m.RewardTokens, ch.Account, ch.RewardTokenBalances)
	if pos.OutputTokenBalance.IsZero() {
		pos.Closed = true
		pos.ClosedBlock = c.BlockNumber
		pos.ClosedTime = c.BlockTime
		if l.metrics != nil {
			l.metrics.PositionsClosed.WithLabelValues(string(typ)).Inc()
		}
	}

	ps := &PositionSnapshot{
		ID:                  historyID,
		Position:            pos.ID,
		HistoryCounter:      pos.HistoryCounter,
		Transaction:         tx.ID,
		OutputTokenBalance:  pos.OutputTokenBalance,
		InputTokenBalances:  append([]TokenBalance(nil), pos.InputTokenBalances...),
		RewardTokenBalances: append([]TokenBalance(nil), pos.RewardTokenBalances...),
		Closed:              pos.Closed,
		BlockNumber:         c.BlockNumber,
		BlockTime:           c.BlockTime,
	}
	if err := l.store.Save(ctx, ps); err != nil {
		return nil, fmt.Errorf("save position snapshot %s: %w", ps.ID, err)
	}

	pos.HistoryCounter++
	if err := l.validator.ValidatePosition(pos, m, prevHistory); err != nil {
		return nil, err
	}
	if err := l.store.Save(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position %s: %w", pos.ID, err)
	}

	l.touchMarket(m, c)
	if err := l.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save market %s: %w", m.ID, err)
	}

	if l.metrics != nil {
		l.metrics.LedgerTransactions.WithLabelValues(string(txType)).Inc()
	}
	return pos, nil
}

// selectSlot loads the account's current slot, allocating counter+1 when
// the slot is absent or closed. The counter starts at 0, so the first
// allocated slot is 1.
func (l *Ledger) selectSlot(ctx context.Context, c *Causal, m *Market, account string, typ PositionType) (*AccountPosition, *Position, error) {
	apID := AccountPositionID(account, m.ID, typ)
	ap, _, err := persistence.GetOrCreate(ctx, l.store, apID, func() *AccountPosition {
		return &AccountPosition{ID: apID, Account: account, Market: m.ID, Type: typ}
	})
	if err != nil {
		return nil, nil, err
	}

	pos, err := persistence.Get[Position](ctx, l.store, PositionID(ap.ID, ap.PositionCounter))
	if err != nil {
		return nil, nil, err
	}
	if pos != nil && !pos.Closed {
		return ap, pos, nil
	}

	ap.PositionCounter++
	pos = &Position{
		ID:                  PositionID(ap.ID, ap.PositionCounter),
		AccountPosition:     ap.ID,
		Account:             account,
		Market:              m.ID,
		Type:                typ,
		Counter:             ap.PositionCounter,
		OutputTokenBalance:  TokenBalance{Token: m.PositionToken(typ), Account: account},
		InputTokenBalances:  tokenBalances(m.InputTokens, account, nil),
		RewardTokenBalances: tokenBalances(m.RewardTokens, account, nil),
		CreatedBlock:        c.BlockNumber,
		CreatedTime:         c.BlockTime,
	}
	if err := l.store.Save(ctx, ap); err != nil {
		return nil, nil, fmt.Errorf("save account position %s: %w", ap.ID, err)
	}
	if l.metrics != nil {
		l.metrics.PositionsOpened.WithLabelValues(string(typ)).Inc()
	}
	return ap, pos, nil
}

// marketSnapshot returns the snapshot for the causal id, recording the
// market's current state if none exists yet.
func (l *Ledger) marketSnapshot(ctx context.Context, c *Causal, m *Market) (*MarketSnapshot, bool, error) {
	id := MarketSnapshotID(m.ID, c.ID())
	return persistence.GetOrCreate(ctx, l.store, id, func() *MarketSnapshot {
		s := &MarketSnapshot{
			ID:                 id,
			Market:             m.ID,
			CausalID:           c.ID(),
			InputTokenBalances: append([]TokenBalance(nil), m.InputTokenBalances...),
			BlockNumber:        c.BlockNumber,
			BlockTime:          c.BlockTime,
		}
		s.OutputTokenSupply.Set(&m.OutputTokenSupply)
		return s
	})
}

// touchMarket advances the market's last-update marker. It never moves
// backwards, even when an out-of-order call was let through.
func (l *Ledger) touchMarket(m *Market, c *Causal) {
	key := c.Key()
	if key.Less(m.LastKey) {
		return
	}
	m.LastKey = key
	m.LastUpdateBlock = c.BlockNumber
	m.LastUpdateTime = c.BlockTime
}

func checkVectors(m *Market, ch PositionChange) error {
	checks := []struct {
		name string
		got  []uint256.Int
		want int
	}{
		{"input token amounts", ch.InputTokenAmounts, len(m.InputTokens)},
		{"reward token amounts", ch.RewardTokenAmounts, len(m.RewardTokens)},
		{"input token balances", ch.InputTokenBalances, len(m.InputTokens)},
		{"reward token balances", ch.RewardTokenBalances, len(m.RewardTokens)},
	}
	for _, c := range checks {
		if c.got != nil && len(c.got) != c.want {
			return fmt.Errorf("%w: %s has %d entries, want %d", ErrLengthMismatch, c.name, len(c.got), c.want)
		}
	}
	return nil
}
