package core

import (
	"context"
	"fmt"

	"DeFiLedger/internal/amm"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	fpmath "DeFiLedger/internal/math"
	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/persistence"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	ProtocolStableSwap = "stableswap"
	ProtocolTypeAMM    = "AMM"
)

// PoolHandler applies stable-swap and rated-swap pool events. The pool's LP
// token id is the pool id, and the market id is the pool id as well.
type PoolHandler struct {
	feeDenominator uint32
	logger         zerolog.Logger
	metrics        *observability.Metrics
}

// NewPoolHandler creates the handler. A zero feeDenominator keeps the
// basis-point default for new pools.
func NewPoolHandler(feeDenominator uint32, logger zerolog.Logger, metrics *observability.Metrics) *PoolHandler {
	return &PoolHandler{
		feeDenominator: feeDenominator,
		logger:         logger,
		metrics:        metrics,
	}
}

func (h *PoolHandler) EventTypes() []event.EventType {
	return []event.EventType{
		event.EventTypePoolCreated,
		event.EventTypeLiquidityAdded,
		event.EventTypeLiquidityRemoved,
		event.EventTypeLiquidityRemovedImbalance,
		event.EventTypeTokenSwapped,
		event.EventTypeSharesTransferred,
		event.EventTypeRatesUpdated,
		event.EventTypeRampAmpFactor,
	}
}

func (h *PoolHandler) Handle(ctx context.Context, l *ledger.Ledger, evt event.Event) error {
	switch e := evt.(type) {
	case *event.PoolCreated:
		return h.handlePoolCreated(ctx, l, e)
	case *event.LiquidityAdded:
		return h.handleLiquidityAdded(ctx, l, e)
	case *event.LiquidityRemoved:
		return h.handleLiquidityRemoved(ctx, l, e)
	case *event.LiquidityRemovedImbalance:
		return h.handleLiquidityRemovedImbalance(ctx, l, e)
	case *event.TokenSwapped:
		return h.handleTokenSwapped(ctx, l, e)
	case *event.SharesTransferred:
		return h.handleSharesTransferred(ctx, l, e)
	case *event.RatesUpdated:
		return h.handleRatesUpdated(ctx, l, e)
	case *event.RampAmpFactor:
		return h.handleRampAmpFactor(ctx, l, e)
	default:
		return fmt.Errorf("pool handler: unsupported event %T", evt)
	}
}

func (h *PoolHandler) handlePoolCreated(ctx context.Context, l *ledger.Ledger, e *event.PoolCreated) error {
	kind := amm.PoolKind(e.Kind)
	if kind == "" {
		kind = amm.KindStableSwap
	}
	if kind != amm.KindStableSwap && kind != amm.KindRatedSwap {
		return fmt.Errorf("pool %s: unknown kind %q", e.Pool, e.Kind)
	}

	fees := amm.NewFees(e.TradeFee, e.AdminFee, e.ReferralFee)
	if h.feeDenominator != 0 {
		fees.Denominator = h.feeDenominator
	}

	pool, created, err := persistence.GetOrCreate(ctx, l.Store(), e.Pool, func() *amm.Pool {
		p := amm.NewPool(e.Pool, kind, e.Owner, e.Tokens, e.Decimals, fees, amm.FixedAmp(e.AmpFactor))
		if kind == amm.KindRatedSwap {
			for i := range p.Rates {
				if e.Rates != nil {
					p.Rates[i] = e.Rates[i]
				} else {
					p.Rates[i] = *fpmath.RatePrecision.One()
				}
			}
		}
		return p
	})
	if err != nil {
		return err
	}
	if !created {
		h.logger.Warn().Str("pool", e.Pool).Msg("pool already exists, creation ignored")
		return nil
	}
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("pool %s: %w", e.Pool, err)
	}

	for i, token := range e.Tokens {
		tmpl := ledger.Token{ID: token, Decimals: e.Decimals[i]}
		if i < len(e.Symbols) {
			tmpl.Symbol = e.Symbols[i]
		}
		if _, err := l.GetOrCreateToken(ctx, tmpl); err != nil {
			return err
		}
	}
	if _, err := l.GetOrCreateToken(ctx, ledger.Token{ID: pool.ID, Decimals: pool.TargetDecimals}); err != nil {
		return err
	}

	_, _, err = l.GetOrCreateMarket(ctx, e.CausalContext(), ledger.Market{
		ID:           pool.ID,
		Owner:        pool.Owner,
		Protocol:     ProtocolStableSwap,
		ProtocolType: ProtocolTypeAMM,
		InputTokens:  pool.Tokens,
		OutputToken:  pool.ID,
	})
	return err
}

func (h *PoolHandler) handleLiquidityAdded(ctx context.Context, l *ledger.Ledger, e *event.LiquidityAdded) error {
	pool, m, err := h.load(ctx, l, e.Pool)
	if err != nil {
		return err
	}
	if len(e.Amounts) != len(pool.Tokens) {
		return fmt.Errorf("%w: pool %s has %d tokens, got %d amounts",
			ledger.ErrLengthMismatch, pool.ID, len(pool.Tokens), len(e.Amounts))
	}

	res, ok := pool.AddLiquidity(e.BlockTime, e.Amounts)
	if !ok {
		return h.absent("deposit", e.Pool)
	}
	referral, owner, err := h.splitAdminShares(ctx, l, pool, pool.MintAdminShares(&res.FeeShares), e.Referral)
	if err != nil {
		return err
	}

	c := e.CausalContext()
	if err := h.commitPool(ctx, l, c, pool, m); err != nil {
		return err
	}
	if err := h.credit(ctx, l, c, pool, m, e.Account, "", &res.Shares, e.Amounts); err != nil {
		return err
	}
	if err := h.credit(ctx, l, c, pool, m, pool.Owner, "", owner, nil); err != nil {
		return err
	}
	return h.credit(ctx, l, c, pool, m, e.Referral, "", referral, nil)
}

func (h *PoolHandler) handleLiquidityRemoved(ctx context.Context, l *ledger.Ledger, e *event.LiquidityRemoved) error {
	pool, m, err := h.load(ctx, l, e.Pool)
	if err != nil {
		return err
	}
	if err := h.requireShares(ctx, l, pool.ID, e.Account, &e.Shares); err != nil {
		return err
	}

	out, ok := pool.RemoveLiquidity(&e.Shares)
	if !ok {
		return h.absent("withdraw", e.Pool)
	}

	c := e.CausalContext()
	if err := h.commitPool(ctx, l, c, pool, m); err != nil {
		return err
	}
	return h.debit(ctx, l, c, pool, m, e.Account, "", &e.Shares, out)
}

func (h *PoolHandler) handleLiquidityRemovedImbalance(ctx context.Context, l *ledger.Ledger, e *event.LiquidityRemovedImbalance) error {
	pool, m, err := h.load(ctx, l, e.Pool)
	if err != nil {
		return err
	}
	if len(e.Amounts) != len(pool.Tokens) {
		return fmt.Errorf("%w: pool %s has %d tokens, got %d amounts",
			ledger.ErrLengthMismatch, pool.ID, len(pool.Tokens), len(e.Amounts))
	}

	trial := pool.Clone()
	res, ok := trial.RemoveLiquidityImbalance(e.BlockTime, e.Amounts)
	if !ok {
		return h.absent("withdraw", e.Pool)
	}
	if !e.MaxBurnShares.IsZero() && res.Shares.Gt(&e.MaxBurnShares) {
		h.logger.Warn().
			Str("pool", e.Pool).
			Str("burn", res.Shares.Dec()).
			Str("max_burn", e.MaxBurnShares.Dec()).
			Msg("imbalanced withdraw exceeds max burn, skipped")
		return h.absent("withdraw", e.Pool)
	}
	if err := h.requireShares(ctx, l, pool.ID, e.Account, &res.Shares); err != nil {
		return err
	}
	admin := trial.MintAdminShares(&res.FeeShares)

	c := e.CausalContext()
	if err := h.commitPool(ctx, l, c, trial, m); err != nil {
		return err
	}
	if err := h.debit(ctx, l, c, trial, m, e.Account, "", &res.Shares, e.Amounts); err != nil {
		return err
	}
	return h.credit(ctx, l, c, trial, m, trial.Owner, "", admin, nil)
}

func (h *PoolHandler) handleTokenSwapped(ctx context.Context, l *ledger.Ledger, e *event.TokenSwapped) error {
	pool, m, err := h.load(ctx, l, e.Pool)
	if err != nil {
		return err
	}
	in, err := pool.TokenIndex(e.TokenIn)
	if err != nil {
		return err
	}
	out, err := pool.TokenIndex(e.TokenOut)
	if err != nil {
		return err
	}

	trial := pool.Clone()
	res, received, adminShares, ok := trial.Swap(e.BlockTime, in, &e.AmountIn, out)
	if !ok {
		return h.absent("swap", e.Pool)
	}
	if received.Lt(&e.MinAmountOut) {
		h.logger.Warn().
			Str("pool", e.Pool).
			Str("received", received.Dec()).
			Str("min_amount_out", e.MinAmountOut.Dec()).
			Msg("swap below minimum output, skipped")
		return h.absent("swap", e.Pool)
	}
	referral, owner, err := h.splitAdminShares(ctx, l, trial, adminShares, e.Referral)
	if err != nil {
		return err
	}

	h.logger.Debug().
		Str("pool", e.Pool).
		Str("account", e.Account).
		Str("amount_in", e.AmountIn.Dec()).
		Str("amount_out", received.Dec()).
		Str("fee", res.Fee.Dec()).
		Msg("swap applied")

	c := e.CausalContext()
	if err := h.commitPool(ctx, l, c, trial, m); err != nil {
		return err
	}
	if err := h.credit(ctx, l, c, trial, m, trial.Owner, "", owner, nil); err != nil {
		return err
	}
	return h.credit(ctx, l, c, trial, m, e.Referral, "", referral, nil)
}

func (h *PoolHandler) handleSharesTransferred(ctx context.Context, l *ledger.Ledger, e *event.SharesTransferred) error {
	if e.Amount.IsZero() {
		return nil
	}
	pool, m, err := h.load(ctx, l, e.Pool)
	if err != nil {
		return err
	}
	if err := h.requireShares(ctx, l, pool.ID, e.Sender, &e.Amount); err != nil {
		return err
	}

	value := pool.NativeShareValue(&e.Amount)
	c := e.CausalContext()
	if err := h.debit(ctx, l, c, pool, m, e.Sender, e.Recipient, &e.Amount, value); err != nil {
		return err
	}
	return h.credit(ctx, l, c, pool, m, e.Recipient, e.Sender, &e.Amount, value)
}

func (h *PoolHandler) handleRatesUpdated(ctx context.Context, l *ledger.Ledger, e *event.RatesUpdated) error {
	pool, err := persistence.MustGet[amm.Pool](ctx, l.Store(), e.Pool)
	if err != nil {
		return fmt.Errorf("pool %s: %w", e.Pool, err)
	}
	for i, token := range e.Tokens {
		idx, err := pool.TokenIndex(token)
		if err != nil {
			return err
		}
		if e.Rates[i].IsZero() {
			return fmt.Errorf("pool %s: zero rate for %s", pool.ID, token)
		}
		if err := pool.SetRate(idx, &e.Rates[i]); err != nil {
			return err
		}
	}
	return l.Store().Save(ctx, pool)
}

func (h *PoolHandler) handleRampAmpFactor(ctx context.Context, l *ledger.Ledger, e *event.RampAmpFactor) error {
	pool, err := persistence.MustGet[amm.Pool](ctx, l.Store(), e.Pool)
	if err != nil {
		return fmt.Errorf("pool %s: %w", e.Pool, err)
	}
	pool.Ramp = pool.Ramp.StartRamp(e.BlockTime, e.TargetAmpFactor, e.StopTime)
	h.logger.Info().
		Str("pool", pool.ID).
		Uint64("from", pool.Ramp.InitAmpFactor).
		Uint64("to", pool.Ramp.TargetAmpFactor).
		Int64("stop", pool.Ramp.StopAmpTime).
		Msg("amp ramp started")
	return l.Store().Save(ctx, pool)
}

func (h *PoolHandler) load(ctx context.Context, l *ledger.Ledger, poolID string) (*amm.Pool, *ledger.Market, error) {
	pool, err := persistence.MustGet[amm.Pool](ctx, l.Store(), poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("pool %s: %w", poolID, err)
	}
	m, err := l.MustMarket(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	pool.Observer = h.metrics.ObserveSolver
	return pool, m, nil
}

// commitPool saves the pool and writes its native reserves and LP supply to
// the market.
func (h *PoolHandler) commitPool(ctx context.Context, l *ledger.Ledger, c *ledger.Causal, pool *amm.Pool, m *ledger.Market) error {
	if err := l.Store().Save(ctx, pool); err != nil {
		return fmt.Errorf("save pool %s: %w", pool.ID, err)
	}
	_, err := l.UpdateMarket(ctx, c, m, pool.NativeBalances(), &pool.TotalSupply)
	return err
}

// splitAdminShares divides minted admin shares between the referral and the
// owner. A referral only earns a cut while it holds an open LP position in
// the pool and is not the owner itself.
func (h *PoolHandler) splitAdminShares(ctx context.Context, l *ledger.Ledger, pool *amm.Pool, admin *uint256.Int, referral string) (*uint256.Int, *uint256.Int, error) {
	eligible := false
	if referral != "" && referral != pool.Owner {
		held, err := heldShares(ctx, l, pool.ID, referral)
		if err != nil {
			return nil, nil, err
		}
		eligible = !held.IsZero()
	}
	ref, owner := pool.Fees.SplitAdminFee(admin, eligible)
	return ref, owner, nil
}

func (h *PoolHandler) requireShares(ctx context.Context, l *ledger.Ledger, poolID, account string, shares *uint256.Int) error {
	held, err := heldShares(ctx, l, poolID, account)
	if err != nil {
		return err
	}
	if shares.Gt(held) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientShares, account, held.Dec(), poolID, shares.Dec())
	}
	return nil
}

// credit adds shares to the account's LP position. Zero shares or an empty
// account is a no-op.
func (h *PoolHandler) credit(ctx context.Context, l *ledger.Ledger, c *ledger.Causal, pool *amm.Pool, m *ledger.Market, account, counterparty string, shares *uint256.Int, amounts []uint256.Int) error {
	if account == "" || shares.IsZero() {
		return nil
	}
	held, err := heldShares(ctx, l, pool.ID, account)
	if err != nil {
		return err
	}
	balance := new(uint256.Int).Add(held, shares)
	_, err = l.InvestInMarket(ctx, c, m, ledger.PositionChange{
		Account:            account,
		Counterparty:       counterparty,
		OutputTokenAmount:  shares,
		InputTokenAmounts:  amounts,
		OutputTokenBalance: balance,
		InputTokenBalances: pool.NativeShareValue(balance),
	})
	return err
}

// debit removes shares from the account's LP position.
func (h *PoolHandler) debit(ctx context.Context, l *ledger.Ledger, c *ledger.Causal, pool *amm.Pool, m *ledger.Market, account, counterparty string, shares *uint256.Int, amounts []uint256.Int) error {
	held, err := heldShares(ctx, l, pool.ID, account)
	if err != nil {
		return err
	}
	balance := fpmath.SaturatingSub(held, shares)
	_, err = l.RedeemFromMarket(ctx, c, m, ledger.PositionChange{
		Account:            account,
		Counterparty:       counterparty,
		OutputTokenAmount:  shares,
		InputTokenAmounts:  amounts,
		OutputTokenBalance: balance,
		InputTokenBalances: pool.NativeShareValue(balance),
	})
	return err
}

func (h *PoolHandler) absent(op, poolID string) error {
	if h.metrics != nil {
		h.metrics.SolverAbsent.WithLabelValues(op).Inc()
	}
	return fmt.Errorf("%w: %s on pool %s", ErrNoResult, op, poolID)
}

// heldShares is the output balance of the account's open LP position.
func heldShares(ctx context.Context, l *ledger.Ledger, poolID, account string) (*uint256.Int, error) {
	pos, err := l.OpenPosition(ctx, account, poolID, ledger.PositionInvestment)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(&pos.OutputTokenBalance.Amount), nil
}
