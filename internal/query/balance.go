package query

import (
	"context"

	"DeFiLedger/internal/ledger"
	fpmath "DeFiLedger/internal/math"
	"DeFiLedger/internal/persistence"

	"github.com/holiman/uint256"
)

// formatter renders amounts for one request, loading each token's decimals
// at most once. Tokens without metadata render with zero decimals.
type formatter struct {
	ctx      context.Context
	store    persistence.Store
	decimals map[string]uint8
	err      error
}

func newFormatter(ctx context.Context, store persistence.Store) *formatter {
	return &formatter{ctx: ctx, store: store, decimals: make(map[string]uint8)}
}

func (f *formatter) tokenDecimals(token string) uint8 {
	if d, ok := f.decimals[token]; ok {
		return d
	}
	var d uint8
	t, err := persistence.Get[ledger.Token](f.ctx, f.store, token)
	if err != nil && f.err == nil {
		f.err = err
	}
	if t != nil {
		d = t.Decimals
	}
	f.decimals[token] = d
	return d
}

func (f *formatter) amount(token string, raw *uint256.Int) AmountView {
	return AmountView{
		Token:  token,
		Raw:    raw.Dec(),
		Amount: fpmath.FormatUnits(raw, f.tokenDecimals(token)),
	}
}

func (f *formatter) balance(b ledger.TokenBalance) AmountView {
	return f.amount(b.Token, &b.Amount)
}

func (f *formatter) balances(bs []ledger.TokenBalance) []AmountView {
	out := make([]AmountView, len(bs))
	for i := range bs {
		out[i] = f.balance(bs[i])
	}
	return out
}

func (f *formatter) amounts(tokens []string, raw []uint256.Int) []AmountView {
	out := make([]AmountView, len(tokens))
	for i, token := range tokens {
		var v uint256.Int
		if i < len(raw) {
			v = raw[i]
		}
		out[i] = f.amount(token, &v)
	}
	return out
}
