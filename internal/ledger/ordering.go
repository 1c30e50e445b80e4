package ledger

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrOutOfOrder is returned when a ledger call's causal key is behind the
// last key already applied to the market.
var ErrOutOfOrder = errors.New("out-of-order ledger call")

// OrderGuard enforces chain-order application per market. The last applied
// key is persisted on the Market itself, so the guard survives restarts and
// a discarded event leaves it untouched. Equal keys are allowed: one event
// makes several ledger calls on the same market.
type OrderGuard struct {
	enforce     bool
	logger      zerolog.Logger
	onViolation func(marketID string)
}

// NewOrderGuard creates a guard. With enforce=false violations are logged
// and counted but the call proceeds.
func NewOrderGuard(enforce bool, logger zerolog.Logger, onViolation func(marketID string)) *OrderGuard {
	return &OrderGuard{
		enforce:     enforce,
		logger:      logger,
		onViolation: onViolation,
	}
}

// Check validates c against the market's last applied key.
func (g *OrderGuard) Check(m *Market, c *Causal) error {
	if g == nil {
		return nil
	}
	key := c.Key()
	if !key.Less(m.LastKey) {
		return nil
	}

	if g.onViolation != nil {
		g.onViolation(m.ID)
	}
	if g.enforce {
		return fmt.Errorf("%w: market=%s last=%s got=%s", ErrOutOfOrder, m.ID, m.LastKey, key)
	}
	g.logger.Warn().
		Str("market", m.ID).
		Str("last", m.LastKey.String()).
		Str("got", key.String()).
		Msg("out-of-order ledger call accepted")
	return nil
}
