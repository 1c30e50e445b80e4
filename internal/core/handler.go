package core

import (
	"context"
	"errors"

	"DeFiLedger/internal/amm"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/lending"
	"DeFiLedger/internal/persistence"
)

// ErrNoResult is returned by a handler when the protocol math produced no
// result for the event. The processor records the event as seen and applies
// nothing.
var ErrNoResult = errors.New("no result for event")

// ErrInsufficientShares is returned when an account burns or transfers more
// LP shares than its open position holds.
var ErrInsufficientShares = errors.New("insufficient shares")

// ErrRejected marks an event that can never be applied against the current
// state. Redelivering it yields the same error.
var ErrRejected = errors.New("event rejected")

// permanentErrors are handler failures that depend only on the event and
// the committed state.
var permanentErrors = []error{
	ledger.ErrOutOfOrder,
	ledger.ErrMarketNotFound,
	ledger.ErrLengthMismatch,
	ledger.ErrNotTransferable,
	ledger.ErrInvalidID,
	persistence.ErrNotFound,
	amm.ErrUnknownToken,
	amm.ErrPoolShape,
	amm.ErrPoolEmptyToken,
	lending.ErrIndexDecreased,
	ErrInsufficientShares,
}

func isPermanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handler turns one protocol's decoded events into ledger calls. The ledger
// it is given writes to the event's unit of work; everything it saves is
// committed together or not at all.
type Handler interface {
	EventTypes() []event.EventType
	Handle(ctx context.Context, l *ledger.Ledger, evt event.Event) error
}
