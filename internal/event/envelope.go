package event

import (
	"errors"
	"fmt"

	"DeFiLedger/internal/ledger"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolCreated
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeLiquidityRemovedImbalance
	EventTypeTokenSwapped
	EventTypeSharesTransferred
	EventTypeRatesUpdated
	EventTypeRampAmpFactor
	EventTypeReserveCreated
	EventTypeSupplied
	EventTypeWithdrawn
	EventTypeBorrowed
	EventTypeRepaid
	EventTypeRewardsAccrued
)

var eventTypeNames = map[EventType]string{
	EventTypePoolCreated:               "PoolCreated",
	EventTypeLiquidityAdded:            "LiquidityAdded",
	EventTypeLiquidityRemoved:          "LiquidityRemoved",
	EventTypeLiquidityRemovedImbalance: "LiquidityRemovedImbalance",
	EventTypeTokenSwapped:              "TokenSwapped",
	EventTypeSharesTransferred:         "SharesTransferred",
	EventTypeRatesUpdated:              "RatesUpdated",
	EventTypeRampAmpFactor:             "RampAmpFactor",
	EventTypeReserveCreated:            "ReserveCreated",
	EventTypeSupplied:                  "Supplied",
	EventTypeWithdrawn:                 "Withdrawn",
	EventTypeBorrowed:                  "Borrowed",
	EventTypeRepaid:                    "Repaid",
	EventTypeRewardsAccrued:            "RewardsAccrued",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a type name back to its discriminator.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}

// EventEnvelope describes an event once it has been applied.
type EventEnvelope struct {
	// Monotonic sequence assigned by the processor
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Market the event touched (pool or reserve id)
	MarketID string

	// Chain position of the event
	Causal ledger.Causal

	// SHA-256 of the chain after applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the pool or reserve the event belongs to
	MarketID() string

	// CausalContext returns the chain position of the event
	CausalContext() *ledger.Causal

	// Validate checks the payload is complete enough to apply
	Validate() error
}

// Base carries the chain position shared by every payload. Its fields are
// flattened into the payload's JSON.
type Base struct {
	ledger.Causal
}

// IdempotencyKey is the causal id: one chain log is one event.
func (b *Base) IdempotencyKey() string { return b.Causal.ID() }

func (b *Base) CausalContext() *ledger.Causal { return &b.Causal }

var errMissingMarket = errors.New("market id is empty")

func validateBase(b *Base, market string, accounts ...string) error {
	if err := b.Causal.Validate(); err != nil {
		return err
	}
	if market == "" {
		return errMissingMarket
	}
	for _, a := range accounts {
		if a == "" {
			return fmt.Errorf("account is empty for market %s", market)
		}
	}
	return nil
}
