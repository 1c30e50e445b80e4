package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"DeFiLedger/internal/event"
	"DeFiLedger/internal/ledger"
)

// eventFactories maps each inbound event type to a constructor for its
// payload. Payload JSON is snake_case with the causal fields flattened in
// and amounts as decimal strings.
var eventFactories = map[event.EventType]func() event.Event{
	event.EventTypePoolCreated:               func() event.Event { return &event.PoolCreated{} },
	event.EventTypeLiquidityAdded:            func() event.Event { return &event.LiquidityAdded{} },
	event.EventTypeLiquidityRemoved:          func() event.Event { return &event.LiquidityRemoved{} },
	event.EventTypeLiquidityRemovedImbalance: func() event.Event { return &event.LiquidityRemovedImbalance{} },
	event.EventTypeTokenSwapped:              func() event.Event { return &event.TokenSwapped{} },
	event.EventTypeSharesTransferred:         func() event.Event { return &event.SharesTransferred{} },
	event.EventTypeRatesUpdated:              func() event.Event { return &event.RatesUpdated{} },
	event.EventTypeRampAmpFactor:             func() event.Event { return &event.RampAmpFactor{} },
	event.EventTypeReserveCreated:            func() event.Event { return &event.ReserveCreated{} },
	event.EventTypeSupplied:                  func() event.Event { return &event.Supplied{} },
	event.EventTypeWithdrawn:                 func() event.Event { return &event.Withdrawn{} },
	event.EventTypeBorrowed:                  func() event.Event { return &event.Borrowed{} },
	event.EventTypeRepaid:                    func() event.Event { return &event.Repaid{} },
	event.EventTypeRewardsAccrued:            func() event.Event { return &event.RewardsAccrued{} },
}

// ParseRawEvent converts a raw broker message into a typed event.
// The eventType is determined by the subject the message arrived on.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParsePayload(eventType, raw.Data)
}

// PayloadError reports a payload that can never be applied, however often
// it is redelivered.
type PayloadError struct {
	EventType string
	Err       error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("%s payload: %v", e.EventType, e.Err) }
func (e *PayloadError) Unwrap() error { return e.Err }

// ParsePayload decodes and validates one JSON payload of the named type.
// All failures are *PayloadError.
func ParsePayload(eventType string, data []byte) (event.Event, error) {
	newEvent, ok := eventFactories[event.ParseEventType(eventType)]
	if !ok {
		return nil, &PayloadError{EventType: eventType, Err: errors.New("unknown event type")}
	}
	evt := newEvent()
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, &PayloadError{EventType: eventType, Err: fmt.Errorf("unmarshal: %w", err)}
	}
	if c := evt.CausalContext(); c.ReceiptID != "" && !hasLogIndex(data) {
		c.LogIndex = ledger.NoLogIndex
	}
	if err := evt.Validate(); err != nil {
		return nil, &PayloadError{EventType: eventType, Err: fmt.Errorf("validate: %w", err)}
	}
	return evt, nil
}

// hasLogIndex reports whether the payload carries a log_index field.
// Receipt-keyed chains omit it.
func hasLogIndex(data []byte) bool {
	var probe struct {
		LogIndex *int64 `json:"log_index"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.LogIndex != nil
}

// EventTypeForSubject resolves the event type of subject by the longest
// matching subject prefix. A trailing ".>" wildcard is stripped before
// matching.
func EventTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	bestLen := -1
	bestType := ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestType = cfg.EventType
		}
	}
	return bestType, bestLen >= 0
}
