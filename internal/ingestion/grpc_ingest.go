package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// GRPCIngestService injects single events by hand, for backfills and
// operator repairs. It is not an ingestion path for volume; use NATS.
// Injected events go through the same processor and dedup as broker events.
type GRPCIngestService struct {
	sink   EventSink
	logger zerolog.Logger
}

func NewGRPCIngestService(sink EventSink, logger zerolog.Logger) *GRPCIngestService {
	return &GRPCIngestService{sink: sink, logger: logger}
}

// InjectResult identifies the event that was applied.
type InjectResult struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id"`
}

// Inject decodes payload as eventType and applies it synchronously.
// Re-injecting an already applied event succeeds without effect.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (*InjectResult, error) {
	if len(payload) == 0 {
		return nil, &PayloadError{EventType: eventType, Err: errors.New("empty payload")}
	}
	evt, err := ParsePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := s.sink.ProcessEvent(ctx, evt); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("event_type", eventType).
		Str("key", evt.IdempotencyKey()).
		Str("market", evt.MarketID()).
		Msg("event injected")
	return &InjectResult{
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		MarketID:       evt.MarketID(),
	}, nil
}
