package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"DeFiLedger/internal/core"
	"DeFiLedger/internal/event"
	"DeFiLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamStableSwap = "DEFI_STABLESWAP"
	StreamLending    = "DEFI_LENDING"
)

// redeliveryDelay spaces out redeliveries of a nak'ed message. The stream
// is blocked behind it until it is acked or terminated.
const redeliveryDelay = 2 * time.Second

// NATSSubscriber runs one durable consumer per inbound stream and hands
// every message to eventChan. Each consumer has at most one unacknowledged
// message, so a stream is delivered in publish order and a failed message
// is redelivered before anything published after it.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded broker message. Exactly one of AckFunc, NakFunc
// or TermFunc is called once the message has been handled.
type RawEvent struct {
	Subject   string
	Stream    string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or unusable
	NakFunc   func() // failed; the broker redelivers
	TermFunc  func() // rejected; never redelivered
}

// SubjectConfig maps a subject filter to an event type.
type SubjectConfig struct {
	Subject    string
	EventType  string
	StreamName string
}

// StreamConsumer is one ordered durable consumer over a whole stream.
type StreamConsumer struct {
	StreamName    string
	FilterSubject string
	Durable       string
}

// DefaultConsumers returns the inbound consumers, one per stream.
func DefaultConsumers() []StreamConsumer {
	return []StreamConsumer{
		{StreamName: StreamStableSwap, FilterSubject: "defi.stableswap.>", Durable: "ledger-stableswap"},
		{StreamName: StreamLending, FilterSubject: "defi.lending.>", Durable: "ledger-lending"},
	}
}

// DefaultSubjects returns the subject to event type bindings the pipeline
// dispatches on.
func DefaultSubjects() []SubjectConfig {
	pool := func(name, eventType string) SubjectConfig {
		return SubjectConfig{
			Subject:    "defi.stableswap." + name + ".>",
			EventType:  eventType,
			StreamName: StreamStableSwap,
		}
	}
	reserve := func(name, eventType string) SubjectConfig {
		return SubjectConfig{
			Subject:    "defi.lending." + name + ".>",
			EventType:  eventType,
			StreamName: StreamLending,
		}
	}
	return []SubjectConfig{
		pool("pool_created", event.EventTypePoolCreated.String()),
		pool("liquidity_added", event.EventTypeLiquidityAdded.String()),
		pool("liquidity_removed", event.EventTypeLiquidityRemoved.String()),
		pool("liquidity_removed_imbalance", event.EventTypeLiquidityRemovedImbalance.String()),
		pool("token_swapped", event.EventTypeTokenSwapped.String()),
		pool("shares_transferred", event.EventTypeSharesTransferred.String()),
		pool("rates_updated", event.EventTypeRatesUpdated.String()),
		pool("ramp_amp_factor", event.EventTypeRampAmpFactor.String()),
		reserve("reserve_created", event.EventTypeReserveCreated.String()),
		reserve("supplied", event.EventTypeSupplied.String()),
		reserve("withdrawn", event.EventTypeWithdrawn.String()),
		reserve("borrowed", event.EventTypeBorrowed.String()),
		reserve("repaid", event.EventTypeRepaid.String()),
		reserve("rewards_accrued", event.EventTypeRewardsAccrued.String()),
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe starts the given consumers. Consumers use explicit ack,
// ack_wait=30s, max_ack_pending=1 and unlimited redelivery.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, consumers []StreamConsumer) error {
	for _, cfg := range consumers {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.Durable,
			FilterSubject: cfg.FilterSubject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    -1,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
		}

		stream := cfg.StreamName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Stream:    stream,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc: func() {
					if err := msg.Ack(); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
					}
				},
				NakFunc: func() {
					if err := msg.NakWithDelay(redeliveryDelay); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("nak failed")
					}
				},
				TermFunc: func() {
					if err := msg.Term(); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("term failed")
					}
				},
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				raw.NakFunc()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.Durable, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.FilterSubject).Str("consumer", cfg.Durable).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Streams use
// file storage, limits retention and max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamStableSwap,
			Subjects:  []string{"defi.stableswap.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamLending,
			Subjects:  []string{"defi.lending.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EventSink applies one typed event. A nil error means the event is durable.
type EventSink interface {
	ProcessEvent(ctx context.Context, evt event.Event) error
}

// Pipeline feeds raw messages through the parser into the sink, one at a
// time, and settles each message with the broker.
type Pipeline struct {
	subjects []SubjectConfig
	sink     EventSink
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewPipeline(subjects []SubjectConfig, sink EventSink, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{subjects: subjects, sink: sink, logger: logger, metrics: metrics}
}

// Run consumes rawChan until ctx is cancelled or the channel is closed.
func (p *Pipeline) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			if p.metrics != nil {
				p.metrics.SetChannelMetrics("ingest", len(rawChan), cap(rawChan))
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle settles one message. Messages that can never be applied are acked
// (unknown subject, undecodable payload) or terminated (rejected by the
// sink) and dropped. Any other processing failure is nak'ed for redelivery.
func (p *Pipeline) Handle(ctx context.Context, raw RawEvent) {
	eventType, ok := EventTypeForSubject(raw.Subject, p.subjects)
	if !ok {
		p.logger.Warn().Str("subject", raw.Subject).Msg("no event type for subject, dropping")
		p.settle(raw, "unknown_subject", raw.AckFunc)
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", raw.Subject).Msg("unparseable message, dropping")
		p.settle(raw, "parse_error", raw.AckFunc)
		return
	}

	if err := p.sink.ProcessEvent(ctx, evt); err != nil {
		if errors.Is(err, core.ErrRejected) {
			p.logger.Error().Err(err).
				Str("event_type", eventType).
				Str("key", evt.IdempotencyKey()).
				Msg("event rejected, dropping")
			term := raw.TermFunc
			if term == nil {
				term = raw.AckFunc
			}
			p.settle(raw, "rejected", term)
			return
		}
		p.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event processing failed")
		p.settle(raw, "failed", raw.NakFunc)
		return
	}
	p.settle(raw, "applied", raw.AckFunc)
}

func (p *Pipeline) settle(raw RawEvent, result string, fn func()) {
	if p.metrics != nil {
		p.metrics.IngestMessages.WithLabelValues(raw.Stream, result).Inc()
	}
	if fn != nil {
		fn()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
