package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DeFiLedger/internal/core"
	"DeFiLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const StreamLedgerEvents = "DEFI_LEDGER_EVENTS"

// outboundNamespace derives the JetStream message id of a transaction, so a
// republished transaction is dropped by the stream's duplicate window.
var outboundNamespace = uuid.MustParse("9b2f4c61-0d3e-5a7b-8c19-4e6f2a0d5b83")

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes ledger transactions of committed events.
// Subjects follow defi.ledger.transactions.{TYPE}.{market}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

// TransactionMessage is the outbound payload: one ledger transaction and the
// event it came from.
type TransactionMessage struct {
	Sequence       int64               `json:"sequence"`
	EventType      string              `json:"event_type"`
	IdempotencyKey string              `json:"idempotency_key"`
	StateHash      string              `json:"state_hash"`
	Transaction    *ledger.Transaction `json:"transaction"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, tx := range out.Transactions {
				if err := op.publish(ctx, out, tx); err != nil {
					// Non-fatal: the transaction stays queryable from the store.
					op.logger.Warn().Err(err).
						Int64("sequence", out.Envelope.Sequence).
						Str("transaction", tx.ID).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output, tx *ledger.Transaction) error {
	env := out.Envelope
	data, err := json.Marshal(TransactionMessage{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Transaction:    tx,
	})
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.ID, err)
	}

	msgID := uuid.NewSHA1(outboundNamespace, []byte(tx.ID)).String()
	_, err = op.js.Publish(ctx, TransactionSubject(tx), data, jetstream.WithMsgID(msgID))
	return err
}

// TransactionSubject is the outbound subject of tx. Market ids may contain
// subject separators, which are replaced.
func TransactionSubject(tx *ledger.Transaction) string {
	return fmt.Sprintf("defi.ledger.transactions.%s.%s", tx.Type, subjectToken(tx.Market))
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// EnsureOutboundStream creates the outbound transactions stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamLedgerEvents,
		Subjects:   []string{"defi.ledger.transactions.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamLedgerEvents).Msg("ensured outbound stream")
	return nil
}
