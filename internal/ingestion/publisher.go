package ingestion

import (
	"LotLedger/internal/core"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// OutboundStream holds applied-event notifications for downstream consumers
const (
	OutboundStream        = "LOTLEDGER_EVENTS"
	OutboundSubjectPrefix = "lotledger.events"

	// EventTypeHeader carries the event type on Kafka messages
	EventTypeHeader = "event-type"
)

// Message is one transport-neutral outbound message
type Message struct {
	Subject   string // NATS subject; informational on Kafka
	Key       string // Kafka partition key
	EventType string
	Data      []byte
}

// MessageWriter delivers messages to a broker
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// NATSWriter publishes to JetStream
type NATSWriter struct {
	js jetstream.JetStream
}

func NewNATSWriter(js jetstream.JetStream) *NATSWriter {
	return &NATSWriter{js: js}
}

func (w *NATSWriter) WriteMessage(ctx context.Context, msg Message) error {
	_, err := w.js.Publish(ctx, msg.Subject, msg.Data)
	return err
}

func (w *NATSWriter) Close() error {
	return nil
}

// KafkaWriter produces to a single topic. Messages are keyed so that every
// partition key maps to one Kafka partition.
type KafkaWriter struct {
	w *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	return &KafkaWriter{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (w *KafkaWriter) WriteMessage(ctx context.Context, msg Message) error {
	return w.w.WriteMessages(ctx, KafkaMessage(msg))
}

func (w *KafkaWriter) Close() error {
	return w.w.Close()
}

// KafkaMessage converts a Message into its Kafka form
func KafkaMessage(msg Message) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Data,
		Headers: []kafka.Header{
			{Key: EventTypeHeader, Value: []byte(msg.EventType)},
		},
	}
}

// AppliedEvent is the outbound notification for one applied event
type AppliedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	PartitionKey   string          `json:"partition_key"`
	SourceSequence int64           `json:"source_sequence"`
	TimestampUs    int64           `json:"timestamp_us"`
	StateHash      string          `json:"state_hash"`
	Event          json.RawMessage `json:"event"`

	RealizedPnLUSD    *decimal.Decimal `json:"realized_pnl_usd,omitempty"`
	CostBasisConsumed *decimal.Decimal `json:"cost_basis_consumed,omitempty"`
	Settlement        *SettlementJSON  `json:"settlement,omitempty"`
	Warnings          []WarningJSON    `json:"warnings,omitempty"`
}

type SettlementJSON struct {
	PoolID      string           `json:"pool_id"`
	TargetAsset string           `json:"target_asset"`
	Applied     bool             `json:"applied"`
	Unallocated decimal.Decimal  `json:"unallocated"`
	Allocations []AllocationJSON `json:"allocations,omitempty"`
}

type AllocationJSON struct {
	Holder    string          `json:"holder"`
	Allocated decimal.Decimal `json:"allocated"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	LotIndex  int64           `json:"lot_index"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type WarningJSON struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Unmatched decimal.Decimal `json:"unmatched"`
	Detail    string          `json:"detail,omitempty"`
}

// BuildAppliedEvent renders a core output as an outbound notification
func BuildAppliedEvent(out core.CoreOutput) (AppliedEvent, error) {
	env := out.Envelope
	payload, err := EncodeEvent(out.Event)
	if err != nil {
		return AppliedEvent{}, err
	}

	applied := AppliedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PartitionKey:   env.PartitionKey,
		SourceSequence: env.SourceSequence,
		TimestampUs:    env.Timestamp.UnixMicro(),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Event:          payload,
	}

	if out.Disposal != nil {
		realized := out.Disposal.RealizedPnLUSD
		consumed := out.Disposal.CostBasisConsumed
		applied.RealizedPnLUSD = &realized
		applied.CostBasisConsumed = &consumed
	}
	if s := out.Settlement; s != nil {
		sj := &SettlementJSON{
			PoolID:      s.PoolID,
			TargetAsset: s.TargetAsset,
			Applied:     s.Applied,
			Unallocated: s.Unallocated,
		}
		for _, a := range s.Allocations {
			sj.Allocations = append(sj.Allocations, AllocationJSON{
				Holder: a.Holder, Allocated: a.Allocated, CostUSD: a.CostUSD,
				LotIndex: a.LotIndex, Duplicate: a.Duplicate,
			})
		}
		applied.Settlement = sj
	}
	for _, w := range out.Warnings {
		applied.Warnings = append(applied.Warnings, warningJSON(w))
	}
	return applied, nil
}

func warningJSON(w state.Warning) WarningJSON {
	return WarningJSON{Kind: w.Kind.String(), Key: w.Key, Unmatched: w.Unmatched, Detail: w.Detail}
}

// OutboundSubject returns lotledger.events.<type>
func OutboundSubject(eventType string) string {
	return OutboundSubjectPrefix + "." + strings.ToLower(eventType)
}

// OutboundPublisher announces applied events to downstream consumers. It runs
// as a projection sink: failures are logged and counted, never retried, since
// the event log remains the source of truth.
type OutboundPublisher struct {
	writer  MessageWriter
	name    string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(writer MessageWriter, name string, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		writer:  writer,
		name:    name,
		metrics: metrics,
		logger:  logger,
	}
}

func (op *OutboundPublisher) Name() string {
	return op.name
}

// Apply publishes one core output
func (op *OutboundPublisher) Apply(ctx context.Context, out core.CoreOutput) error {
	applied, err := BuildAppliedEvent(out)
	if err != nil {
		return fmt.Errorf("build applied event %d: %w", out.Envelope.Sequence, err)
	}
	data, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("marshal applied event %d: %w", applied.Sequence, err)
	}

	err = op.writer.WriteMessage(ctx, Message{
		Subject:   OutboundSubject(applied.EventType),
		Key:       applied.PartitionKey,
		EventType: applied.EventType,
		Data:      data,
	})
	if err != nil {
		if op.metrics != nil {
			op.metrics.PublishErrors.WithLabelValues(op.name).Inc()
		}
		return fmt.Errorf("publish %d: %w", applied.Sequence, err)
	}
	return nil
}

func (op *OutboundPublisher) Close() error {
	return op.writer.Close()
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
