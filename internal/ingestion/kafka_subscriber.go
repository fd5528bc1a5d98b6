package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrMissingEventType is returned for Kafka messages without an event-type header
var ErrMissingEventType = errors.New("missing event-type header")

// KafkaConfig configures the consumer-group reader
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSubscriber reads the inbound topic with a consumer group and feeds
// events into the ingestion loop. Offsets are committed only when the event
// is acknowledged, so a crash redelivers everything after the last ack.
type KafkaSubscriber struct {
	reader    *kafka.Reader
	eventChan chan<- RawEvent
	logger    zerolog.Logger
}

func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
}

func NewKafkaSubscriber(reader *kafka.Reader, eventChan chan<- RawEvent, logger zerolog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader:    reader,
		eventChan: eventChan,
		logger:    logger,
	}
}

// EventTypeFromHeaders returns the value of the event-type header
func EventTypeFromHeaders(headers []kafka.Header) (string, error) {
	for _, h := range headers {
		if h.Key == EventTypeHeader {
			if len(h.Value) == 0 {
				break
			}
			return string(h.Value), nil
		}
	}
	return "", ErrMissingEventType
}

// RawEventFromKafka converts a fetched message. commit is invoked on Ack and
// Term. Kafka has no per-message negative ack, so Nak leaves the offset
// uncommitted and the message comes back after a restart or rebalance.
func RawEventFromKafka(msg kafka.Message, commit func()) (RawEvent, error) {
	eventType, err := EventTypeFromHeaders(msg.Headers)
	if err != nil {
		return RawEvent{}, fmt.Errorf("topic %s partition %d offset %d: %w",
			msg.Topic, msg.Partition, msg.Offset, err)
	}

	return RawEvent{
		Subject:   msg.Topic,
		EventType: eventType,
		Key:       string(msg.Key),
		Data:      msg.Value,
		Timestamp: msg.Time,
		AckFunc:   commit,
		TermFunc:  commit,
	}, nil
}

// Run fetches messages until ctx is cancelled.
func (ks *KafkaSubscriber) Run(ctx context.Context) error {
	ks.logger.Info().
		Str("topic", ks.reader.Config().Topic).
		Str("group_id", ks.reader.Config().GroupID).
		Msg("kafka subscriber started")

	for {
		msg, err := ks.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ks.logger.Error().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		commit := ks.committer(msg)
		raw, err := RawEventFromKafka(msg, commit)
		if err != nil {
			ks.logger.Warn().Err(err).Msg("skipping unroutable message")
			commit()
			continue
		}

		select {
		case ks.eventChan <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ks *KafkaSubscriber) committer(msg kafka.Message) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ks.reader.CommitMessages(ctx, msg); err != nil {
			ks.logger.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka commit failed")
		}
	}
}

func (ks *KafkaSubscriber) Close() error {
	return ks.reader.Close()
}
