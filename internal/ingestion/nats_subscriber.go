package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawEvent is the received-but-untyped event from a transport, ready for the
// shell to parse into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string // NATS subject or Kafka topic
	EventType string
	Key       string // Kafka message key / partition key, if any
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call after successful processing (or a business rejection)
	NakFunc   func() // Call on a transient failure (will be redelivered)
	TermFunc  func() // Call on a malformed payload (never redelivered)
}

// Ack, Nak and Term are nil-safe wrappers around the transport callbacks.
func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) Term() {
	if r.TermFunc != nil {
		r.TermFunc()
		return
	}
	r.Ack()
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject    string
	EventType  string
	StreamName string
}

const (
	StreamLots  = "LOTS"
	StreamPools = "POOLS"
)

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lots.acquisitions.>", EventType: "Acquisition", StreamName: StreamLots},
		{Subject: "lots.disposals.>", EventType: "Disposal", StreamName: StreamLots},
		{Subject: "pools.contributions.>", EventType: "Contribution", StreamName: StreamPools},
		{Subject: "pools.withdrawals.>", EventType: "Withdrawal", StreamName: StreamPools},
		{Subject: "pools.settlements.>", EventType: "PoolSettlementTrigger", StreamName: StreamPools},
	}
}

// SubjectFor returns the publish subject for an event type and partition token,
// e.g. lots.acquisitions.ETH for an acquisition of ETH.
func SubjectFor(eventType, token string) (string, error) {
	for _, cfg := range DefaultSubjects() {
		if cfg.EventType == eventType {
			return cfg.Subject[:len(cfg.Subject)-1] + sanitizeToken(token), nil
		}
	}
	return "", fmt.Errorf("no subject for event type %q", eventType)
}

// sanitizeToken keeps a subject token free of NATS separators and wildcards.
func sanitizeToken(token string) string {
	if token == "" {
		return "_"
	}
	out := []byte(token)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the ingestion loop via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// EventTypeForSubject resolves the event type of a concrete subject.
func EventTypeForSubject(subjects []SubjectConfig, subject string) (string, bool) {
	for _, cfg := range subjects {
		prefix := cfg.Subject[:len(cfg.Subject)-1]
		if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
			return cfg.EventType, true
		}
	}
	return "", false
}

// Subscribe creates one JetStream consumer per stream covering all of that
// stream's subjects, so acquisitions and disposals of a holder arrive in the
// order they were published. Consumers use explicit ACK, max_deliver=5,
// ack_wait=30s and a single in-flight message.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	byStream := make(map[string][]string)
	var streams []string
	for _, cfg := range subjects {
		if _, ok := byStream[cfg.StreamName]; !ok {
			streams = append(streams, cfg.StreamName)
		}
		byStream[cfg.StreamName] = append(byStream[cfg.StreamName], cfg.Subject)
	}

	for _, stream := range streams {
		consumerName := "lotledger-" + strings.ToLower(stream)
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
			Durable:        consumerName,
			FilterSubjects: byStream[stream],
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			MaxAckPending:  1,
			DeliverPolicy:  jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", consumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			eventType, ok := EventTypeForSubject(subjects, msg.Subject())
			if !ok {
				ns.logger.Warn().Str("subject", msg.Subject()).Msg("no event type for subject, terminating")
				msg.Term()
				return
			}

			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", consumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Strs("subjects", byStream[stream]).
			Str("consumer", consumerName).
			Msg("subscribed")
	}

	return nil
}

// StreamConfigs returns the inbound JetStream streams.
func StreamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:      StreamLots,
			Subjects:  []string{"lots.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamPools,
			Subjects:  []string{"pools.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, cfg := range StreamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lotledger"),
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
