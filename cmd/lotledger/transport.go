package main

import (
	"context"
	"fmt"

	"LotLedger/internal/config"
	"LotLedger/internal/ingestion"
	"LotLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// eventSource is the inbound half of a transport.
type eventSource struct {
	run   func(ctx context.Context) error
	stop  func()
	close func()
}

// openTransport connects the configured broker and returns the inbound source
// plus the writer used for outbound applied events.
func openTransport(
	ctx context.Context,
	cfg *config.Config,
	rawEvents chan<- ingestion.RawEvent,
	health *observability.HealthChecker,
	logger zerolog.Logger,
) (*eventSource, ingestion.MessageWriter, error) {
	switch cfg.Source.Kind {
	case "nats":
		return openNATS(ctx, cfg, rawEvents, health, logger.With().Str("component", "nats").Logger())
	case "kafka":
		return openKafka(cfg, rawEvents, logger.With().Str("component", "kafka").Logger())
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func openNATS(
	ctx context.Context,
	cfg *config.Config,
	rawEvents chan<- ingestion.RawEvent,
	health *observability.HealthChecker,
	logger zerolog.Logger,
) (*eventSource, ingestion.MessageWriter, error) {
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	health.AddProbe("nats", natsProbe(nc))

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, nil, err
	}

	subscriber := ingestion.NewNATSSubscriber(js, rawEvents, logger)
	source := &eventSource{
		run: func(ctx context.Context) error {
			if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
		stop:  subscriber.Stop,
		close: func() { drainNATS(nc, logger) },
	}
	return source, ingestion.NewNATSWriter(js), nil
}

func openKafka(
	cfg *config.Config,
	rawEvents chan<- ingestion.RawEvent,
	logger zerolog.Logger,
) (*eventSource, ingestion.MessageWriter, error) {
	reader := ingestion.NewKafkaReader(ingestion.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	})
	subscriber := ingestion.NewKafkaSubscriber(reader, rawEvents, logger)

	source := &eventSource{
		run:  subscriber.Run,
		stop: func() {},
		close: func() {
			if err := subscriber.Close(); err != nil {
				logger.Warn().Err(err).Msg("kafka reader close")
			}
		},
	}
	return source, ingestion.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.OutboundTopic), nil
}

func drainNATS(nc *nats.Conn, logger zerolog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn().Err(err).Msg("nats drain")
		nc.Close()
	}
}
