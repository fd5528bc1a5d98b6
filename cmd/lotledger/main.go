package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LotLedger/internal/config"
	"LotLedger/internal/core"
	"LotLedger/internal/ingestion"
	"LotLedger/internal/observability"
	"LotLedger/internal/persistence"
	"LotLedger/internal/projection"
	"LotLedger/internal/query"
	"LotLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOTLEDGER_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel(cfg.ServiceName, observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("lotledger exited")
	}
	logger.Info().Msg("lotledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("source", cfg.Source.Kind).Msg("lotledger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.AddProbe("postgres", db.PingContext)

	if err := persistence.Migrate(db, persistence.DirectionUp, logger.With().Str("component", "migrate").Logger()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// --- Recovery: snapshot + replay, with outputs detached ---
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	coreLogger := logger.With().Str("component", "core").Logger()

	deterministicCore, err := recoverCore(ctx, cfg, snapMgr, dbChecker, metrics, coreLogger)
	if err != nil {
		return err
	}

	// --- Redis read cache ---
	redisClient, err := query.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()
	healthChecker.AddProbe("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	cache := query.NewCachedReader(query.NewQueryService(db), redisClient, cfg.Redis.TTL, metrics,
		logger.With().Str("component", "cache").Logger())

	// --- Transport ---
	rawEvents := make(chan ingestion.RawEvent, cfg.Channels.Persist)
	source, outbound, err := openTransport(ctx, cfg, rawEvents, healthChecker, logger)
	if err != nil {
		return err
	}
	defer source.close()

	// --- Channels ---
	// persist blocks (backpressure), projection drops when full
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	deterministicCore.SetOutputChannels(persistChan, projectionChan)
	deterministicCore.SetDBChecker(dbChecker)

	// Workers outlive ctx so they can drain after the core stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout,
		cache, metrics, logger.With().Str("component", "persistence").Logger())
	publisher := ingestion.NewOutboundPublisher(outbound, cfg.Source.Kind, metrics,
		logger.With().Str("component", "publisher").Logger())
	defer publisher.Close()
	projWorker := projection.NewProjectionWorker(projectionChan,
		[]projection.Sink{projection.NewHistorySink(db), publisher},
		metrics, logger.With().Str("component", "projection").Logger())

	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(workerCtx) }()
	projDone := make(chan error, 1)
	go func() { projDone <- projWorker.Run(workerCtx) }()

	snapshots := newSnapshotter(snapMgr, metrics, logger.With().Str("component", "snapshot").Logger())
	snapshotDone := make(chan struct{})
	go func() {
		snapshots.run(workerCtx)
		close(snapshotDone)
	}()

	errChan := make(chan error, 4)
	go func() {
		if err := source.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("source: %w", err)
		}
	}()

	// --- Ops surfaces ---
	opsServer := &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           observability.NewOpsRouter(healthChecker, prometheus.DefaultGatherer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTP.MetricsAddr).Msg("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, healthChecker, logger.With().Str("component", "grpc").Logger())
	go func() {
		if err := grpcServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("grpc: %w", err)
		}
	}()

	go reportChannels(ctx, metrics, persistChan, projectionChan)

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPC.Addr).
		Str("ops", cfg.HTTP.MetricsAddr).
		Msg("lotledger ready")

	coreCtx, cancelCore := context.WithCancel(ctx)
	defer cancelCore()
	go func() {
		select {
		case err := <-errChan:
			logger.Error().Err(err).Msg("component failed, shutting down")
			cancelCore()
		case <-coreCtx.Done():
		}
	}()

	runCoreLoop(coreCtx, deterministicCore, rawEvents, snapshots, cfg.Snapshot.Interval, metrics, coreLogger)

	// --- Graceful shutdown: stop intake, drain workers, final snapshot ---
	healthChecker.SetReady(false)
	source.stop()
	final := deterministicCore.CreateSnapshotState()

	close(persistChan)
	close(projectionChan)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	waitWorker(shutdownCtx, "persistence", persistDone, logger)
	waitWorker(shutdownCtx, "projection", projDone, logger)

	if cfg.Snapshot.Interval > 0 {
		snapshots.submit(final)
	}
	snapshots.close()
	select {
	case <-snapshotDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("final snapshot did not finish before shutdown deadline")
	}
	cancelWorkers()

	_ = opsServer.Shutdown(shutdownCtx)
	return nil
}

// recoverCore restores the newest verified snapshot and replays the log
// after it. Output channels stay detached until the caller attaches them, so
// replayed events are not persisted twice.
func recoverCore(
	ctx context.Context,
	cfg *config.Config,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*core.DeterministicCore, error) {
	start := time.Now()
	c := core.NewDeterministicCore(0, cfg.Core(), nil, nil, nil, metrics, logger)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	from := int64(0)
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap.State); err != nil {
			return nil, err
		}
		from = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Str("snapshot_id", snap.SnapshotID.String()).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, cold start from sequence 0")
	}

	replayed, err := snapMgr.Replay(ctx, c, from, 1000)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())

	// A snapshot without LRU contents leaves the Postgres tier doing every
	// lookup; pull the newest keys instead.
	if snap == nil || len(snap.State.IdempotencyKeys) == 0 {
		keys, err := dbChecker.RecentKeys(ctx, cfg.Engine.IdempotencyLRUCapacity)
		if err != nil {
			return nil, fmt.Errorf("warm idempotency cache: %w", err)
		}
		c.WarmLRU(keys)
	}

	logger.Info().
		Int("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return c, nil
}

// runCoreLoop is the only goroutine that touches the core.
func runCoreLoop(
	ctx context.Context,
	c *core.DeterministicCore,
	rawEvents <-chan ingestion.RawEvent,
	snapshots *snapshotter,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	sinceSnapshot := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-rawEvents:
			evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed event")
				raw.Term()
				continue
			}

			res, err := c.ProcessEvent(evt)
			if err != nil {
				// Business rejections are final; redelivery would be rejected again.
				raw.Ack()
				continue
			}
			raw.Ack()
			if !raw.Timestamp.IsZero() {
				metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(raw.Timestamp).Seconds())
			}

			if res.Duplicate || interval <= 0 {
				continue
			}
			sinceSnapshot++
			if sinceSnapshot >= interval {
				snapshots.submit(c.CreateSnapshotState())
				sinceSnapshot = 0
			}
		}
	}
}

func waitWorker(ctx context.Context, name string, done <-chan error, logger zerolog.Logger) {
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("worker", name).Msg("worker stopped with error")
		}
	case <-ctx.Done():
		logger.Warn().Str("worker", name).Msg("worker did not drain before shutdown deadline")
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, projection chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(projection), cap(projection))
		}
	}
}

// natsProbe reports the connection state for readiness.
func natsProbe(nc *nats.Conn) observability.ReadinessProbe {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}
