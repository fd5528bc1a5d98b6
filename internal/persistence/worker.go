package persistence

import (
	"LotLedger/internal/core"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CacheInvalidator drops cached read models after their rows change
type CacheInvalidator interface {
	InvalidatePositions(ctx context.Context, keys []state.PositionKey) error
	InvalidatePools(ctx context.Context, poolIDs []string) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with a blocking send, so when this
// worker falls behind the core stalls rather than losing output.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *LedgerWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	cache        CacheInvalidator
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	cache CacheInvalidator,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewLedgerWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		cache:        cache,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := NewBatch(pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if batch.Len() > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.Len() > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
					}
				}
				return nil
			}

			if err := batch.Add(output); err != nil {
				// Only an unencodable event lands here; nothing a retry can fix
				pw.logger.Error().Err(err).Msg("dropping unencodable output")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}

			if batch.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed")
				}
				batch.Reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed")
				}
				batch.Reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *Batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", batch.Len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Int64("last_sequence", batch.LastSequence()).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	counts, err := pw.writer.WriteBatch(ctx, tx, batch)
	if err != nil {
		pw.recordError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		if !batch.openedAt.IsZero() {
			pw.metrics.ApplyToPersist.Observe(time.Since(batch.openedAt).Seconds())
		}
		pw.metrics.PersistBatchSize.Observe(float64(batch.Len()))
		pw.metrics.PersistEventsWritten.Add(float64(batch.Len()))
		for table, n := range counts {
			pw.metrics.PersistRowsWritten.WithLabelValues(table).Add(float64(n))
		}
		pw.metrics.PersistLastSequence.Set(float64(batch.LastSequence()))
	}

	pw.invalidate(ctx, batch)
	return nil
}

// invalidate is best effort: entries expire by TTL if Redis is unreachable
func (pw *PersistenceWorker) invalidate(ctx context.Context, batch *Batch) {
	if pw.cache == nil {
		return
	}
	positions := batch.TouchedPositions()
	pools := batch.TouchedPools()

	if err := pw.cache.InvalidatePositions(ctx, positions); err != nil {
		pw.logger.Warn().Err(err).Int("keys", len(positions)).Msg("position cache invalidation failed")
	}
	if err := pw.cache.InvalidatePools(ctx, pools); err != nil {
		pw.logger.Warn().Err(err).Int("keys", len(pools)).Msg("pool cache invalidation failed")
	}
	if pw.metrics != nil {
		pw.metrics.CacheInvalidations.Add(float64(len(positions) + len(pools)))
	}
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
