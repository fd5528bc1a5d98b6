package main

import (
	"context"
	"errors"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/observability"
	"LotLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// snapshotter saves snapshots captured on the core goroutine and promotes
// them to verified once the event log has caught up.
type snapshotter struct {
	mgr         *persistence.SnapshotManager
	in          chan *core.SnapshotState
	verifyEvery time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func newSnapshotter(mgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		mgr:         mgr,
		in:          make(chan *core.SnapshotState, 1),
		verifyEvery: 500 * time.Millisecond,
		metrics:     metrics,
		logger:      logger,
	}
}

// submit hands a snapshot over without blocking the core. While one is still
// being written, newer ones are skipped.
func (s *snapshotter) submit(snap *core.SnapshotState) {
	select {
	case s.in <- snap:
	default:
		s.logger.Debug().Int64("sequence", snap.Sequence).Msg("snapshot in progress, skipping")
	}
}

func (s *snapshotter) close() {
	close(s.in)
}

func (s *snapshotter) run(ctx context.Context) {
	for snap := range s.in {
		if err := s.take(ctx, snap); err != nil {
			s.logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
		}
	}
}

func (s *snapshotter) take(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	data, size, err := s.mgr.SaveSnapshot(ctx, snap, start.UTC())
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.verifyEvery)
	defer ticker.Stop()
	for {
		verified, err := s.mgr.VerifySnapshot(ctx, data.Sequence)
		if errors.Is(err, persistence.ErrHashMismatch) {
			return err
		}
		if err != nil {
			s.logger.Warn().Err(err).Int64("sequence", data.Sequence).Msg("snapshot verification failed, retrying")
		}
		if verified {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.metrics.SnapshotTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotSizeBytes.Set(float64(size))
	s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	s.logger.Info().
		Int64("sequence", data.Sequence).
		Str("snapshot_id", data.SnapshotID.String()).
		Int("size_bytes", size).
		Msg("snapshot verified")
	return nil
}
