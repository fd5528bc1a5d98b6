package projection

import (
	"LotLedger/internal/core"
	"LotLedger/internal/observability"
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink consumes applied core outputs off the projection channel
type Sink interface {
	Name() string
	Apply(ctx context.Context, out core.CoreOutput) error
}

// ProjectionWorker fans projection-channel outputs out to its sinks. The core
// sends on that channel without blocking and drops when it is full, so sinks
// are eventually consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(
	inputChan <-chan core.CoreOutput,
	sinks []Sink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	pw := &ProjectionWorker{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		logger:    logger,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.apply(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	if last := pw.lastSeq.Load(); last >= 0 && seq > last+1 && pw.metrics != nil {
		// Outputs were dropped upstream
		pw.metrics.ProjectionDrops.WithLabelValues("gap").Add(float64(seq - last - 1))
	}

	for _, sink := range pw.sinks {
		if err := sink.Apply(ctx, output); err != nil {
			pw.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Int64("sequence", seq).
				Msg("projection update failed")
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues(sink.Name()).Inc()
			}
		}
	}
	pw.lastSeq.Store(seq)
}

// LastSequence returns the last sequence handed to the sinks, or -1
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}
