package core

// SequenceStatus classifies a source sequence against what a partition has seen
type SequenceStatus int

const (
	SequenceInOrder SequenceStatus = iota
	SequenceGap
	SequenceRegressed
	SequenceUnsequenced
)

// SequenceValidator tracks the highest source sequence applied per partition.
// The source is authoritative: gaps are counted, regressions are surfaced as
// warnings, and neither blocks the event.
// Not thread-safe: only the deterministic core goroutine touches it.
type SequenceValidator struct {
	lastApplied map[string]int64 // partition -> highest applied source sequence
	metrics     *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastApplied: make(map[string]int64),
		metrics:     NewSequenceMetrics(),
	}
}

// Check classifies sourceSequence without recording it. Sequences <= 0 mean
// the source did not provide one and are never validated.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) (SequenceStatus, int64) {
	if sourceSequence <= 0 {
		return SequenceUnsequenced, 0
	}

	last, seen := sv.lastApplied[partition]
	if !seen {
		return SequenceInOrder, 0
	}

	switch {
	case sourceSequence <= last:
		sv.metrics.RecordOutOfOrder(partition)
		return SequenceRegressed, last
	case sourceSequence > last+1:
		sv.metrics.RecordGap(partition)
		return SequenceGap, last
	default:
		return SequenceInOrder, last
	}
}

// Advance records an applied event. The high-water mark never moves backwards.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence <= 0 {
		return
	}
	if last, seen := sv.lastApplied[partition]; !seen || sourceSequence > last {
		sv.lastApplied[partition] = sourceSequence
	}
}

// LastApplied returns the highest applied sequence for a partition
func (sv *SequenceValidator) LastApplied(partition string) (int64, bool) {
	seq, ok := sv.lastApplied[partition]
	return seq, ok
}

// RestorePartition initializes a partition high-water mark (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.lastApplied[partition] = seq
}

// GetAllPartitions returns a copy of every partition high-water mark
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.lastApplied))
	for k, v := range sv.lastApplied {
		out[k] = v
	}
	return out
}

// Metrics returns the validator counters
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe: only the deterministic core goroutine touches it.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
