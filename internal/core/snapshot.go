package core

import (
	"LotLedger/internal/state"
	"fmt"
)

// SnapshotState is a point-in-time copy of everything the core needs to resume
type SnapshotState struct {
	Sequence      int64
	StateHash     [32]byte
	Positions     []state.Position
	Lots          []state.AcquisitionLot
	Pools         []state.PoolTotals
	Contributions []state.HolderContribution

	// SequenceState maps partition key to the highest applied source sequence
	SequenceState map[string]int64

	// IdempotencyKeys lists LRU entries from least to most recently used
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state. Must be called on the core goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	positions := c.book.Positions.GetAllPositions()

	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Positions:       copyPositions(positions),
		Lots:            copyLots(c.book.Lots.AllLots(positions)),
		Pools:           copyPools(c.book.Pools.GetAllPools()),
		Contributions:   copyContributions(c.book.AllContributions()),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.LRU().Keys(),
	}
}

// RestoreFromSnapshot installs a snapshot into a freshly constructed core
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if c.book.Positions.Count() != 0 || c.book.Lots.Count() != 0 {
		return fmt.Errorf("restore snapshot at sequence %d: core already holds state", snap.Sequence)
	}

	positions := make([]*state.Position, len(snap.Positions))
	for i := range snap.Positions {
		p := snap.Positions[i]
		positions[i] = &p
	}
	lots := make([]*state.AcquisitionLot, len(snap.Lots))
	for i := range snap.Lots {
		l := snap.Lots[i]
		lots[i] = &l
	}
	pools := make([]*state.PoolTotals, len(snap.Pools))
	for i := range snap.Pools {
		p := snap.Pools[i]
		pools[i] = &p
	}
	contributions := make([]*state.HolderContribution, len(snap.Contributions))
	for i := range snap.Contributions {
		ct := snap.Contributions[i]
		contributions[i] = &ct
	}

	if err := c.book.Restore(positions, lots, pools, contributions); err != nil {
		return fmt.Errorf("restore snapshot at sequence %d: %w", snap.Sequence, err)
	}

	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, seq)
	}
	c.idempotency.LRU().WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("lots", len(snap.Lots)).
		Int("pools", len(snap.Pools)).
		Msg("state restored from snapshot")
	return nil
}

// SetDBChecker attaches the Postgres idempotency tier, typically after replay
func (c *DeterministicCore) SetDBChecker(checker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(checker)
}

// WarmLRU preloads idempotency keys already in "eventType:key" form
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.LRU().WarmFromKeys(keys)
}

// GetSequence returns the next sequence the core will assign
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the hash of the last applied event
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Book exposes the underlying state for read-only inspection in tests and tools
func (c *DeterministicCore) Book() *state.Book {
	return c.book
}

// SetOutputChannels attaches the persistence and projection channels. Replay
// runs with both detached so replayed events are not written twice.
func (c *DeterministicCore) SetOutputChannels(persistChan, projectionChan chan<- CoreOutput) {
	c.persistChan = persistChan
	c.projectionChan = projectionChan
}
