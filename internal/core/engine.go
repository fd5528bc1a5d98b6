package core

import (
	"LotLedger/internal/event"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config carries the tunables of the deterministic core
type Config struct {
	MaxLotScan          int
	SettlementCostRatio decimal.Decimal
	IdempotencyCapacity int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxLotScan:          state.DefaultMaxLotScan,
		SettlementCostRatio: state.DefaultSettlementCostRatio,
		IdempotencyCapacity: 1_000_000,
	}
}

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	book              *state.Book
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// LRU evictions already exported to metrics
	reportedEvictions int64
}

// CoreOutput is an immutable record of one applied event and every entity it
// changed. Entities are value copies; consumers may read them from any goroutine.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event

	Positions     []state.Position
	Lots          []state.AcquisitionLot
	Pools         []state.PoolTotals
	Contributions []state.HolderContribution

	Disposal   *state.DisposalResult
	Settlement *state.SettlementResult
	Warnings   []state.Warning

	StateDelta []byte
}

// ApplyResult is what the caller of ProcessEvent learns about one event
type ApplyResult struct {
	Sequence  int64
	Duplicate bool
	StateHash [32]byte

	// LotIndex is the created lot for acquisitions, -1 otherwise
	LotIndex   int64
	Disposal   *state.DisposalResult
	Settlement *state.SettlementResult
	Warnings   []state.Warning
}

func NewDeterministicCore(
	startSequence int64,
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig().IdempotencyCapacity
	}

	idempotency := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker)
	if metrics != nil {
		idempotency.ObserveTier2(func(d time.Duration) {
			metrics.DedupTier2Duration.Observe(d.Seconds())
		})
	}

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		book:              state.NewBook(cfg.MaxLotScan, cfg.SettlementCostRatio),
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// changeSet collects the entities touched by one event
type changeSet struct {
	positions     []*state.Position
	lots          []*state.AcquisitionLot
	pools         []*state.PoolTotals
	contributions []*state.HolderContribution

	lotIndex   int64
	disposal   *state.DisposalResult
	settlement *state.SettlementResult
	warnings   []state.Warning
}

// ProcessEvent applies one event: dedup, ordering check, dispatch, state hash,
// then emit to persistence (blocking) and projections (non-blocking).
//
// A returned error rejects this event only; the state is untouched and the
// caller moves on to the next event.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*ApplyResult, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if tier := c.idempotency.Check(eventType, idempotencyKey); tier != TierNone {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, string(tier)).Inc()
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		c.logger.Debug().
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("tier", string(tier)).
			Msg("duplicate event skipped")
		return &ApplyResult{Sequence: -1, Duplicate: true, LotIndex: -1}, nil
	}

	// Step 2: Sequence check. The source is authoritative, so a regression
	// only produces a warning.
	partition := evt.PartitionKey()
	sourceSequence := evt.SourceSequence()
	status, last := c.sequenceValidator.Check(partition, sourceSequence)

	// Step 3: Dispatch
	changes, err := c.dispatchEvent(evt)
	if err != nil {
		c.recordRejection(eventType, err)
		return nil, fmt.Errorf("%s rejected: %w", eventType, err)
	}

	switch status {
	case SequenceRegressed:
		changes.warnings = append([]state.Warning{{
			Kind:   state.WarningOutOfOrder,
			Key:    partition,
			Detail: fmt.Sprintf("source sequence %d after %d", sourceSequence, last),
		}}, changes.warnings...)
		if c.metrics != nil {
			c.metrics.EventOutOfOrder.WithLabelValues(observability.PartitionKind(partition)).Inc()
		}
	case SequenceGap:
		if c.metrics != nil {
			c.metrics.EventSequenceGap.WithLabelValues(observability.PartitionKind(partition)).Inc()
		}
	}
	c.sequenceValidator.Advance(partition, sourceSequence)

	// Step 4: State digest + hash
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(changes)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PartitionKey:   partition,
		Timestamp:      evt.EventTime(),
		SourceSequence: sourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:      envelope,
		Event:         evt,
		Positions:     copyPositions(changes.positions),
		Lots:          copyLots(changes.lots),
		Pools:         copyPools(changes.pools),
		Contributions: copyContributions(changes.contributions),
		Disposal:      changes.disposal,
		Settlement:    changes.settlement,
		Warnings:      changes.warnings,
		StateDelta:    stateDigest,
	}

	result := &ApplyResult{
		Sequence:   c.sequence,
		StateHash:  stateHash,
		LotIndex:   changes.lotIndex,
		Disposal:   changes.disposal,
		Settlement: changes.settlement,
		Warnings:   changes.warnings,
	}

	c.sequence++

	// Step 5: Emit outputs.
	// Persistence: blocking send, the core stalls until the worker drains.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	// Projections: non-blocking send, dropped when full.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 6: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.logWarnings(envelope, changes.warnings)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.LRU().Size()))
		if ev := c.idempotency.LRU().Evictions(); ev > c.reportedEvictions {
			c.metrics.DedupLRUEvictions.Add(float64(ev - c.reportedEvictions))
			c.reportedEvictions = ev
		}
	}

	return result, nil
}

func (c *DeterministicCore) recordRejection(eventType string, err error) {
	reason := rejectionReason(err)
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
	c.logger.Warn().
		Err(err).
		Str("event_type", eventType).
		Str("reason", reason).
		Msg("event rejected")
}

// rejectionReason maps an error to a bounded metric label
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, state.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, state.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, state.ErrPoolAlreadySettled):
		return "pool_settled"
	default:
		return "other"
	}
}

func (c *DeterministicCore) logWarnings(env *event.EventEnvelope, warnings []state.Warning) {
	for _, w := range warnings {
		if c.metrics != nil {
			c.metrics.CoreWarnings.WithLabelValues(w.Kind.String()).Inc()
		}
		c.logger.Warn().
			Int64("sequence", env.Sequence).
			Str("event_type", env.EventType.String()).
			Str("kind", w.Kind.String()).
			Str("key", w.Key).
			Str("unmatched", w.Unmatched.String()).
			Msg(w.Detail)
	}
}

// computeStateDigest creates canonical bytes for the state hash. Entities are
// sorted so that the digest depends only on the resulting state.
func (c *DeterministicCore) computeStateDigest(changes *changeSet) []byte {
	var b digestBuilder

	sort.Slice(changes.positions, func(i, j int) bool {
		return lessPositionKey(changes.positions[i].Key(), changes.positions[j].Key())
	})
	for _, p := range changes.positions {
		b.add(digestTagPosition, p.CanonicalBytes())
	}

	sort.Slice(changes.lots, func(i, j int) bool {
		ki := state.PositionKey{Asset: changes.lots[i].Asset, Holder: changes.lots[i].Holder}
		kj := state.PositionKey{Asset: changes.lots[j].Asset, Holder: changes.lots[j].Holder}
		if ki != kj {
			return lessPositionKey(ki, kj)
		}
		return changes.lots[i].LotIndex < changes.lots[j].LotIndex
	})
	for _, l := range changes.lots {
		b.add(digestTagLot, l.CanonicalBytes())
	}

	for _, p := range changes.pools {
		b.add(digestTagPool, p.CanonicalBytes())
	}

	sort.Slice(changes.contributions, func(i, j int) bool {
		ci, cj := changes.contributions[i], changes.contributions[j]
		if ci.PoolID != cj.PoolID {
			return ci.PoolID < cj.PoolID
		}
		return ci.Holder < cj.Holder
	})
	for _, ct := range changes.contributions {
		b.add(digestTagContribution, ct.CanonicalBytes())
	}

	return b.bytes()
}

func lessPositionKey(a, b state.PositionKey) bool {
	if a.Asset != b.Asset {
		return a.Asset < b.Asset
	}
	return a.Holder < b.Holder
}

// --- Event handlers ---

func (c *DeterministicCore) handleAcquisition(evt *event.Acquisition) (*changeSet, error) {
	pos, index, warnings, err := c.book.Acquire(
		evt.Asset, evt.Holder, evt.Amount, evt.CostUSD, evt.EventID, evt.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.LotsCreated.WithLabelValues(state.SourceAcquisition.String()).Inc()
	}

	return &changeSet{
		positions: []*state.Position{pos},
		lots:      []*state.AcquisitionLot{c.book.Lots.Lot(pos.Key(), index)},
		lotIndex:  index,
		warnings:  warnings,
	}, nil
}

func (c *DeterministicCore) handleDisposal(evt *event.Disposal) (*changeSet, error) {
	pos, result, warnings, err := c.book.Dispose(
		evt.Asset, evt.Holder, evt.Amount, evt.ProceedsUSD, evt.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	changes := &changeSet{
		positions: []*state.Position{pos},
		lotIndex:  -1,
		disposal:  result,
		warnings:  warnings,
	}
	for _, consumed := range result.Consumptions {
		changes.lots = append(changes.lots, c.book.Lots.Lot(pos.Key(), consumed.LotIndex))
		if c.metrics != nil {
			mode := "partial"
			if consumed.Full {
				mode = "full"
			}
			c.metrics.LotsConsumed.WithLabelValues(mode).Inc()
		}
	}

	return changes, nil
}

func (c *DeterministicCore) handleContribution(evt *event.Contribution) (*changeSet, error) {
	if evt.PoolID == "" || evt.Holder == "" {
		return nil, fmt.Errorf("contribution pool=%q holder=%q: %w", evt.PoolID, evt.Holder, state.ErrInvalidEvent)
	}

	pool, contribution, err := c.book.Pools.Contribute(evt.PoolID, evt.Holder, evt.Amount, evt.AmountUSD)
	if err != nil {
		return nil, err
	}

	return &changeSet{
		pools:         []*state.PoolTotals{pool},
		contributions: []*state.HolderContribution{contribution},
		lotIndex:      -1,
	}, nil
}

func (c *DeterministicCore) handleWithdrawal(evt *event.Withdrawal) (*changeSet, error) {
	if evt.PoolID == "" || evt.Holder == "" {
		return nil, fmt.Errorf("withdrawal pool=%q holder=%q: %w", evt.PoolID, evt.Holder, state.ErrInvalidEvent)
	}

	pool, contribution, err := c.book.Pools.Withdraw(evt.PoolID, evt.Holder, evt.Amount, evt.AmountUSD)
	if err != nil {
		return nil, err
	}

	return &changeSet{
		pools:         []*state.PoolTotals{pool},
		contributions: []*state.HolderContribution{contribution},
		lotIndex:      -1,
	}, nil
}

func (c *DeterministicCore) handlePoolSettlement(evt *event.PoolSettlementTrigger) (*changeSet, error) {
	result, warnings, err := c.book.Settlements.Settle(
		evt.PoolID, evt.TargetAsset, evt.DistributedAssetTotal, evt.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	changes := &changeSet{
		lotIndex:   -1,
		settlement: result,
		warnings:   warnings,
	}

	if !result.Applied {
		if c.metrics != nil {
			c.metrics.SettlementsApplied.WithLabelValues("noop").Inc()
		}
		return changes, nil
	}

	changes.pools = []*state.PoolTotals{c.book.Pools.GetPool(evt.PoolID)}
	for _, alloc := range result.Allocations {
		pos := c.book.Positions.GetPosition(evt.TargetAsset, alloc.Holder)
		if alloc.Duplicate || pos == nil {
			continue
		}
		changes.positions = append(changes.positions, pos)
		changes.lots = append(changes.lots, c.book.Lots.Lot(pos.Key(), alloc.LotIndex))
		if c.metrics != nil {
			c.metrics.LotsCreated.WithLabelValues(state.SourcePoolSettlement.String()).Inc()
		}
	}

	if c.metrics != nil {
		c.metrics.SettlementsApplied.WithLabelValues("applied").Inc()
		residue, _ := result.Unallocated.Float64()
		c.metrics.SettlementResidue.WithLabelValues(evt.TargetAsset).Add(residue)
	}

	return changes, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*changeSet, error) {
	switch e := evt.(type) {
	case *event.Acquisition:
		return c.handleAcquisition(e)
	case *event.Disposal:
		return c.handleDisposal(e)
	case *event.Contribution:
		return c.handleContribution(e)
	case *event.Withdrawal:
		return c.handleWithdrawal(e)
	case *event.PoolSettlementTrigger:
		return c.handlePoolSettlement(e)
	default:
		return nil, fmt.Errorf("unknown event type %T: %w", evt, state.ErrInvalidEvent)
	}
}

// --- Query surface ---

// GetPosition returns a copy of a position
func (c *DeterministicCore) GetPosition(asset, holder string) (state.Position, bool) {
	pos := c.book.Positions.GetPosition(asset, holder)
	if pos == nil {
		return state.Position{}, false
	}
	return *pos, true
}

// ListLots returns copies of a position's lots in index order
func (c *DeterministicCore) ListLots(asset, holder string) []state.AcquisitionLot {
	return c.book.Lots.CopyLots(state.PositionKey{Asset: asset, Holder: holder})
}

// GetPoolTotals returns a copy of a pool's totals
func (c *DeterministicCore) GetPoolTotals(poolID string) (state.PoolTotals, bool) {
	pool := c.book.Pools.GetPool(poolID)
	if pool == nil {
		return state.PoolTotals{}, false
	}
	return *pool, true
}

// GetHolderContribution returns a copy of one holder's pool contribution
func (c *DeterministicCore) GetHolderContribution(poolID, holder string) (state.HolderContribution, bool) {
	contribution := c.book.Pools.GetContribution(poolID, holder)
	if contribution == nil {
		return state.HolderContribution{}, false
	}
	return *contribution, true
}

func copyPositions(in []*state.Position) []state.Position {
	out := make([]state.Position, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func copyLots(in []*state.AcquisitionLot) []state.AcquisitionLot {
	out := make([]state.AcquisitionLot, len(in))
	for i, l := range in {
		out[i] = *l
	}
	return out
}

func copyPools(in []*state.PoolTotals) []state.PoolTotals {
	out := make([]state.PoolTotals, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func copyContributions(in []*state.HolderContribution) []state.HolderContribution {
	out := make([]state.HolderContribution, len(in))
	for i, ct := range in {
		out[i] = *ct
	}
	return out
}
