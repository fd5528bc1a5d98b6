package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Book holds every position, lot and pool the engine tracks, wired to the
// components that mutate them.
type Book struct {
	Positions   *PositionManager
	Lots        *LotStore
	Pools       *PoolManager
	Aggregator  *Aggregator
	Disposals   *DisposalEngine
	Settlements *SettlementAllocator
}

func NewBook(maxLotScan int, settlementCostRatio decimal.Decimal) *Book {
	positions := NewPositionManager()
	lots := NewLotStore()
	pools := NewPoolManager()
	agg := NewAggregator(lots, maxLotScan)

	return &Book{
		Positions:   positions,
		Lots:        lots,
		Pools:       pools,
		Aggregator:  agg,
		Disposals:   NewDisposalEngine(lots, agg),
		Settlements: NewSettlementAllocator(lots, positions, pools, agg, settlementCostRatio),
	}
}

// Acquire records a purchase as a new lot and refreshes the position aggregates.
// Nothing is created when the amounts are rejected.
func (b *Book) Acquire(
	asset, holder string,
	amount, costUSD decimal.Decimal,
	sourceRef string,
	timestamp time.Time,
) (*Position, int64, []Warning, error) {
	if asset == "" || holder == "" {
		return nil, 0, nil, fmt.Errorf("acquisition asset=%q holder=%q: %w", asset, holder, ErrInvalidEvent)
	}
	if err := validateLotInputs(amount, costUSD); err != nil {
		return nil, 0, nil, err
	}

	pos := b.Positions.GetOrCreatePosition(asset, holder)

	index, err := b.Lots.CreateLot(pos, amount, costUSD, SourceAcquisition, sourceRef, timestamp)
	if err != nil {
		return nil, 0, nil, err
	}

	pos.TotalAcquired = pos.TotalAcquired.Add(amount)
	pos.TotalSpentUSD = pos.TotalSpentUSD.Add(costUSD)
	if pos.FirstAcquiredAt.IsZero() {
		pos.FirstAcquiredAt = timestamp
	}
	pos.LastUpdatedAt = timestamp
	pos.Version++

	var warnings []Warning
	if w := b.Aggregator.Recompute(pos); w != nil {
		warnings = append(warnings, *w)
	}

	return pos, index, warnings, nil
}

// Dispose runs a FIFO disposal against (asset, holder).
func (b *Book) Dispose(
	asset, holder string,
	quantity, proceedsUSD decimal.Decimal,
	timestamp time.Time,
) (*Position, *DisposalResult, []Warning, error) {
	if asset == "" || holder == "" {
		return nil, nil, nil, fmt.Errorf("disposal asset=%q holder=%q: %w", asset, holder, ErrInvalidEvent)
	}
	if quantity.Sign() <= 0 || !quantity.IsInteger() || proceedsUSD.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("disposal quantity=%s proceeds=%s: %w", quantity, proceedsUSD, ErrInvalidAmount)
	}

	pos := b.Positions.GetOrCreatePosition(asset, holder)

	result, warnings, err := b.Disposals.Dispose(pos, quantity, proceedsUSD, timestamp)
	if err != nil {
		return nil, nil, nil, err
	}
	return pos, result, warnings, nil
}

// validateLotInputs mirrors the CreateLot checks so a rejected event never
// leaves a lazily created position behind.
func validateLotInputs(amount, costUSD decimal.Decimal) error {
	if amount.Sign() <= 0 || !amount.IsInteger() {
		return fmt.Errorf("amount=%s: %w", amount, ErrInvalidAmount)
	}
	if costUSD.Sign() < 0 {
		return fmt.Errorf("cost=%s: %w", costUSD, ErrInvalidAmount)
	}
	return nil
}

// Restore installs previously captured entities. Lots must be ordered by
// (asset, holder, index).
func (b *Book) Restore(
	positions []*Position,
	lots []*AcquisitionLot,
	pools []*PoolTotals,
	contributions []*HolderContribution,
) error {
	for _, p := range positions {
		b.Positions.SetPosition(p)
	}
	for _, l := range lots {
		if err := b.Lots.RestoreLot(l); err != nil {
			return err
		}
	}
	for _, p := range pools {
		b.Pools.SetPool(p)
	}
	for _, c := range contributions {
		b.Pools.SetContribution(c)
	}
	return nil
}

// AllContributions returns every holder contribution ordered by (pool, holder)
func (b *Book) AllContributions() []*HolderContribution {
	var out []*HolderContribution
	for _, p := range b.Pools.GetAllPools() {
		out = append(out, b.Pools.Holders(p.PoolID)...)
	}
	return out
}
