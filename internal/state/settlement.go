package state

import (
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/shopspring/decimal"
)

// DefaultSettlementCostRatio is the share of a holder's pooled USD deposit
// attributed to the settled asset.
var DefaultSettlementCostRatio = decimal.RequireFromString("0.5")

// SettlementAllocation is one holder's share of a pool settlement
type SettlementAllocation struct {
	Holder    string
	Allocated decimal.Decimal
	CostUSD   decimal.Decimal
	LotIndex  int64
	// Duplicate is set when the holder already had a settlement lot for this pool;
	// no lot was created.
	Duplicate bool
}

// SettlementResult describes what a settlement call did
type SettlementResult struct {
	PoolID      string
	TargetAsset string
	Applied     bool
	Allocations []SettlementAllocation
	// Unallocated is the floor-division residue, never credited to anyone
	Unallocated decimal.Decimal
}

// SettlementAllocator converts pooled contributions into per-holder lots, once.
type SettlementAllocator struct {
	store      *LotStore
	positions  *PositionManager
	pools      *PoolManager
	aggregator *Aggregator
	costRatio  decimal.Decimal
}

func NewSettlementAllocator(
	store *LotStore,
	positions *PositionManager,
	pools *PoolManager,
	aggregator *Aggregator,
	costRatio decimal.Decimal,
) *SettlementAllocator {
	return &SettlementAllocator{
		store:      store,
		positions:  positions,
		pools:      pools,
		aggregator: aggregator,
		costRatio:  costRatio,
	}
}

// Settle distributes distributedTotal units of targetAsset across the pool's
// holders pro-rata by net contribution and latches the pool.
//
// Returns Applied=false without touching state when the pool is already
// settled, has no positive net contribution, or distributedTotal <= 0.
func (s *SettlementAllocator) Settle(
	poolID string,
	targetAsset string,
	distributedTotal decimal.Decimal,
	timestamp time.Time,
) (*SettlementResult, []Warning, error) {
	if poolID == "" || targetAsset == "" {
		return nil, nil, fmt.Errorf("settle pool=%q asset=%q: %w", poolID, targetAsset, ErrInvalidEvent)
	}
	if !fpmath.IsBaseUnits(distributedTotal) {
		return nil, nil, fmt.Errorf("settle distributed=%s: %w", distributedTotal, ErrInvalidAmount)
	}

	result := &SettlementResult{
		PoolID:      poolID,
		TargetAsset: targetAsset,
		Unallocated: decimal.Zero,
	}

	pool := s.pools.GetPool(poolID)
	if pool == nil || pool.Settled || pool.TotalNetContribution.Sign() <= 0 || distributedTotal.Sign() <= 0 {
		return result, nil, nil
	}

	var warnings []Warning
	allocatedSum := decimal.Zero

	for _, c := range s.pools.Holders(poolID) {
		if c.NetContribution.Sign() <= 0 {
			continue
		}

		allocated := fpmath.ProRataFloor(distributedTotal, c.NetContribution, pool.TotalNetContribution)
		if allocated.Sign() <= 0 {
			continue
		}
		allocatedSum = allocatedSum.Add(allocated)

		costUSD := c.NetContributionUSD.Mul(s.costRatio)
		alloc := SettlementAllocation{
			Holder:    c.Holder,
			Allocated: allocated,
			CostUSD:   costUSD,
			LotIndex:  -1,
		}

		pos := s.positions.GetOrCreatePosition(targetAsset, c.Holder)
		if s.store.HasSettlementLot(pos.Key(), poolID) {
			alloc.Duplicate = true
			result.Allocations = append(result.Allocations, alloc)
			continue
		}

		index, err := s.store.CreateLot(pos, allocated, costUSD, SourcePoolSettlement, poolID, timestamp)
		if err != nil {
			// allocated > 0 and cost >= 0 here, so this is unreachable for valid inputs
			return nil, nil, fmt.Errorf("settle pool %s holder %s: %w", poolID, c.Holder, err)
		}
		alloc.LotIndex = index

		pos.TotalAcquired = pos.TotalAcquired.Add(allocated)
		pos.TotalSpentUSD = pos.TotalSpentUSD.Add(costUSD)
		if pos.FirstAcquiredAt.IsZero() {
			pos.FirstAcquiredAt = timestamp
		}
		pos.LastUpdatedAt = timestamp
		pos.Version++

		if w := s.aggregator.Recompute(pos); w != nil {
			warnings = append(warnings, *w)
		}

		result.Allocations = append(result.Allocations, alloc)
	}

	pool.Settled = true
	pool.SettledAt = timestamp
	pool.DistributedAssetTotal = distributedTotal
	pool.TargetAssetID = targetAsset
	pool.Version++

	result.Applied = true
	result.Unallocated = distributedTotal.Sub(allocatedSum)

	return result, warnings, nil
}
