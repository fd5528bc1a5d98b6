package state

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PositionManager owns every position, keyed by (asset, holder).
// Not thread-safe: only the deterministic core goroutine touches it.
type PositionManager struct {
	positions map[PositionKey]*Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
	}
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(asset, holder string) *Position {
	return pm.positions[PositionKey{Asset: asset, Holder: holder}]
}

// GetOrCreatePosition returns existing or creates a new empty position.
// Positions are never deleted; a position that returns to zero is reused.
func (pm *PositionManager) GetOrCreatePosition(asset, holder string) *Position {
	key := PositionKey{Asset: asset, Holder: holder}
	pos := pm.positions[key]

	if pos == nil {
		pos = &Position{
			Asset:              asset,
			Holder:             holder,
			Balance:            decimal.Zero,
			TotalCostBasisUSD:  decimal.Zero,
			AverageCostPerUnit: decimal.Zero,
			RealizedPnLUSD:     decimal.Zero,
			TotalAcquired:      decimal.Zero,
			TotalDisposed:      decimal.Zero,
			TotalSpentUSD:      decimal.Zero,
			TotalReceivedUSD:   decimal.Zero,
		}
		pm.positions[key] = pos
	}

	return pos
}

// SetPosition installs a position (snapshot restore)
func (pm *PositionManager) SetPosition(pos *Position) {
	pm.positions[pos.Key()] = pos
}

// GetAllPositions returns all positions sorted by (asset, holder)
func (pm *PositionManager) GetAllPositions() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

// Count returns the number of tracked positions
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}
