package state

import (
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/shopspring/decimal"
)

// LotConsumption records how much one disposal took from one lot
type LotConsumption struct {
	LotIndex int64
	Amount   decimal.Decimal
	CostUSD  decimal.Decimal
	Full     bool
}

// DisposalResult is the outcome of a FIFO disposal
type DisposalResult struct {
	CostBasisConsumed decimal.Decimal
	RealizedPnLUSD    decimal.Decimal
	Consumptions      []LotConsumption
	// Unmatched is the quantity that found no lot and was booked at zero cost basis
	Unmatched decimal.Decimal
}

// DisposalEngine consumes lots oldest-first on disposal and books realized P&L.
type DisposalEngine struct {
	store      *LotStore
	aggregator *Aggregator
}

func NewDisposalEngine(store *LotStore, aggregator *Aggregator) *DisposalEngine {
	return &DisposalEngine{store: store, aggregator: aggregator}
}

// Dispose removes quantity units from pos in ascending lot index order.
//
// A disposal larger than the tracked lots is not an error: the remainder is
// treated as zero cost basis and a ShortPosition warning is returned. If the
// scan cap stops the walk first, the warning is LotScanExhausted instead.
func (d *DisposalEngine) Dispose(
	pos *Position,
	quantity decimal.Decimal,
	proceedsUSD decimal.Decimal,
	timestamp time.Time,
) (*DisposalResult, []Warning, error) {
	if quantity.Sign() <= 0 || !fpmath.IsBaseUnits(quantity) {
		return nil, nil, fmt.Errorf("dispose quantity=%s: %w", quantity, ErrInvalidAmount)
	}
	if proceedsUSD.Sign() < 0 {
		return nil, nil, fmt.Errorf("dispose proceeds=%s: %w", proceedsUSD, ErrInvalidAmount)
	}

	key := pos.Key()
	lots := d.store.Lots(key)

	remaining := quantity
	costConsumed := decimal.Zero
	var consumptions []LotConsumption
	scanCapped := false
	scanned := 0
	prefixConsumed := true

	for i := pos.FirstOpenLot; i < int64(len(lots)) && remaining.Sign() > 0; i++ {
		if scanned >= d.aggregator.MaxScan() {
			scanCapped = true
			break
		}
		scanned++

		lot := lots[i]
		if lot.FullyConsumed {
			if prefixConsumed {
				pos.FirstOpenLot = i + 1
			}
			continue
		}

		if lot.Amount.LessThanOrEqual(remaining) {
			taken := lot.Amount
			cost, err := d.store.ConsumeFull(lot)
			if err != nil {
				return nil, nil, err
			}
			costConsumed = costConsumed.Add(cost)
			remaining = remaining.Sub(taken)
			consumptions = append(consumptions, LotConsumption{
				LotIndex: lot.LotIndex,
				Amount:   taken,
				CostUSD:  cost,
				Full:     true,
			})
			if prefixConsumed {
				pos.FirstOpenLot = i + 1
			}
			continue
		}
		prefixConsumed = false

		cost, err := d.store.ConsumePartial(lot, remaining)
		if err != nil {
			return nil, nil, err
		}
		costConsumed = costConsumed.Add(cost)
		consumptions = append(consumptions, LotConsumption{
			LotIndex: lot.LotIndex,
			Amount:   remaining,
			CostUSD:  cost,
		})
		remaining = decimal.Zero
	}

	var warnings []Warning
	if remaining.Sign() > 0 {
		w := Warning{
			Kind:      WarningShortPosition,
			Key:       key.PartitionKey(),
			Unmatched: remaining,
			Detail:    fmt.Sprintf("disposal of %s exceeds tracked lots", quantity),
		}
		if scanCapped {
			w.Kind = WarningLotScanExhausted
			w.Detail = fmt.Sprintf("disposal stopped after %d lots", scanned)
		}
		warnings = append(warnings, w)
	}

	if w := d.aggregator.Recompute(pos); w != nil {
		warnings = append(warnings, *w)
	}

	realized := proceedsUSD.Sub(costConsumed)

	pos.RealizedPnLUSD = pos.RealizedPnLUSD.Add(realized)
	pos.TotalDisposed = pos.TotalDisposed.Add(quantity)
	pos.TotalReceivedUSD = pos.TotalReceivedUSD.Add(proceedsUSD)
	pos.LastUpdatedAt = timestamp
	pos.Version++

	return &DisposalResult{
		CostBasisConsumed: costConsumed,
		RealizedPnLUSD:    realized,
		Consumptions:      consumptions,
		Unmatched:         remaining,
	}, warnings, nil
}
