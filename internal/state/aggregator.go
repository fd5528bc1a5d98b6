package state

import (
	"fmt"

	fpmath "LotLedger/internal/math"

	"github.com/shopspring/decimal"
)

// DefaultMaxLotScan bounds the number of lots a single recompute or disposal visits
const DefaultMaxLotScan = 5000

// Aggregator derives a position's balance and cost basis from its live lots.
type Aggregator struct {
	store   *LotStore
	maxScan int
}

func NewAggregator(store *LotStore, maxScan int) *Aggregator {
	if maxScan <= 0 {
		maxScan = DefaultMaxLotScan
	}
	return &Aggregator{store: store, maxScan: maxScan}
}

// MaxScan returns the configured lot scan cap
func (a *Aggregator) MaxScan() int {
	return a.maxScan
}

// Recompute rewrites Balance, TotalCostBasisUSD and AverageCostPerUnit from the
// unconsumed lots starting at FirstOpenLot, and advances FirstOpenLot past any
// consumed prefix. Running it twice without an intervening mutation is a no-op.
//
// If more than maxScan lots would need visiting, the partial sums are written
// and a LotScanExhausted warning is returned.
func (a *Aggregator) Recompute(pos *Position) *Warning {
	lots := a.store.Lots(pos.Key())

	balance := decimal.Zero
	cost := decimal.Zero

	start := pos.FirstOpenLot
	firstOpen := int64(len(lots))
	prefixConsumed := true
	scanned := 0
	var warning *Warning

	for i := start; i < int64(len(lots)); i++ {
		if scanned >= a.maxScan {
			if prefixConsumed {
				firstOpen = i
			}
			warning = &Warning{
				Kind:   WarningLotScanExhausted,
				Key:    pos.Key().PartitionKey(),
				Detail: fmt.Sprintf("recompute stopped after %d lots at index %d", scanned, i),
			}
			break
		}
		scanned++

		lot := lots[i]
		if lot.FullyConsumed {
			continue
		}
		if prefixConsumed {
			firstOpen = i
			prefixConsumed = false
		}
		balance = balance.Add(lot.Amount)
		cost = cost.Add(lot.CostUSD)
	}

	pos.FirstOpenLot = firstOpen
	pos.Balance = balance
	pos.TotalCostBasisUSD = cost
	pos.AverageCostPerUnit = fpmath.UnitPrice(cost, balance)

	return warning
}
