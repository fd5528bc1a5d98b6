package state

import (
	"fmt"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/shopspring/decimal"
)

// SourceKind records how a lot came into existence
type SourceKind int32

const (
	SourceUnknown SourceKind = iota
	SourceAcquisition
	SourcePoolSettlement
)

func (k SourceKind) String() string {
	switch k {
	case SourceAcquisition:
		return "acquisition"
	case SourcePoolSettlement:
		return "poolSettlement"
	default:
		return "unknown"
	}
}

// ParseSourceKind is the inverse of SourceKind.String
func ParseSourceKind(s string) SourceKind {
	switch s {
	case "acquisition":
		return SourceAcquisition
	case "poolSettlement":
		return SourcePoolSettlement
	default:
		return SourceUnknown
	}
}

// AcquisitionLot is one acquisition of an asset with its own quantity and cost basis.
// PricePerUnit is fixed at creation and never recomputed; CostUSD shrinks
// proportionally as the lot is consumed.
type AcquisitionLot struct {
	Asset    string
	Holder   string
	LotIndex int64

	Amount          decimal.Decimal // remaining base units
	OriginalAmount  decimal.Decimal
	CostUSD         decimal.Decimal // remaining cost basis
	OriginalCostUSD decimal.Decimal
	PricePerUnit    decimal.Decimal

	SourceKind SourceKind
	// SourceRef is the pool id for settlement lots and the upstream
	// idempotency key (possibly empty) for acquisitions.
	SourceRef string

	CreatedAt     time.Time
	FullyConsumed bool
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *AcquisitionLot) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = appendString(buf, l.Asset)
	buf = appendString(buf, l.Holder)
	buf = appendInt64LE(buf, l.LotIndex)
	buf = appendDecimal(buf, l.Amount)
	buf = appendDecimal(buf, l.OriginalAmount)
	buf = appendDecimal(buf, l.CostUSD)
	buf = appendDecimal(buf, l.OriginalCostUSD)
	buf = appendDecimal(buf, l.PricePerUnit)
	buf = append(buf, byte(l.SourceKind))
	buf = appendString(buf, l.SourceRef)
	buf = appendInt64LE(buf, timeMicros(l.CreatedAt))
	if l.FullyConsumed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// LotStore is the append-only lot sequence of every position.
// A lot's slice position equals its LotIndex; lots are never removed or reordered.
// Not thread-safe: only the deterministic core goroutine touches it.
type LotStore struct {
	lots map[PositionKey][]*AcquisitionLot

	// settlement lot index per position: poolID -> lotIndex
	settlementLots map[PositionKey]map[string]int64
}

func NewLotStore() *LotStore {
	return &LotStore{
		lots:           make(map[PositionKey][]*AcquisitionLot),
		settlementLots: make(map[PositionKey]map[string]int64),
	}
}

// CreateLot appends a new lot at pos.NextLotIndex and advances the counter.
// It does not touch any position aggregate; callers recompute.
func (s *LotStore) CreateLot(
	pos *Position,
	amount decimal.Decimal,
	costUSD decimal.Decimal,
	kind SourceKind,
	sourceRef string,
	timestamp time.Time,
) (int64, error) {
	if amount.Sign() <= 0 || !fpmath.IsBaseUnits(amount) {
		return 0, fmt.Errorf("create lot amount=%s: %w", amount, ErrInvalidAmount)
	}
	if costUSD.Sign() < 0 {
		return 0, fmt.Errorf("create lot cost=%s: %w", costUSD, ErrInvalidAmount)
	}

	key := pos.Key()
	index := pos.NextLotIndex

	lot := &AcquisitionLot{
		Asset:           pos.Asset,
		Holder:          pos.Holder,
		LotIndex:        index,
		Amount:          amount,
		OriginalAmount:  amount,
		CostUSD:         costUSD,
		OriginalCostUSD: costUSD,
		PricePerUnit:    fpmath.UnitPrice(costUSD, amount),
		SourceKind:      kind,
		SourceRef:       sourceRef,
		CreatedAt:       timestamp,
	}

	s.lots[key] = append(s.lots[key], lot)
	pos.NextLotIndex = index + 1

	if kind == SourcePoolSettlement {
		s.indexSettlementLot(key, sourceRef, index)
	}

	return index, nil
}

// ConsumePartial removes q units from lot, where 0 < q < lot.Amount.
// The removed cost is the exact fraction q / amountBefore of the remaining cost
// (rounded to CostPrecision); the remainder keeps whatever rounding is left, so
// full consumption later returns exactly what was not yet removed.
func (s *LotStore) ConsumePartial(lot *AcquisitionLot, q decimal.Decimal) (decimal.Decimal, error) {
	if lot.FullyConsumed {
		return decimal.Zero, fmt.Errorf("lot %d: %w", lot.LotIndex, ErrLotConsumed)
	}
	if q.Sign() <= 0 || q.GreaterThanOrEqual(lot.Amount) {
		return decimal.Zero, fmt.Errorf("partial consume %s of lot %d (amount=%s): %w",
			q, lot.LotIndex, lot.Amount, ErrInvalidAmount)
	}

	costRemoved := fpmath.ProportionalCost(lot.CostUSD, q, lot.Amount)

	lot.Amount = lot.Amount.Sub(q)
	lot.CostUSD = lot.CostUSD.Sub(costRemoved)

	return costRemoved, nil
}

// ConsumeFull zeroes the lot and marks it consumed, returning its remaining cost.
func (s *LotStore) ConsumeFull(lot *AcquisitionLot) (decimal.Decimal, error) {
	if lot.FullyConsumed {
		return decimal.Zero, fmt.Errorf("lot %d: %w", lot.LotIndex, ErrLotConsumed)
	}

	costRemoved := lot.CostUSD

	lot.Amount = decimal.Zero
	lot.CostUSD = decimal.Zero
	lot.FullyConsumed = true

	return costRemoved, nil
}

// Lots returns the live lot slice of a position (index order). Callers inside
// the state package may mutate through it; external callers use CopyLots.
func (s *LotStore) Lots(key PositionKey) []*AcquisitionLot {
	return s.lots[key]
}

// Lot returns a single lot or nil
func (s *LotStore) Lot(key PositionKey, index int64) *AcquisitionLot {
	lots := s.lots[key]
	if index < 0 || index >= int64(len(lots)) {
		return nil
	}
	return lots[index]
}

// CopyLots returns value copies of a position's lots in index order
func (s *LotStore) CopyLots(key PositionKey) []AcquisitionLot {
	lots := s.lots[key]
	out := make([]AcquisitionLot, len(lots))
	for i, l := range lots {
		out[i] = *l
	}
	return out
}

// HasSettlementLot reports whether the position already holds a settlement lot for poolID
func (s *LotStore) HasSettlementLot(key PositionKey, poolID string) bool {
	_, ok := s.settlementLots[key][poolID]
	return ok
}

func (s *LotStore) indexSettlementLot(key PositionKey, poolID string, index int64) {
	byPool := s.settlementLots[key]
	if byPool == nil {
		byPool = make(map[string]int64)
		s.settlementLots[key] = byPool
	}
	byPool[poolID] = index
}

// RestoreLot installs a lot from a snapshot. Lots must be restored in index order.
func (s *LotStore) RestoreLot(lot *AcquisitionLot) error {
	key := PositionKey{Asset: lot.Asset, Holder: lot.Holder}
	if int64(len(s.lots[key])) != lot.LotIndex {
		return fmt.Errorf("restore lot %s index %d: expected index %d",
			key.PartitionKey(), lot.LotIndex, len(s.lots[key]))
	}
	s.lots[key] = append(s.lots[key], lot)
	if lot.SourceKind == SourcePoolSettlement {
		s.indexSettlementLot(key, lot.SourceRef, lot.LotIndex)
	}
	return nil
}

// AllLots returns every lot ordered by (asset, holder, index)
func (s *LotStore) AllLots(positions []*Position) []*AcquisitionLot {
	var out []*AcquisitionLot
	for _, pos := range positions {
		out = append(out, s.lots[pos.Key()]...)
	}
	return out
}

// Count returns the number of lots ever created
func (s *LotStore) Count() int {
	n := 0
	for _, lots := range s.lots {
		n += len(lots)
	}
	return n
}
