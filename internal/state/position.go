package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a position: one holder's holdings of one asset
type PositionKey struct {
	Asset  string
	Holder string
}

// PartitionKey is the ordering partition used for sequence validation and logging.
func (k PositionKey) PartitionKey() string {
	return "position:" + k.Asset + ":" + k.Holder
}

// Position is the running state of an (asset, holder) pair.
// Balance, TotalCostBasisUSD and AverageCostPerUnit are derived from the live lots by
// the Aggregator; the remaining accumulators are only ever incremented.
type Position struct {
	Asset  string
	Holder string

	Balance            decimal.Decimal // base units
	TotalCostBasisUSD  decimal.Decimal
	AverageCostPerUnit decimal.Decimal
	RealizedPnLUSD     decimal.Decimal

	TotalAcquired    decimal.Decimal // base units
	TotalDisposed    decimal.Decimal // base units
	TotalSpentUSD    decimal.Decimal
	TotalReceivedUSD decimal.Decimal

	FirstAcquiredAt time.Time
	LastUpdatedAt   time.Time

	// NextLotIndex is the index the next lot will receive (= number of lots ever created)
	NextLotIndex int64
	// FirstOpenLot is the lowest lot index that may still hold quantity.
	// Every lot below it is fully consumed.
	FirstOpenLot int64

	Version int64
}

// Key returns the position identity
func (p *Position) Key() PositionKey {
	return PositionKey{Asset: p.Asset, Holder: p.Holder}
}

// IsFlat returns true if the position holds nothing
func (p *Position) IsFlat() bool {
	return p.Balance.Sign() == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = appendString(buf, p.Asset)
	buf = appendString(buf, p.Holder)
	buf = appendDecimal(buf, p.Balance)
	buf = appendDecimal(buf, p.TotalCostBasisUSD)
	buf = appendDecimal(buf, p.AverageCostPerUnit)
	buf = appendDecimal(buf, p.RealizedPnLUSD)
	buf = appendDecimal(buf, p.TotalAcquired)
	buf = appendDecimal(buf, p.TotalDisposed)
	buf = appendDecimal(buf, p.TotalSpentUSD)
	buf = appendDecimal(buf, p.TotalReceivedUSD)
	buf = appendInt64LE(buf, timeMicros(p.FirstAcquiredAt))
	buf = appendInt64LE(buf, timeMicros(p.LastUpdatedAt))
	buf = appendInt64LE(buf, p.NextLotIndex)
	buf = appendInt64LE(buf, p.FirstOpenLot)

	return buf
}

// appendString writes a length-prefixed string (2 bytes LE length)
func appendString(buf []byte, s string) []byte {
	n := len(s)
	buf = append(buf, byte(n), byte(n>>8))
	return append(buf, s...)
}

// appendDecimal writes the canonical string form of d.
// String() trims trailing zeros, so 1.50 and 1.5 hash identically.
func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	return appendString(buf, d.String())
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func timeMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
