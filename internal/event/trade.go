package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Acquisition records a holder buying (or otherwise receiving at a known cost)
// an asset. Creates one lot.
type Acquisition struct {
	EventID   string // Upstream idempotency key, optional
	Asset     string
	Holder    string
	Amount    decimal.Decimal // Base units, integral
	CostUSD   decimal.Decimal // Pre-priced by the source
	Sequence  int64           // Source sequence
	Timestamp time.Time       // Versioned input timestamp (NOT wall-clock)
}

func (a *Acquisition) IdempotencyKey() string {
	return a.EventID
}

func (a *Acquisition) EventType() EventType {
	return EventTypeAcquisition
}

func (a *Acquisition) PartitionKey() string {
	return positionPartition(a.Asset, a.Holder)
}

func (a *Acquisition) SourceSequence() int64 {
	return a.Sequence
}

func (a *Acquisition) EventTime() time.Time {
	return a.Timestamp
}

// Disposal records a holder selling or otherwise parting with an asset.
// Lots are consumed oldest first.
type Disposal struct {
	EventID     string
	Asset       string
	Holder      string
	Amount      decimal.Decimal
	ProceedsUSD decimal.Decimal
	Sequence    int64
	Timestamp   time.Time
}

func (d *Disposal) IdempotencyKey() string {
	return d.EventID
}

func (d *Disposal) EventType() EventType {
	return EventTypeDisposal
}

func (d *Disposal) PartitionKey() string {
	return positionPartition(d.Asset, d.Holder)
}

func (d *Disposal) SourceSequence() int64 {
	return d.Sequence
}

func (d *Disposal) EventTime() time.Time {
	return d.Timestamp
}
