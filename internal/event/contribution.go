package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contribution is a holder depositing into a pool before settlement.
type Contribution struct {
	EventID   string
	PoolID    string
	Holder    string
	Amount    decimal.Decimal
	AmountUSD decimal.Decimal
	Sequence  int64
	Timestamp time.Time
}

func (c *Contribution) IdempotencyKey() string {
	return c.EventID
}

func (c *Contribution) EventType() EventType {
	return EventTypeContribution
}

func (c *Contribution) PartitionKey() string {
	return poolPartition(c.PoolID)
}

func (c *Contribution) SourceSequence() int64 {
	return c.Sequence
}

func (c *Contribution) EventTime() time.Time {
	return c.Timestamp
}
