package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal is a holder pulling funds out of a pool before settlement.
// The holder's net contribution is clamped at zero.
type Withdrawal struct {
	EventID   string
	PoolID    string
	Holder    string
	Amount    decimal.Decimal
	AmountUSD decimal.Decimal
	Sequence  int64
	Timestamp time.Time
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.EventID
}

func (w *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (w *Withdrawal) PartitionKey() string {
	return poolPartition(w.PoolID)
}

func (w *Withdrawal) SourceSequence() int64 {
	return w.Sequence
}

func (w *Withdrawal) EventTime() time.Time {
	return w.Timestamp
}
