package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolSettlementTrigger converts a pool into per-holder lots of TargetAsset.
// May be observed more than once; only the first effective trigger applies.
type PoolSettlementTrigger struct {
	EventID               string
	PoolID                string
	TargetAsset           string
	DistributedAssetTotal decimal.Decimal
	Sequence              int64
	Timestamp             time.Time
}

func (p *PoolSettlementTrigger) IdempotencyKey() string {
	return p.EventID
}

func (p *PoolSettlementTrigger) EventType() EventType {
	return EventTypePoolSettlementTrigger
}

func (p *PoolSettlementTrigger) PartitionKey() string {
	return poolPartition(p.PoolID)
}

func (p *PoolSettlementTrigger) SourceSequence() int64 {
	return p.Sequence
}

func (p *PoolSettlementTrigger) EventTime() time.Time {
	return p.Timestamp
}
