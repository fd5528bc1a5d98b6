package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAcquisition
	EventTypeDisposal
	EventTypeContribution
	EventTypeWithdrawal
	EventTypePoolSettlementTrigger
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Upstream dedup key (e.g. txhash:logIndex); may be empty
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition: position:<asset>:<holder> or pool:<id>
	PartitionKey string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded wire form of the event, replayable through the parser
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the upstream dedup key, empty when the source has none
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PartitionKey returns the position or pool the event belongs to
	PartitionKey() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned timestamp carried by the event
	EventTime() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeAcquisition:
		return "Acquisition"
	case EventTypeDisposal:
		return "Disposal"
	case EventTypeContribution:
		return "Contribution"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypePoolSettlementTrigger:
		return "PoolSettlementTrigger"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(s string) EventType {
	switch s {
	case "Acquisition":
		return EventTypeAcquisition
	case "Disposal":
		return EventTypeDisposal
	case "Contribution":
		return EventTypeContribution
	case "Withdrawal":
		return EventTypeWithdrawal
	case "PoolSettlementTrigger":
		return EventTypePoolSettlementTrigger
	default:
		return EventTypeUnknown
	}
}

// AllEventTypes lists every concrete event type
var AllEventTypes = []EventType{
	EventTypeAcquisition,
	EventTypeDisposal,
	EventTypeContribution,
	EventTypeWithdrawal,
	EventTypePoolSettlementTrigger,
}

func positionPartition(asset, holder string) string {
	return "position:" + asset + ":" + holder
}

func poolPartition(poolID string) string {
	return "pool:" + poolID
}
