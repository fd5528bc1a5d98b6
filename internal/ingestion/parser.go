package ingestion

import (
	"LotLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedEvent marks payloads that can never be applied; the transport
// terminates them instead of redelivering.
var ErrMalformedEvent = errors.New("malformed event")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return DecodeEvent(eventType, raw.Data)
}

// DecodeEvent parses the JSON wire form of one event. It is also used to
// rebuild events from the persisted event log during replay.
func DecodeEvent(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeAcquisition:
		return parseAcquisition(data)
	case event.EventTypeDisposal:
		return parseDisposal(data)
	case event.EventTypeContribution:
		return parseContribution(data)
	case event.EventTypeWithdrawal:
		return parseWithdrawal(data)
	case event.EventTypePoolSettlementTrigger:
		return parseSettlementTrigger(data)
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", eventType, ErrMalformedEvent)
	}
}

// EncodeEvent produces the JSON wire form accepted by DecodeEvent.
func EncodeEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.Acquisition:
		return json.Marshal(acquisitionJSON{
			EventID:        e.EventID,
			Asset:          e.Asset,
			Holder:         e.Holder,
			Amount:         e.Amount,
			CostUSD:        e.CostUSD,
			SourceSequence: e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *event.Disposal:
		return json.Marshal(disposalJSON{
			EventID:        e.EventID,
			Asset:          e.Asset,
			Holder:         e.Holder,
			Amount:         e.Amount,
			ProceedsUSD:    e.ProceedsUSD,
			SourceSequence: e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *event.Contribution:
		return json.Marshal(poolFlowJSON{
			EventID:        e.EventID,
			PoolID:         e.PoolID,
			Holder:         e.Holder,
			Amount:         e.Amount,
			AmountUSD:      e.AmountUSD,
			SourceSequence: e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *event.Withdrawal:
		return json.Marshal(poolFlowJSON{
			EventID:        e.EventID,
			PoolID:         e.PoolID,
			Holder:         e.Holder,
			Amount:         e.Amount,
			AmountUSD:      e.AmountUSD,
			SourceSequence: e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})
	case *event.PoolSettlementTrigger:
		return json.Marshal(settlementJSON{
			EventID:               e.EventID,
			PoolID:                e.PoolID,
			TargetAsset:           e.TargetAsset,
			DistributedAssetTotal: e.DistributedAssetTotal,
			SourceSequence:        e.Sequence,
			TimestampUs:           e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("encode %T: %w", evt, ErrMalformedEvent)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are decimal
// strings: base-unit quantities routinely exceed 2^53.

type acquisitionJSON struct {
	EventID        string          `json:"event_id,omitempty"`
	Asset          string          `json:"asset"`
	Holder         string          `json:"holder"`
	Amount         decimal.Decimal `json:"amount"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	SourceSequence int64           `json:"source_sequence"`
	TimestampUs    int64           `json:"timestamp_us"`
}

func parseAcquisition(data []byte) (*event.Acquisition, error) {
	var j acquisitionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Acquisition: %v: %w", err, ErrMalformedEvent)
	}
	if err := requireFields("Acquisition", "asset", j.Asset, "holder", j.Holder); err != nil {
		return nil, err
	}

	return &event.Acquisition{
		EventID:   j.EventID,
		Asset:     j.Asset,
		Holder:    j.Holder,
		Amount:    j.Amount,
		CostUSD:   j.CostUSD,
		Sequence:  j.SourceSequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type disposalJSON struct {
	EventID        string          `json:"event_id,omitempty"`
	Asset          string          `json:"asset"`
	Holder         string          `json:"holder"`
	Amount         decimal.Decimal `json:"amount"`
	ProceedsUSD    decimal.Decimal `json:"proceeds_usd"`
	SourceSequence int64           `json:"source_sequence"`
	TimestampUs    int64           `json:"timestamp_us"`
}

func parseDisposal(data []byte) (*event.Disposal, error) {
	var j disposalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Disposal: %v: %w", err, ErrMalformedEvent)
	}
	if err := requireFields("Disposal", "asset", j.Asset, "holder", j.Holder); err != nil {
		return nil, err
	}

	return &event.Disposal{
		EventID:     j.EventID,
		Asset:       j.Asset,
		Holder:      j.Holder,
		Amount:      j.Amount,
		ProceedsUSD: j.ProceedsUSD,
		Sequence:    j.SourceSequence,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// poolFlowJSON is shared by contributions and withdrawals
type poolFlowJSON struct {
	EventID        string          `json:"event_id,omitempty"`
	PoolID         string          `json:"pool_id"`
	Holder         string          `json:"holder"`
	Amount         decimal.Decimal `json:"amount"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	SourceSequence int64           `json:"source_sequence"`
	TimestampUs    int64           `json:"timestamp_us"`
}

func parsePoolFlow(kind string, data []byte) (*poolFlowJSON, error) {
	var j poolFlowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", kind, err, ErrMalformedEvent)
	}
	if err := requireFields(kind, "pool_id", j.PoolID, "holder", j.Holder); err != nil {
		return nil, err
	}
	return &j, nil
}

func parseContribution(data []byte) (*event.Contribution, error) {
	j, err := parsePoolFlow("Contribution", data)
	if err != nil {
		return nil, err
	}
	return &event.Contribution{
		EventID:   j.EventID,
		PoolID:    j.PoolID,
		Holder:    j.Holder,
		Amount:    j.Amount,
		AmountUSD: j.AmountUSD,
		Sequence:  j.SourceSequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func parseWithdrawal(data []byte) (*event.Withdrawal, error) {
	j, err := parsePoolFlow("Withdrawal", data)
	if err != nil {
		return nil, err
	}
	return &event.Withdrawal{
		EventID:   j.EventID,
		PoolID:    j.PoolID,
		Holder:    j.Holder,
		Amount:    j.Amount,
		AmountUSD: j.AmountUSD,
		Sequence:  j.SourceSequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type settlementJSON struct {
	EventID               string          `json:"event_id,omitempty"`
	PoolID                string          `json:"pool_id"`
	TargetAsset           string          `json:"target_asset"`
	DistributedAssetTotal decimal.Decimal `json:"distributed_asset_total"`
	SourceSequence        int64           `json:"source_sequence"`
	TimestampUs           int64           `json:"timestamp_us"`
}

func parseSettlementTrigger(data []byte) (*event.PoolSettlementTrigger, error) {
	var j settlementJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PoolSettlementTrigger: %v: %w", err, ErrMalformedEvent)
	}
	if err := requireFields("PoolSettlementTrigger", "pool_id", j.PoolID, "target_asset", j.TargetAsset); err != nil {
		return nil, err
	}

	return &event.PoolSettlementTrigger{
		EventID:               j.EventID,
		PoolID:                j.PoolID,
		TargetAsset:           j.TargetAsset,
		DistributedAssetTotal: j.DistributedAssetTotal,
		Sequence:              j.SourceSequence,
		Timestamp:             time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// requireFields takes (name, value) pairs and fails on the first empty value.
func requireFields(kind string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("parse %s: missing %s: %w", kind, pairs[i], ErrMalformedEvent)
		}
	}
	return nil
}
