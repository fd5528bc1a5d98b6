package ingestion_test

import (
	"LotLedger/internal/event"
	"LotLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
	}
}

func TestParseAcquisition(t *testing.T) {
	payload := map[string]interface{}{
		"event_id":        "0xabc:7",
		"asset":           "ETH",
		"holder":          "0xalice",
		"amount":          "123456789012345678901234",
		"cost_usd":        "1500.25",
		"source_sequence": int64(42),
		"timestamp_us":    int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Acquisition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	a, ok := evt.(*event.Acquisition)
	if !ok {
		t.Fatalf("expected *event.Acquisition, got %T", evt)
	}
	if a.EventID != "0xabc:7" || a.Asset != "ETH" || a.Holder != "0xalice" {
		t.Errorf("unexpected identity fields: %+v", a)
	}
	if a.Amount.String() != "123456789012345678901234" {
		t.Errorf("amount lost precision: %s", a.Amount)
	}
	if !a.CostUSD.Equal(decimal.RequireFromString("1500.25")) {
		t.Errorf("cost: got %s", a.CostUSD)
	}
	if a.Sequence != 42 {
		t.Errorf("sequence: got %d", a.Sequence)
	}
	if a.Timestamp.UnixMicro() != 1700000000000000 || a.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp: got %v", a.Timestamp)
	}
	if a.PartitionKey() != "position:ETH:0xalice" {
		t.Errorf("partition key: got %s", a.PartitionKey())
	}
}

func TestParseDisposal_NumericAmounts(t *testing.T) {
	payload := map[string]interface{}{
		"asset":        "ETH",
		"holder":       "bob",
		"amount":       120,
		"proceeds_usd": 1300.5,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Disposal")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dsp := evt.(*event.Disposal)
	if dsp.EventID != "" {
		t.Errorf("expected empty idempotency key, got %q", dsp.EventID)
	}
	if !dsp.Amount.Equal(decimal.NewFromInt(120)) || !dsp.ProceedsUSD.Equal(decimal.RequireFromString("1300.5")) {
		t.Errorf("unexpected amounts: %s / %s", dsp.Amount, dsp.ProceedsUSD)
	}
}

func TestParsePoolEvents(t *testing.T) {
	flow := map[string]interface{}{
		"event_id":   "c-1",
		"pool_id":    "pool-7",
		"holder":     "alice",
		"amount":     "600",
		"amount_usd": "1200",
	}

	evt, err := ingestion.DecodeEvent("Contribution", mustJSON(t, flow))
	if err != nil {
		t.Fatalf("contribution: %v", err)
	}
	if c := evt.(*event.Contribution); c.PoolID != "pool-7" || c.PartitionKey() != "pool:pool-7" {
		t.Errorf("unexpected contribution: %+v", c)
	}

	evt, err = ingestion.DecodeEvent("Withdrawal", mustJSON(t, flow))
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if _, ok := evt.(*event.Withdrawal); !ok {
		t.Errorf("expected *event.Withdrawal, got %T", evt)
	}

	trigger := map[string]interface{}{
		"pool_id":                 "pool-7",
		"target_asset":            "TOKEN",
		"distributed_asset_total": "500",
	}
	evt, err = ingestion.DecodeEvent("PoolSettlementTrigger", mustJSON(t, trigger))
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if s := evt.(*event.PoolSettlementTrigger); s.TargetAsset != "TOKEN" || !s.DistributedAssetTotal.Equal(decimal.NewFromInt(500)) {
		t.Errorf("unexpected trigger: %+v", s)
	}
}

func TestEncodeDecode_PreservesEvent(t *testing.T) {
	ts := time.UnixMicro(1700000000123456).UTC()
	events := []event.Event{
		&event.Acquisition{EventID: "a", Asset: "ETH", Holder: "h", Amount: decimal.NewFromInt(5), CostUSD: decimal.RequireFromString("0.1"), Sequence: 1, Timestamp: ts},
		&event.Disposal{EventID: "d", Asset: "ETH", Holder: "h", Amount: decimal.NewFromInt(2), ProceedsUSD: decimal.NewFromInt(9), Sequence: 2, Timestamp: ts},
		&event.Contribution{EventID: "c", PoolID: "p", Holder: "h", Amount: decimal.NewFromInt(3), AmountUSD: decimal.NewFromInt(3), Sequence: 3, Timestamp: ts},
		&event.Withdrawal{EventID: "w", PoolID: "p", Holder: "h", Amount: decimal.NewFromInt(1), AmountUSD: decimal.NewFromInt(1), Sequence: 4, Timestamp: ts},
		&event.PoolSettlementTrigger{EventID: "s", PoolID: "p", TargetAsset: "T", DistributedAssetTotal: decimal.NewFromInt(10), Sequence: 5, Timestamp: ts},
	}

	for _, evt := range events {
		data, err := ingestion.EncodeEvent(evt)
		if err != nil {
			t.Fatalf("encode %s: %v", evt.EventType(), err)
		}
		back, err := ingestion.DecodeEvent(evt.EventType().String(), data)
		if err != nil {
			t.Fatalf("decode %s: %v", evt.EventType(), err)
		}
		if back.IdempotencyKey() != evt.IdempotencyKey() ||
			back.PartitionKey() != evt.PartitionKey() ||
			back.SourceSequence() != evt.SourceSequence() ||
			!back.EventTime().Equal(evt.EventTime()) {
			t.Errorf("%s did not survive encoding", evt.EventType())
		}
	}
}

func TestParseMissingFields_Fails(t *testing.T) {
	tests := []struct {
		eventType string
		payload   map[string]interface{}
	}{
		{"Acquisition", map[string]interface{}{"holder": "h", "amount": "1"}},
		{"Disposal", map[string]interface{}{"asset": "ETH", "amount": "1"}},
		{"Contribution", map[string]interface{}{"holder": "h", "amount": "1"}},
		{"PoolSettlementTrigger", map[string]interface{}{"pool_id": "p"}},
	}
	for _, tt := range tests {
		_, err := ingestion.DecodeEvent(tt.eventType, mustJSON(t, tt.payload))
		if !errors.Is(err, ingestion.ErrMalformedEvent) {
			t.Errorf("%s: expected ErrMalformedEvent, got %v", tt.eventType, err)
		}
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]string{}), "TradeFill")
	if !errors.Is(err, ingestion.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{not json")}
	if _, err := ingestion.ParseRawEvent(raw, "Acquisition"); !errors.Is(err, ingestion.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestParseInvalidDecimal_Fails(t *testing.T) {
	payload := map[string]interface{}{"asset": "ETH", "holder": "h", "amount": "12abc", "cost_usd": "1"}
	if _, err := ingestion.DecodeEvent("Acquisition", mustJSON(t, payload)); !errors.Is(err, ingestion.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
