package ingestion

import (
	"LotLedger/internal/event"
	"context"
	"fmt"
)

// Injector publishes events onto the inbound transport in their wire form.
// Used by the lotctl CLI and by integration tests.
type Injector struct {
	writer MessageWriter
}

func NewInjector(writer MessageWriter) *Injector {
	return &Injector{writer: writer}
}

// InboundMessage builds the message an upstream producer would send for evt.
// NATS subjects are tokenized by asset or pool id.
func InboundMessage(evt event.Event) (Message, error) {
	data, err := EncodeEvent(evt)
	if err != nil {
		return Message{}, err
	}

	eventType := evt.EventType().String()
	subject, err := SubjectFor(eventType, subjectToken(evt))
	if err != nil {
		return Message{}, err
	}

	return Message{
		Subject:   subject,
		Key:       evt.PartitionKey(),
		EventType: eventType,
		Data:      data,
	}, nil
}

func subjectToken(evt event.Event) string {
	switch e := evt.(type) {
	case *event.Acquisition:
		return e.Asset
	case *event.Disposal:
		return e.Asset
	case *event.Contribution:
		return e.PoolID
	case *event.Withdrawal:
		return e.PoolID
	case *event.PoolSettlementTrigger:
		return e.PoolID
	default:
		return ""
	}
}

func (inj *Injector) Inject(ctx context.Context, evt event.Event) error {
	msg, err := InboundMessage(evt)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	if err := inj.writer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("inject %s: %w", msg.Subject, err)
	}
	return nil
}

func (inj *Injector) Close() error {
	return inj.writer.Close()
}
