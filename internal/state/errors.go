package state

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects a single event carrying a non-positive or
	// non-integral quantity, or a negative USD amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEvent rejects an event with missing identifiers.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrLotScanExhausted marks a bounded lot scan that hit its cap.
	ErrLotScanExhausted = errors.New("lot scan exhausted")

	// ErrShortPosition marks a disposal larger than the tracked lots.
	ErrShortPosition = errors.New("short position")

	// ErrPoolAlreadySettled rejects contributions and withdrawals after settlement.
	ErrPoolAlreadySettled = errors.New("pool already settled")

	// ErrLotConsumed is returned when a fully consumed lot is touched again.
	ErrLotConsumed = errors.New("lot already fully consumed")

	// ErrOutOfOrder marks an event whose source sequence went backwards.
	ErrOutOfOrder = errors.New("out-of-order event")
)

// WarningKind classifies non-fatal conditions raised while applying an event
type WarningKind int32

const (
	WarningUnknown WarningKind = iota
	WarningLotScanExhausted
	WarningShortPosition
	WarningOutOfOrder
)

func (k WarningKind) String() string {
	switch k {
	case WarningLotScanExhausted:
		return "LotScanExhausted"
	case WarningShortPosition:
		return "ShortPosition"
	case WarningOutOfOrder:
		return "OutOfOrder"
	default:
		return "Unknown"
	}
}

// Warning is a recoverable condition recorded against the event that raised it.
// The event is still applied; the warning travels with the apply result.
type Warning struct {
	Kind WarningKind
	// Key is the partition the warning belongs to (position or pool key)
	Key string
	// Unmatched is the disposal quantity left without cost basis (ShortPosition,
	// LotScanExhausted during disposal). Zero otherwise.
	Unmatched decimal.Decimal
	Detail    string
}

func (w Warning) Error() string {
	if !w.Unmatched.IsZero() {
		return fmt.Sprintf("%s: %s (unmatched=%s)", w.Kind, w.Detail, w.Unmatched)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Detail)
}

// Unwrap lets callers match warnings with errors.Is against the sentinels.
func (w Warning) Unwrap() error {
	switch w.Kind {
	case WarningLotScanExhausted:
		return ErrLotScanExhausted
	case WarningShortPosition:
		return ErrShortPosition
	case WarningOutOfOrder:
		return ErrOutOfOrder
	default:
		return nil
	}
}
