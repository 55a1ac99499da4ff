package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxInstrumentIDLength is the longest instrument code accepted.
const MaxInstrumentIDLength = 20

var (
	// ErrInvalidInstrument is returned by ParseInstrumentID.
	ErrInvalidInstrument = errors.New("invalid instrument id")

	// ErrNotFound is returned by stores when no price is recorded.
	ErrNotFound = errors.New("not found")
)

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// InstrumentID is a short exchange code (e.g., "005930").
type InstrumentID string

// ParseInstrumentID trims and validates a raw instrument code.
func ParseInstrumentID(s string) (InstrumentID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: blank", ErrInvalidInstrument)
	}
	if len(s) > MaxInstrumentIDLength {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrInvalidInstrument, s, MaxInstrumentIDLength)
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r == '.' || r == '-' || r == '_':
		default:
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidInstrument, s, r)
		}
	}
	return InstrumentID(s), nil
}

// String implements fmt.Stringer.
func (id InstrumentID) String() string { return string(id) }

// -----------------------------------------------------------------------------
// Stream Types
// -----------------------------------------------------------------------------

// PriceTick is one trade print from the realtime feed.
type PriceTick struct {
	Instrument InstrumentID
	Price      decimal.Decimal // Last trade price, always > 0
	Change     decimal.Decimal // Change vs. previous close (signed)
	ChangeRate decimal.Decimal // Change rate in percent (signed)
	TradeTime  time.Time       // Exchange trade time
	Volume     int64           // Volume of this print
	ReceivedAt time.Time       // Local receive time

	// Session fields carried by the feed; zero when absent.
	Sign              string
	Open              decimal.Decimal
	High              decimal.Decimal
	Low               decimal.Decimal
	AccumulatedVolume int64
	AccumulatedAmount int64
}

// CurrentPriceEntry is the latest known price for one instrument.
type CurrentPriceEntry struct {
	Instrument InstrumentID
	Price      decimal.Decimal
	UpdatedAt  time.Time
}

// Age returns how old the entry is at now.
func (e CurrentPriceEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

// IsStale reports whether the entry has reached the staleness threshold.
func (e CurrentPriceEntry) IsStale(now time.Time, threshold time.Duration) bool {
	return e.Age(now) >= threshold
}

// HistoryRecord is a durable copy of a tick, written by the history flusher.
type HistoryRecord struct {
	ID         uuid.UUID
	Instrument InstrumentID
	Price      decimal.Decimal
	Change     decimal.Decimal
	ChangeRate decimal.Decimal
	Volume     int64
	TradeTime  time.Time
	CreatedAt  time.Time
}

// NewHistoryRecord snapshots a tick with a fresh id.
func NewHistoryRecord(t PriceTick) HistoryRecord {
	return HistoryRecord{
		ID:         uuid.New(),
		Instrument: t.Instrument,
		Price:      t.Price,
		Change:     t.Change,
		ChangeRate: t.ChangeRate,
		Volume:     t.Volume,
		TradeTime:  t.TradeTime,
		CreatedAt:  t.ReceivedAt,
	}
}

// -----------------------------------------------------------------------------
// Connection Types
// -----------------------------------------------------------------------------

// SubscriptionState tracks one instrument on the feed.
type SubscriptionState struct {
	Instrument InstrumentID
	Subscribed bool // true once the feed acknowledged the subscribe frame
}

// ConnectionState is the lifecycle state of the feed connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}
