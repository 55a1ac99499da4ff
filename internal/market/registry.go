package market

import (
	"context"

	"github.com/truvis/pricestream/internal/model"
)

// ChangeBufferSize is the capacity of the Change channel.
const ChangeBufferSize = 1000

// Source records why an instrument is tracked.
type Source string

const (
	SourceConfig  Source = "config"  // listed in feed.instruments
	SourceDurable Source = "durable" // has a stored price
	SourceStream  Source = "stream"  // a viewer opened a price stream
	SourceAdmin   Source = "admin"
)

// Streams reports whether instruments from s should be subscribed on the feed.
// Instruments known only from the durable store are refreshed over REST but
// not streamed.
func (s Source) Streams() bool {
	return s != SourceDurable
}

// Change event types.
const (
	EventTracked   = "tracked"
	EventUntracked = "untracked"
)

// Registry manages the set of tracked instruments.
type Registry interface {
	// Start loads the initial set and begins background reconciliation.
	Start(ctx context.Context) error

	// Stop gracefully shuts down.
	Stop(ctx context.Context) error

	// Track adds id. Returns true if id was not tracked before. Tracking an
	// instrument again from a streaming source upgrades it to streamed.
	Track(id model.InstrumentID, source Source) bool

	// Untrack removes id. Returns true if it was tracked.
	Untrack(id model.InstrumentID) bool

	// IsTracked reports whether id is tracked.
	IsTracked(id model.InstrumentID) bool

	// Tracked returns all tracked instruments, sorted.
	Tracked() []model.InstrumentID

	// Streamed returns tracked instruments that should be on the feed, sorted.
	Streamed() []model.InstrumentID

	// SubscribeChanges returns a channel of tracking changes.
	// The connection manager uses this to know when to subscribe/unsubscribe.
	SubscribeChanges() <-chan Change
}

// Change represents a tracking transition.
type Change struct {
	Instrument model.InstrumentID
	EventType  string // "tracked" or "untracked"
	Source     Source
}

// InstrumentLister lists instruments known to the durable store.
type InstrumentLister interface {
	ListInstruments(ctx context.Context) ([]model.InstrumentID, error)
}
