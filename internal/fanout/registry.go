package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Config configures the registry.
type Config struct {
	ChannelTimeout time.Duration // Hard lifetime of a push channel
	ChannelBuffer  int           // Events queued per channel before it counts as dead
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChannelTimeout: 30 * time.Minute,
		ChannelBuffer:  64,
	}
}

// Stats provides registry statistics.
type Stats struct {
	Channels    int
	Instruments int
	Created     int64
	Published   int64
	Delivered   int64
	Failed      int64
	Purged      int64
	TimedOut    int64
}

// Registry maps instruments to their live push channels.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[model.InstrumentID]map[uint64]*Channel

	nextID atomic.Uint64

	created   atomic.Int64
	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	purged    atomic.Int64
	timedOut  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = DefaultConfig().ChannelBuffer
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[model.InstrumentID]map[uint64]*Channel),
	}
}

// CreateChannel opens a push channel for id. The channel starts with a
// connected event queued and closes itself after the configured timeout.
func (r *Registry) CreateChannel(id model.InstrumentID) *Channel {
	ch := newChannel(r.nextID.Add(1), id, r.cfg.ChannelBuffer)
	ch.Send(connectedEvent(id))

	r.mu.Lock()
	set, ok := r.channels[id]
	if !ok {
		set = make(map[uint64]*Channel)
		r.channels[id] = set
	}
	set[ch.id] = ch
	r.mu.Unlock()

	if r.cfg.ChannelTimeout > 0 {
		ch.mu.Lock()
		ch.timer = time.AfterFunc(r.cfg.ChannelTimeout, func() {
			r.timedOut.Add(1)
			r.logger.Debug("push channel timed out", "instrument", id, "channel", ch.id)
			r.RemoveChannel(ch)
		})
		ch.mu.Unlock()
	}

	r.created.Add(1)
	r.logger.Debug("push channel created", "instrument", id, "channel", ch.id)
	return ch
}

// RemoveChannel closes ch and unregisters it. Empty instrument sets are
// removed. Safe to call more than once.
func (r *Registry) RemoveChannel(ch *Channel) {
	ch.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ch)
}

func (r *Registry) removeLocked(ch *Channel) bool {
	set, ok := r.channels[ch.instrument]
	if !ok {
		return false
	}
	if _, ok := set[ch.id]; !ok {
		return false
	}
	delete(set, ch.id)
	if len(set) == 0 {
		delete(r.channels, ch.instrument)
	}
	return true
}

// Publish sends ev to every channel of id and returns how many accepted it.
// Channels that are closed or full are purged after delivery completes.
func (r *Registry) Publish(id model.InstrumentID, ev Event) int {
	r.mu.RLock()
	set := r.channels[id]
	snapshot := make([]*Channel, 0, len(set))
	for _, ch := range set {
		snapshot = append(snapshot, ch)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return 0
	}
	r.published.Add(1)

	var dead []*Channel
	delivered := 0
	for _, ch := range snapshot {
		if err := ch.Send(ev); err != nil {
			r.failed.Add(1)
			r.logger.Debug("push send failed",
				"instrument", id,
				"channel", ch.id,
				"error", err,
			)
			dead = append(dead, ch)
			continue
		}
		delivered++
	}
	r.delivered.Add(int64(delivered))

	if len(dead) > 0 {
		r.purge(dead)
	}
	return delivered
}

func (r *Registry) purge(dead []*Channel) {
	for _, ch := range dead {
		ch.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range dead {
		if r.removeLocked(ch) {
			r.purged.Add(1)
		}
	}
}

// HandleTick publishes tick to the instrument's channels. It matches the tick
// bus handler signature.
func (r *Registry) HandleTick(ctx context.Context, tick model.PriceTick) {
	r.Publish(tick.Instrument, PriceEvent(tick))
}

// SubscriberCount returns the live channels for id.
func (r *Registry) SubscriberCount(id model.InstrumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[id])
}

// InstrumentCount returns how many instruments have at least one channel.
func (r *Registry) InstrumentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Counts returns channels per instrument.
func (r *Registry) Counts() map[model.InstrumentID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.InstrumentID]int, len(r.channels))
	for id, set := range r.channels {
		out[id] = len(set)
	}
	return out
}

// CloseAll closes and unregisters every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.channels
	r.channels = make(map[model.InstrumentID]map[uint64]*Channel)
	r.mu.Unlock()

	for _, set := range all {
		for _, ch := range set {
			ch.Close()
		}
	}
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	channels := 0
	for _, set := range r.channels {
		channels += len(set)
	}
	instruments := len(r.channels)
	r.mu.RUnlock()

	return Stats{
		Channels:    channels,
		Instruments: instruments,
		Created:     r.created.Load(),
		Published:   r.published.Load(),
		Delivered:   r.delivered.Load(),
		Failed:      r.failed.Load(),
		Purged:      r.purged.Load(),
		TimedOut:    r.timedOut.Load(),
	}
}
