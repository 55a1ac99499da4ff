package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Event names written to push clients.
const (
	EventConnected   = "connected"
	EventPriceUpdate = "price-update"
)

// Errors returned by Channel.Send.
var (
	ErrChannelClosed = errors.New("channel closed")
	ErrChannelFull   = errors.New("channel buffer full")
)

// Event is one message for a push client.
type Event struct {
	Name string
	Data any
}

// PriceUpdate is the payload of a price-update event. Decimals are written
// as JSON numbers without float rounding.
type PriceUpdate struct {
	StockCode    string      `json:"stockCode"`
	CurrentPrice json.Number `json:"currentPrice"`
	PriceChange  json.Number `json:"priceChange"`
	ChangeRate   json.Number `json:"changeRate"`
	TradeTime    time.Time   `json:"tradeTime"`
	Volume       int64       `json:"volume"`
}

// NewPriceUpdate builds the payload for tick.
func NewPriceUpdate(tick model.PriceTick) PriceUpdate {
	return PriceUpdate{
		StockCode:    string(tick.Instrument),
		CurrentPrice: json.Number(tick.Price.String()),
		PriceChange:  json.Number(tick.Change.String()),
		ChangeRate:   json.Number(tick.ChangeRate.String()),
		TradeTime:    tick.TradeTime,
		Volume:       tick.Volume,
	}
}

// PriceEvent wraps tick as a price-update event.
func PriceEvent(tick model.PriceTick) Event {
	return Event{Name: EventPriceUpdate, Data: NewPriceUpdate(tick)}
}

func connectedEvent(id model.InstrumentID) Event {
	return Event{Name: EventConnected, Data: fmt.Sprintf("Connected to %s price stream", id)}
}

// Channel is one live push subscriber for an instrument.
type Channel struct {
	id         uint64
	instrument model.InstrumentID
	createdAt  time.Time

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	timer  *time.Timer
}

func newChannel(id uint64, instrument model.InstrumentID, buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{
		id:         id,
		instrument: instrument,
		createdAt:  time.Now(),
		events:     make(chan Event, buffer),
		done:       make(chan struct{}),
	}
}

// ID returns the registry-unique channel id.
func (c *Channel) ID() uint64 { return c.id }

// Instrument returns the instrument this channel follows.
func (c *Channel) Instrument() model.InstrumentID { return c.instrument }

// CreatedAt returns when the channel was opened.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Events returns queued events. Readers should also watch Done.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send queues ev without blocking.
func (c *Channel) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	select {
	case c.events <- ev:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close marks the channel finished. It does not unregister it; see
// Registry.RemoveChannel.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.done)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
