package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/truvis/pricestream/internal/model"
)

// ErrStopped is returned by Subscribe after Stop.
var ErrStopped = errors.New("tick bus stopped")

// Handler consumes ticks for one subscriber. Handlers run on the
// subscriber's own goroutine, one tick at a time.
type Handler func(ctx context.Context, tick model.PriceTick)

// Stats contains bus statistics.
type Stats struct {
	Published int64
	Consumers []ConsumerStats
}

// ConsumerStats contains per-subscriber statistics.
type ConsumerStats struct {
	Name    string
	Handled int64
	Panics  int64
	Queue   QueueStats
}

type consumer struct {
	name    string
	handler Handler
	queue   *Queue[model.PriceTick]

	handled atomic.Int64
	panics  atomic.Int64
}

// Bus delivers every published tick to every subscriber. Each subscriber
// has an unbounded queue drained by a dedicated worker, so a slow
// subscriber never delays the publisher or the other subscribers.
type Bus struct {
	logger       *slog.Logger
	initialQueue int

	mu        sync.RWMutex
	consumers []*consumer
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
}

// New creates a bus. initialQueue is the starting capacity of each
// subscriber queue.
func New(initialQueue int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:       logger,
		initialQueue: initialQueue,
	}
}

// Subscribe registers a named handler. Subscribers added after Start get
// their worker immediately and only see ticks published from then on.
func (b *Bus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	for _, c := range b.consumers {
		if c.name == name {
			return fmt.Errorf("subscriber %q already registered", name)
		}
	}

	c := &consumer{
		name:    name,
		handler: h,
		queue:   NewQueue[model.PriceTick](b.initialQueue),
	}
	b.consumers = append(b.consumers, c)

	if b.started {
		b.wg.Add(1)
		go b.work(c)
	}
	return nil
}

// Start launches one worker per subscriber.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	for _, c := range b.consumers {
		b.wg.Add(1)
		go b.work(c)
	}

	b.logger.Info("tick bus started", "subscribers", len(b.consumers))
	return nil
}

// Stop closes every queue and waits for the workers to drain them.
func (b *Bus) Stop(ctx context.Context) error {
	b.logger.Info("stopping tick bus")

	b.mu.Lock()
	b.stopped = true
	for _, c := range b.consumers {
		c.queue.Close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("tick bus stopped")
	case <-ctx.Done():
		b.logger.Warn("tick bus stop timed out")
	}

	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

// Publish enqueues tick for every subscriber and returns immediately.
func (b *Bus) Publish(tick model.PriceTick) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, c := range b.consumers {
		c.queue.Push(tick)
	}
}

// Stats returns current statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Published: b.published.Load(),
		Consumers: make([]ConsumerStats, 0, len(b.consumers)),
	}
	for _, c := range b.consumers {
		s.Consumers = append(s.Consumers, ConsumerStats{
			Name:    c.name,
			Handled: c.handled.Load(),
			Panics:  c.panics.Load(),
			Queue:   c.queue.Stats(),
		})
	}
	return s
}

// work drains one subscriber queue until it is closed and empty.
func (b *Bus) work(c *consumer) {
	defer b.wg.Done()

	for {
		tick, ok := c.queue.Pop()
		if !ok {
			return
		}
		b.dispatch(c, tick)
	}
}

func (b *Bus) dispatch(c *consumer, tick model.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			b.logger.Error("tick handler panicked",
				"subscriber", c.name,
				"instrument", tick.Instrument,
				"panic", r,
			)
		}
	}()

	c.handler(b.ctx, tick)
	c.handled.Add(1)
}
