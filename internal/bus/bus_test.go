package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

func testTick(id string, price int64) model.PriceTick {
	return model.PriceTick{
		Instrument: model.InstrumentID(id),
		Price:      decimal.NewFromInt(price),
		ReceivedAt: time.Now(),
	}
}

type collector struct {
	mu    sync.Mutex
	ticks []model.PriceTick
}

func (c *collector) handle(ctx context.Context, tick model.PriceTick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, tick)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := New(8, nil)
	var a, c collector
	if err := b.Subscribe("a", a.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe("c", c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Start(context.Background())
	defer b.Stop(context.Background())

	for i := 0; i < 10; i++ {
		b.Publish(testTick("005930", int64(71000+i)))
	}

	waitFor(t, func() bool { return a.len() == 10 && c.len() == 10 })

	// Per-subscriber FIFO
	a.mu.Lock()
	for i, tick := range a.ticks {
		if !tick.Price.Equal(decimal.NewFromInt(int64(71000 + i))) {
			t.Errorf("ticks[%d].Price = %s, want %d", i, tick.Price, 71000+i)
		}
	}
	a.mu.Unlock()

	if got := b.Stats().Published; got != 10 {
		t.Errorf("Published = %d, want 10", got)
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1, nil)
	release := make(chan struct{})
	var fast collector

	b.Subscribe("slow", func(ctx context.Context, tick model.PriceTick) {
		<-release
	})
	b.Subscribe("fast", fast.handle)
	b.Start(context.Background())

	start := time.Now()
	for i := 0; i < 100; i++ {
		b.Publish(testTick("005930", 100))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Publish blocked for %v", elapsed)
	}

	waitFor(t, func() bool { return fast.len() == 100 })

	close(release)
	b.Stop(context.Background())
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	b := New(4, nil)
	var good collector

	b.Subscribe("bad", func(ctx context.Context, tick model.PriceTick) {
		panic("boom")
	})
	b.Subscribe("good", good.handle)
	b.Start(context.Background())

	b.Publish(testTick("005930", 1))
	b.Publish(testTick("005930", 2))

	waitFor(t, func() bool { return good.len() == 2 })
	b.Stop(context.Background())

	for _, cs := range b.Stats().Consumers {
		if cs.Name == "bad" && cs.Panics != 2 {
			t.Errorf("bad.Panics = %d, want 2", cs.Panics)
		}
		if cs.Name == "good" && cs.Handled != 2 {
			t.Errorf("good.Handled = %d, want 2", cs.Handled)
		}
	}
}

func TestBus_StopDrainsQueues(t *testing.T) {
	b := New(4, nil)
	var c collector
	b.Subscribe("c", func(ctx context.Context, tick model.PriceTick) {
		time.Sleep(time.Millisecond)
		c.handle(ctx, tick)
	})
	b.Start(context.Background())

	for i := 0; i < 20; i++ {
		b.Publish(testTick("000660", 1))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Stop(ctx)

	if c.len() != 20 {
		t.Errorf("handled %d ticks before stop returned, want 20", c.len())
	}
}

func TestBus_SubscribeErrors(t *testing.T) {
	b := New(4, nil)
	b.Subscribe("dup", func(context.Context, model.PriceTick) {})

	if err := b.Subscribe("dup", func(context.Context, model.PriceTick) {}); err == nil {
		t.Error("expected error for duplicate subscriber name")
	}

	b.Start(context.Background())
	b.Stop(context.Background())

	if err := b.Subscribe("late", func(context.Context, model.PriceTick) {}); err != ErrStopped {
		t.Errorf("Subscribe after Stop error = %v, want ErrStopped", err)
	}
}

func TestBus_SubscribeAfterStart(t *testing.T) {
	b := New(4, nil)
	b.Start(context.Background())
	defer b.Stop(context.Background())

	var c collector
	b.Subscribe("late", c.handle)
	b.Publish(testTick("005930", 1))

	waitFor(t, func() bool { return c.len() == 1 })
}
