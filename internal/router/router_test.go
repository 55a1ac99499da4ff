package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/model"
)

var seoul = time.FixedZone("KST", 9*60*60)

// record builds one H0STCNT0 record with the given code, time, price and volume.
func record(code, hhmmss, price, volume string) string {
	fields := []string{
		code, hhmmss, price, "2", "-100", "-0.14", "71049.95",
		"71100", "71300", "70900", "71100", "71000",
		volume, "3052507", "216871952000",
		// trailing fields the parser ignores
		"12345", "23456", "1", "0.87",
	}
	return strings.Join(fields, "^")
}

func TestParser_ValidFrame(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)
	received := time.Date(2024, 3, 4, 0, 35, 0, 0, time.UTC) // 09:35 KST

	frame := "0|H0STCNT0|001|" + record("005930", "093354", "71000", "15")
	ticks, err := p.Parse([]byte(frame), received)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}

	tick := ticks[0]
	if tick.Instrument != "005930" {
		t.Errorf("Instrument = %q, want 005930", tick.Instrument)
	}
	if !tick.Price.Equal(decimal.NewFromInt(71000)) {
		t.Errorf("Price = %s, want 71000", tick.Price)
	}
	if !tick.Change.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("Change = %s, want -100", tick.Change)
	}
	if !tick.ChangeRate.Equal(decimal.RequireFromString("-0.14")) {
		t.Errorf("ChangeRate = %s, want -0.14", tick.ChangeRate)
	}
	if tick.Volume != 15 {
		t.Errorf("Volume = %d, want 15", tick.Volume)
	}
	if tick.AccumulatedVolume != 3052507 {
		t.Errorf("AccumulatedVolume = %d, want 3052507", tick.AccumulatedVolume)
	}
	if !tick.High.Equal(decimal.NewFromInt(71300)) {
		t.Errorf("High = %s, want 71300", tick.High)
	}
	want := time.Date(2024, 3, 4, 9, 33, 54, 0, seoul)
	if !tick.TradeTime.Equal(want) {
		t.Errorf("TradeTime = %v, want %v", tick.TradeTime, want)
	}
	if !tick.ReceivedAt.Equal(received) {
		t.Errorf("ReceivedAt = %v, want %v", tick.ReceivedAt, received)
	}
}

func TestParser_MinimumFields(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)
	fields := strings.Split(record("000660", "100000", "150000", "3"), "^")[:minFieldCount]

	ticks, err := p.Parse([]byte("0|H0STCNT0|001|"+strings.Join(fields, "^")), time.Now())
	if err != nil {
		t.Fatalf("Parse with exactly %d fields failed: %v", minFieldCount, err)
	}
	if ticks[0].Instrument != "000660" {
		t.Errorf("Instrument = %q, want 000660", ticks[0].Instrument)
	}
}

func TestParser_MultiRecordFrame(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)
	frame := "0|H0STCNT0|002|" + record("005930", "093354", "71000", "1") + "^" + record("005930", "093355", "71100", "2")

	ticks, err := p.Parse([]byte(frame), time.Now())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if !ticks[1].Price.Equal(decimal.NewFromInt(71100)) {
		t.Errorf("ticks[1].Price = %s, want 71100", ticks[1].Price)
	}
}

func TestParser_MalformedFrames(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)

	tests := []struct {
		name  string
		frame string
	}{
		{name: "too few sections", frame: "0|H0STCNT0|001"},
		{name: "short payload", frame: "0|H0STCNT0|001|005930^093354^71000"},
		{name: "non-numeric price", frame: "0|H0STCNT0|001|" + record("005930", "093354", "abc", "1")},
		{name: "zero price", frame: "0|H0STCNT0|001|" + record("005930", "093354", "0", "1")},
		{name: "negative price", frame: "0|H0STCNT0|001|" + record("005930", "093354", "-5", "1")},
		{name: "negative volume", frame: "0|H0STCNT0|001|" + record("005930", "093354", "71000", "-1")},
		{name: "non-numeric volume", frame: "0|H0STCNT0|001|" + record("005930", "093354", "71000", "x")},
		{name: "blank code", frame: "0|H0STCNT0|001|" + record(" ", "093354", "71000", "1")},
		{name: "other tr_id", frame: "0|H0STASP0|001|" + record("005930", "093354", "71000", "1")},
		{name: "bad count", frame: "0|H0STCNT0|zz|" + record("005930", "093354", "71000", "1")},
		{name: "uneven records", frame: "0|H0STCNT0|002|" + record("005930", "093354", "71000", "1") + "^extra"},
		{name: "unknown flag", frame: "9|H0STCNT0|001|" + record("005930", "093354", "71000", "1")},
		{name: "empty", frame: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := p.Parse([]byte(tt.frame), time.Now())
			if err == nil {
				t.Fatalf("expected error, got %d ticks", len(ticks))
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("error type = %T, want *ParseError", err)
			}
			if ticks != nil {
				t.Errorf("ticks = %v, want nil", ticks)
			}
		})
	}
}

func TestParser_EncryptedFrame(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)
	_, err := p.Parse([]byte("1|H0STCNT0|001|b64payload"), time.Now())
	if !errors.Is(err, ErrEncrypted) {
		t.Errorf("error = %v, want ErrEncrypted", err)
	}
}

func TestParser_TradeTimeFallback(t *testing.T) {
	p := NewParser("H0STCNT0", seoul)
	received := time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)

	for _, hhmmss := range []string{"", "9999", "256000", "ab1234"} {
		ticks, err := p.Parse([]byte("0|H0STCNT0|001|"+record("005930", hhmmss, "71000", "1")), received)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", hhmmss, err)
		}
		if !ticks[0].TradeTime.Equal(received) {
			t.Errorf("TradeTime for %q = %v, want receive time", hhmmss, ticks[0].TradeTime)
		}
	}
}

type capture struct {
	mu    sync.Mutex
	ticks []model.PriceTick
}

func (c *capture) Publish(tick model.PriceTick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, tick)
	c.mu.Unlock()
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

func TestRouter_StartStop(t *testing.T) {
	input := make(chan connection.RawMessage, 10)
	r := NewRouter(NewParser("H0STCNT0", seoul), input, &capture{}, slog.Default())

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := r.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRouter_RoutesAndDropsMalformed(t *testing.T) {
	input := make(chan connection.RawMessage, 10)
	out := &capture{}
	r := NewRouter(NewParser("H0STCNT0", seoul), input, out, nil)

	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop(ctx)

	now := time.Now()
	input <- connection.RawMessage{Data: []byte("0|H0STCNT0|001|" + record("005930", "093354", "71000", "1")), ReceivedAt: now}
	input <- connection.RawMessage{Data: []byte("garbage"), ReceivedAt: now}
	input <- connection.RawMessage{Data: []byte("1|H0STCNT0|001|secret"), ReceivedAt: now}
	input <- connection.RawMessage{Data: []byte("0|H0STCNT0|001|" + record("000660", "093355", "150000", "2")), ReceivedAt: now}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := r.Stats(); s.TicksRouted == 2 && s.ParseErrors == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := r.Stats()
	if stats.FramesReceived != 4 {
		t.Errorf("FramesReceived = %d, want 4", stats.FramesReceived)
	}
	if stats.TicksRouted != 2 {
		t.Errorf("TicksRouted = %d, want 2", stats.TicksRouted)
	}
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
	if stats.Encrypted != 1 {
		t.Errorf("Encrypted = %d, want 1", stats.Encrypted)
	}
	if out.len() != 2 {
		t.Errorf("published %d ticks, want 2", out.len())
	}
}

func TestRouter_StopDrainsBufferedFrames(t *testing.T) {
	input := make(chan connection.RawMessage, 10)
	out := &capture{}
	r := NewRouter(NewParser("H0STCNT0", seoul), input, out, nil)

	now := time.Now()
	for _, code := range []string{"005930", "000660", "035720"} {
		input <- connection.RawMessage{Data: []byte("0|H0STCNT0|001|" + record(code, "093354", "71000", "2")), ReceivedAt: now}
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if out.len() != 3 {
		t.Errorf("published %d ticks, want 3", out.len())
	}
	stats := r.Stats()
	if stats.TicksRouted != 3 {
		t.Errorf("TicksRouted = %d, want 3", stats.TicksRouted)
	}
	if !stats.LastTickAt.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("LastTickAt = %v, want %v", stats.LastTickAt, now)
	}
}
