package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/bus"
	"github.com/truvis/pricestream/internal/cache"
	"github.com/truvis/pricestream/internal/fanout"
	"github.com/truvis/pricestream/internal/market"
	"github.com/truvis/pricestream/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// fakeTracker records Track calls.
type fakeTracker struct {
	mu      sync.Mutex
	tracked map[model.InstrumentID]market.Source
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[model.InstrumentID]market.Source)}
}

func (f *fakeTracker) Track(id model.InstrumentID, source market.Source) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracked[id]; ok {
		return false
	}
	f.tracked[id] = source
	return true
}

func (f *fakeTracker) Untrack(id model.InstrumentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracked[id]; !ok {
		return false
	}
	delete(f.tracked, id)
	return true
}

func (f *fakeTracker) IsTracked(id model.InstrumentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tracked[id]
	return ok
}

func (f *fakeTracker) Tracked() []model.InstrumentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]model.InstrumentID, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeTracker) source(id model.InstrumentID) market.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[id]
}

// fakeFeed reports a fixed connection state.
type fakeFeed struct {
	state model.ConnectionState
	subs  []model.SubscriptionState
}

func (f *fakeFeed) State() model.ConnectionState             { return f.state }
func (f *fakeFeed) IsHealthy() bool                          { return f.state == model.StateConnected }
func (f *fakeFeed) Subscriptions() []model.SubscriptionState { return f.subs }

type fakeProvider struct{ healthy bool }

func (p fakeProvider) IsHealthy(context.Context) bool { return p.healthy }

type recorder struct {
	mu     sync.Mutex
	routes []string
	codes  []int
}

func (r *recorder) RecordHTTPRequest(route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	r.codes = append(r.codes, status)
}

type testEnv struct {
	streams *fanout.Registry
	prices  *cache.PriceCache
	tracker *fakeTracker
	feed    *fakeFeed
	app     *App
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		streams: fanout.NewRegistry(fanout.DefaultConfig(), testLogger),
		prices:  cache.New(cache.DefaultConfig(), cache.NewMemoryStore(), nil, nil, testLogger),
		tracker: newFakeTracker(),
		feed: &fakeFeed{
			state: model.StateConnected,
			subs:  []model.SubscriptionState{{Instrument: "005930", Subscribed: true}},
		},
	}
	env.app = NewApp(App{
		Streams:  env.streams,
		Prices:   env.prices,
		Tracker:  env.tracker,
		Feed:     env.feed,
		Provider: fakeProvider{healthy: true},
		Logger:   testLogger,
	})
	env.server = httptest.NewServer(NewRouter(env.app, RouterConfig{}))
	t.Cleanup(func() {
		env.streams.CloseAll()
		env.server.Close()
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, e.server.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	resp.Body.Close()
	return resp
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readEvents parses events from r and sends them on the returned channel.
func readEvents(r io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.name != "" || ev.data != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestStream_EndToEnd(t *testing.T) {
	env := newTestEnv(t)

	b := bus.New(16, testLogger)
	b.Subscribe("fanout", env.streams.HandleTick)
	b.Subscribe("cache", env.prices.HandleTick)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("bus Start() error = %v", err)
	}
	defer b.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/stocks/005930/price/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readEvents(resp.Body)

	first := nextEvent(t, events)
	if first.name != fanout.EventConnected {
		t.Errorf("first event = %q, want %q", first.name, fanout.EventConnected)
	}
	if first.data != "Connected to 005930 price stream" {
		t.Errorf("connected data = %q", first.data)
	}

	if env.tracker.source("005930") != market.SourceStream {
		t.Errorf("instrument not tracked from stream, source = %q", env.tracker.source("005930"))
	}

	waitFor(t, func() bool { return env.streams.SubscriberCount("005930") == 1 })

	b.Publish(model.PriceTick{
		Instrument: "005930",
		Price:      decimal.NewFromInt(71000),
		Change:     decimal.NewFromInt(-100),
		ChangeRate: decimal.RequireFromString("-0.14"),
		TradeTime:  time.Now(),
		Volume:     10,
		ReceivedAt: time.Now(),
	})

	ev := nextEvent(t, events)
	if ev.name != fanout.EventPriceUpdate {
		t.Fatalf("event = %q, want %q", ev.name, fanout.EventPriceUpdate)
	}

	var update map[string]any
	dec := json.NewDecoder(strings.NewReader(ev.data))
	dec.UseNumber()
	if err := dec.Decode(&update); err != nil {
		t.Fatalf("decode price-update %q: %v", ev.data, err)
	}
	if update["stockCode"] != "005930" {
		t.Errorf("stockCode = %v, want 005930", update["stockCode"])
	}
	if update["currentPrice"] != json.Number("71000") {
		t.Errorf("currentPrice = %v, want 71000", update["currentPrice"])
	}

	// The same tick reached the cache.
	waitFor(t, func() bool {
		res, err := env.prices.Get(context.Background(), "005930")
		return err == nil && res.Entry.Price.Equal(decimal.NewFromInt(71000))
	})

	_, body := env.get(t, "/api/stocks/005930/price")
	var price priceResponse
	if err := json.Unmarshal(body, &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if price.CurrentPrice != "71000" || price.Source != string(cache.SourceCache) {
		t.Errorf("price = %+v, want 71000 from cache", price)
	}

	// Client leaves; the channel is removed.
	cancel()
	waitFor(t, func() bool { return env.streams.SubscriberCount("005930") == 0 })
}

func TestStream_InvalidCode(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/stocks/bad%20code/price/stream")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "invalid_stock_code") {
		t.Errorf("body = %s, want invalid_stock_code", body)
	}
}

func TestStream_ShuttingDown(t *testing.T) {
	env := newTestEnv(t)
	env.app.StartShutdown()

	resp, _ := env.get(t, "/api/stocks/005930/price/stream")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStream_ChannelRemovedEndsResponse(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/stocks/000660/price/stream")
	if err != nil {
		t.Fatalf("stream request error = %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(resp.Body)
	nextEvent(t, events)

	env.streams.CloseAll()

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after its channel closed")
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t)
	env.prices.Set(context.Background(), "005930", decimal.NewFromInt(71000))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"cached", "/api/stocks/005930/price", http.StatusOK, `"currentPrice":"71000"`},
		{"unknown", "/api/stocks/000660/price", http.StatusNotFound, "price_unavailable"},
		{"invalid", "/api/stocks/$$$/price", http.StatusBadRequest, "invalid_stock_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.get(t, tt.path)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tt.wantBody)
			}
		})
	}
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)
	env.streams.CreateChannel("005930")
	env.streams.CreateChannel("005930")
	env.streams.CreateChannel("000660")
	env.tracker.Track("005930", market.SourceConfig)

	resp, body := env.get(t, "/admin/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Channels != 3 {
		t.Errorf("Channels = %d, want 3", stats.Channels)
	}
	if stats.Instruments != 2 {
		t.Errorf("Instruments = %d, want 2", stats.Instruments)
	}
	if stats.SubscribedInstruments != 1 {
		t.Errorf("SubscribedInstruments = %d, want 1", stats.SubscribedInstruments)
	}
	if stats.TrackedInstruments != 1 {
		t.Errorf("TrackedInstruments = %d, want 1", stats.TrackedInstruments)
	}
	if stats.ConnectionState != model.StateConnected.String() || !stats.FeedHealthy {
		t.Errorf("feed = %q healthy=%v, want connected", stats.ConnectionState, stats.FeedHealthy)
	}
	if !stats.ProviderHealthy {
		t.Error("ProviderHealthy = false, want true")
	}
	if stats.Subscribers["005930"] != 2 {
		t.Errorf("Subscribers[005930] = %d, want 2", stats.Subscribers["005930"])
	}
}

func TestAdminSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.streams.CreateChannel("005930")
	env.tracker.Track("005930", market.SourceStream)

	_, body := env.get(t, "/admin/subscribers/005930")

	var got subscribersResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := subscribersResponse{StockCode: "005930", Subscribers: 1, Tracked: true, Subscribed: true}
	if got != want {
		t.Errorf("response = %+v, want %+v", got, want)
	}
}

func TestAdminTrackUntrack(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPut, "/admin/instruments/035720"); resp.StatusCode != http.StatusCreated {
		t.Errorf("first PUT status = %d, want 201", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPut, "/admin/instruments/035720"); resp.StatusCode != http.StatusOK {
		t.Errorf("second PUT status = %d, want 200", resp.StatusCode)
	}
	if env.tracker.source("035720") != market.SourceAdmin {
		t.Errorf("source = %q, want admin", env.tracker.source("035720"))
	}

	if resp := env.do(t, http.MethodDelete, "/admin/instruments/035720"); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/admin/instruments/035720"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      model.ConnectionState
		closing    bool
		wantStatus int
		wantBody   string
	}{
		{"connected", model.StateConnected, false, http.StatusOK, `"status":"ok"`},
		{"degraded", model.StateDegraded, false, http.StatusOK, `"status":"degraded"`},
		{"shutting down", model.StateConnected, true, http.StatusServiceUnavailable, `"status":"shutting_down"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.feed.state = tt.state
			if tt.closing {
				env.app.StartShutdown()
			}

			resp, body := env.get(t, "/health")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want %s", body, tt.wantBody)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	rec := &recorder{}
	app := NewApp(App{
		Streams: fanout.NewRegistry(fanout.DefaultConfig(), testLogger),
		Prices:  cache.New(cache.DefaultConfig(), cache.NewMemoryStore(), nil, nil, testLogger),
		Logger:  testLogger,
	})
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "metrics")
	})
	srv := httptest.NewServer(NewRouter(app, RouterConfig{MetricsHandler: metricsHandler, Recorder: rec}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want req-123", got)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "metrics" {
		t.Errorf("metrics body = %q", body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("generated X-Request-Id missing")
	}

	// Admin tracking routes are absent without a tracker.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/admin/instruments/005930", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	resp.Body.Close()

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.routes) >= 3
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"GET /health", "GET /metrics", "unmatched"}
	if len(rec.routes) != len(want) {
		t.Fatalf("routes = %v, want %v", rec.routes, want)
	}
	for i := range want {
		if rec.routes[i] != want[i] {
			t.Errorf("routes[%d] = %q, want %q", i, rec.routes[i], want[i])
		}
	}
	if rec.codes[2] != http.StatusNotFound && rec.codes[2] != http.StatusMethodNotAllowed {
		t.Errorf("unmatched code = %d, want 404 or 405", rec.codes[2])
	}
}
