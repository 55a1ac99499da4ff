package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/truvis/pricestream/internal/cache"
	"github.com/truvis/pricestream/internal/fanout"
	"github.com/truvis/pricestream/internal/market"
	"github.com/truvis/pricestream/internal/model"
)

// Streams manages live push channels. *fanout.Registry implements it.
type Streams interface {
	CreateChannel(id model.InstrumentID) *fanout.Channel
	RemoveChannel(ch *fanout.Channel)
	SubscriberCount(id model.InstrumentID) int
	InstrumentCount() int
	Counts() map[model.InstrumentID]int
}

// Prices reads current prices. *cache.PriceCache implements it.
type Prices interface {
	Get(ctx context.Context, id model.InstrumentID) (cache.Result, error)
}

// Tracker adds instruments to the feed. market.Registry implements it.
type Tracker interface {
	Track(id model.InstrumentID, source market.Source) bool
	Untrack(id model.InstrumentID) bool
	IsTracked(id model.InstrumentID) bool
	Tracked() []model.InstrumentID
}

// Feed reports the upstream connection. connection.Manager implements it.
type Feed interface {
	State() model.ConnectionState
	IsHealthy() bool
	Subscriptions() []model.SubscriptionState
}

// ProviderHealth reports whether the REST provider is usable.
// *api.Client implements it.
type ProviderHealth interface {
	IsHealthy(ctx context.Context) bool
}

// StreamGauge counts open streams. prometheus.Gauge implements it.
type StreamGauge interface {
	Inc()
	Dec()
}

// App holds the handler dependencies.
type App struct {
	Streams   Streams
	Prices    Prices
	Tracker   Tracker
	Feed      Feed
	Provider  ProviderHealth
	Gauge     StreamGauge
	KeepAlive time.Duration // SSE comment interval, 0 disables
	Logger    *slog.Logger

	closing atomic.Bool
	started time.Time
}

// NewApp returns an App with defaults applied.
func NewApp(a App) *App {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	a.started = time.Now()
	return &a
}

// StartShutdown makes new streams and health checks report unavailable.
func (a *App) StartShutdown() {
	a.closing.Store(true)
}

type priceResponse struct {
	StockCode    string    `json:"stockCode"`
	CurrentPrice string    `json:"currentPrice"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Source       string    `json:"source"`
	Stale        bool      `json:"stale"`
}

type statsResponse struct {
	Channels              int                        `json:"channels"`
	Instruments           int                        `json:"instruments"`
	SubscribedInstruments int                        `json:"subscribedInstruments"`
	TrackedInstruments    int                        `json:"trackedInstruments"`
	ConnectionState       string                     `json:"connectionState"`
	FeedHealthy           bool                       `json:"feedHealthy"`
	ProviderHealthy       bool                       `json:"providerHealthy"`
	Subscribers           map[model.InstrumentID]int `json:"subscribers"`
}

type subscribersResponse struct {
	StockCode   string `json:"stockCode"`
	Subscribers int    `json:"subscribers"`
	Tracked     bool   `json:"tracked"`
	Subscribed  bool   `json:"subscribed"`
}

type healthResponse struct {
	Status          string `json:"status"`
	ConnectionState string `json:"connectionState"`
	Uptime          string `json:"uptime"`
}

func parseCode(w http.ResponseWriter, r *http.Request) (model.InstrumentID, bool) {
	id, err := model.ParseInstrumentID(r.PathValue("code"))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_stock_code", err.Error())
		return "", false
	}
	return id, true
}

// streamPriceHandler serves price-update events for one instrument as
// server-sent events until the client leaves or the channel times out.
func (a *App) streamPriceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCode(w, r)
	if !ok {
		return
	}
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}

	rc := http.NewResponseController(w)

	ch := a.Streams.CreateChannel(id)
	defer a.Streams.RemoveChannel(ch)

	if a.Tracker != nil && a.Tracker.Track(id, market.SourceStream) {
		a.Logger.Info("stream opened for new instrument", "instrument", id)
	}

	if a.Gauge != nil {
		a.Gauge.Inc()
		defer a.Gauge.Dec()
	}

	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.Logger.Warn("stream cannot flush", "instrument", id, "error", err)
		return
	}

	var keepAlive <-chan time.Time
	if a.KeepAlive > 0 {
		t := time.NewTicker(a.KeepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.Done():
			return
		case <-keepAlive:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		case ev := <-ch.Events():
			err := sse.Encode(w, sse.Event{
				Event: ev.Name,
				Data:  ev.Data,
			})
			if err != nil {
				a.Logger.Debug("stream write failed", "instrument", id, "error", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// getPriceHandler returns the current price through the cache fallback chain.
func (a *App) getPriceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCode(w, r)
	if !ok {
		return
	}

	res, err := a.Prices.Get(r.Context(), id)
	switch {
	case errors.Is(err, cache.ErrPriceUnavailable):
		WriteJSONError(w, http.StatusNotFound, "price_unavailable", string(id))
		return
	case err != nil:
		WriteJSONError(w, http.StatusServiceUnavailable, "price_lookup_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		StockCode:    string(id),
		CurrentPrice: res.Entry.Price.String(),
		UpdatedAt:    res.Entry.UpdatedAt,
		Source:       string(res.Source),
		Stale:        res.Stale,
	})
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	counts := a.Streams.Counts()
	channels := 0
	for _, n := range counts {
		channels += n
	}

	resp := statsResponse{
		Channels:    channels,
		Instruments: a.Streams.InstrumentCount(),
		Subscribers: counts,
	}
	if a.Feed != nil {
		resp.SubscribedInstruments = len(a.Feed.Subscriptions())
		resp.ConnectionState = a.Feed.State().String()
		resp.FeedHealthy = a.Feed.IsHealthy()
	}
	if a.Tracker != nil {
		resp.TrackedInstruments = len(a.Tracker.Tracked())
	}
	if a.Provider != nil {
		resp.ProviderHealthy = a.Provider.IsHealthy(r.Context())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) subscribersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCode(w, r)
	if !ok {
		return
	}

	resp := subscribersResponse{
		StockCode:   string(id),
		Subscribers: a.Streams.SubscriberCount(id),
	}
	if a.Tracker != nil {
		resp.Tracked = a.Tracker.IsTracked(id)
	}
	if a.Feed != nil {
		for _, s := range a.Feed.Subscriptions() {
			if s.Instrument == id {
				resp.Subscribed = s.Subscribed
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// trackHandler adds an instrument to the feed without opening a stream.
func (a *App) trackHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCode(w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	if a.Tracker.Track(id, market.SourceAdmin) {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"stockCode": string(id)})
}

// untrackHandler drops an instrument from the feed and from refreshes.
func (a *App) untrackHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCode(w, r)
	if !ok {
		return
	}

	if !a.Tracker.Untrack(id) {
		WriteJSONError(w, http.StatusNotFound, "not_tracked", string(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}
	if a.Feed != nil {
		resp.ConnectionState = a.Feed.State().String()
		if !a.Feed.IsHealthy() {
			// Prices are still served from the cache and the REST fallback.
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if a.closing.Load() {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
