package httpapi

import (
	"log/slog"
	"net/http"
)

// RouterConfig holds optional routing extras.
type RouterConfig struct {
	MetricsPath    string       // defaults to /metrics
	MetricsHandler http.Handler // nil disables the metrics route
	Recorder       RequestRecorder
	Logger         *slog.Logger
}

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = app.Logger
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stocks/{code}/price/stream", app.streamPriceHandler)
	mux.HandleFunc("GET /api/stocks/{code}/price", app.getPriceHandler)
	mux.HandleFunc("GET /admin/stats", app.statsHandler)
	mux.HandleFunc("GET /admin/subscribers/{code}", app.subscribersHandler)
	if app.Tracker != nil {
		mux.HandleFunc("PUT /admin/instruments/{code}", app.trackHandler)
		mux.HandleFunc("DELETE /admin/instruments/{code}", app.untrackHandler)
	}
	mux.HandleFunc("GET /health", app.healthHandler)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET "+cfg.MetricsPath, cfg.MetricsHandler)
	}

	return WithRequestID(WithLogging(cfg.Logger, cfg.Recorder, mux))
}
