// streamtest connects to the realtime feed and prints parsed ticks to the
// console. With -rest it polls the quotation API instead.
//
// Usage: go run ./cmd/streamtest --config configs/streamer.yaml --codes 005930,000660
//
// Credentials come from the config file, usually via ${KIS_APP_KEY} and
// ${KIS_APP_SECRET} in the environment or a .env file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/truvis/pricestream/internal/api"
	"github.com/truvis/pricestream/internal/auth"
	"github.com/truvis/pricestream/internal/config"
	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/model"
	"github.com/truvis/pricestream/internal/router"
)

// printer receives ticks from the router and prints them off the hot path.
type printer struct {
	ticks   chan model.PriceTick
	verbose bool
}

func (p *printer) Publish(tick model.PriceTick) {
	select {
	case p.ticks <- tick:
	default:
	}
}

func (p *printer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.ticks:
			if p.verbose {
				data, _ := json.MarshalIndent(t, "", "  ")
				fmt.Printf("[TICK] %s\n", data)
				continue
			}
			fmt.Printf("[TICK] code=%s price=%s change=%s rate=%s%% vol=%d time=%s\n",
				t.Instrument, t.Price, t.Change, t.ChangeRate, t.Volume, t.TradeTime.Format("15:04:05"))
		}
	}
}

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	codesFlag := flag.String("codes", "", "comma-separated stock codes (default: feed.instruments)")
	rest := flag.Bool("rest", false, "poll the REST quotation API instead of streaming")
	interval := flag.Duration("interval", 5*time.Second, "poll interval in -rest mode")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	raw := cfg.Feed.Instruments
	if *codesFlag != "" {
		raw = strings.Split(*codesFlag, ",")
	}
	var codes []model.InstrumentID
	for _, r := range raw {
		id, err := model.ParseInstrumentID(strings.TrimSpace(r))
		if err != nil {
			logger.Error("invalid stock code", "code", r, "error", err)
			os.Exit(1)
		}
		codes = append(codes, id)
	}
	if len(codes) == 0 {
		logger.Error("no stock codes given; use --codes or feed.instruments")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	creds := auth.Credentials{AppKey: cfg.KIS.AppKey, AppSecret: cfg.KIS.AppSecret}
	if err := creds.Validate(); err != nil {
		logger.Error("credentials required", "error", err)
		os.Exit(1)
	}
	authClient := auth.NewClient(cfg.KIS.RestURL, creds, &http.Client{Timeout: 30 * time.Second}, logger)

	if *rest {
		pollQuotes(ctx, cfg, creds, authClient, codes, *interval, logger)
		return
	}

	loc, err := time.LoadLocation(cfg.Feed.Timezone)
	if err != nil {
		logger.Error("invalid feed timezone", "error", err)
		os.Exit(1)
	}

	connCfg := connection.DefaultManagerConfig()
	connCfg.Client.URL = cfg.KIS.WSURL
	connCfg.TRID = cfg.Feed.TRID
	connCfg.CustomerType = cfg.KIS.CustomerType

	connMgr := connection.NewManager(connCfg, authClient, logger)

	out := &printer{ticks: make(chan model.PriceTick, 1000), verbose: *verbose}
	rtr := router.NewRouter(router.NewParser(cfg.Feed.TRID, loc), connMgr.Messages(), out, logger)

	// Register before connecting so Initialize subscribes them all.
	for _, id := range codes {
		connMgr.Subscribe(id)
	}

	logger.Info("connecting to feed", "url", connCfg.Client.URL, "codes", len(codes))
	if err := connMgr.Initialize(ctx); err != nil {
		logger.Error("failed to initialize feed", "error", err)
		os.Exit(1)
	}

	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	go out.run(ctx)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				connStats := connMgr.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"subscriptions", connStats.Subscriptions,
					"acknowledged", connStats.Acknowledged,
					"frames", connStats.FramesReceived,
					"ticks", routerStats.TicksRouted,
					"parse_errors", routerStats.ParseErrors,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	connMgr.Close(shutdownCtx)
	rtr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func pollQuotes(ctx context.Context, cfg *config.Config, creds auth.Credentials, issuer auth.TokenIssuer, codes []model.InstrumentID, interval time.Duration, logger *slog.Logger) {
	client := api.NewClient(cfg.KIS.RestURL, creds, auth.NewTokenSource(issuer, cfg.Provider.TokenRefreshMargin),
		api.WithLogger(logger),
		api.WithCustomerType(cfg.KIS.CustomerType),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, id := range codes {
			q, err := client.GetQuote(ctx, id)
			if err != nil {
				logger.Warn("quote failed", "code", id, "error", err)
				continue
			}
			fmt.Printf("[QUOTE] code=%s price=%s change=%s rate=%s%% open=%s high=%s low=%s vol=%d\n",
				q.Instrument, q.Price, q.Change, q.ChangeRate, q.Open, q.High, q.Low, q.Volume)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
