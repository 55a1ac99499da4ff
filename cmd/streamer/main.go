package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/truvis/pricestream/internal/api"
	"github.com/truvis/pricestream/internal/auth"
	"github.com/truvis/pricestream/internal/bus"
	"github.com/truvis/pricestream/internal/cache"
	"github.com/truvis/pricestream/internal/config"
	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/database"
	"github.com/truvis/pricestream/internal/export"
	"github.com/truvis/pricestream/internal/fanout"
	"github.com/truvis/pricestream/internal/health"
	"github.com/truvis/pricestream/internal/history"
	"github.com/truvis/pricestream/internal/httpapi"
	"github.com/truvis/pricestream/internal/market"
	"github.com/truvis/pricestream/internal/metrics"
	"github.com/truvis/pricestream/internal/model"
	"github.com/truvis/pricestream/internal/poller"
	"github.com/truvis/pricestream/internal/router"
	"github.com/truvis/pricestream/internal/version"
)

const (
	sseKeepAlive     = 15 * time.Second
	initialBusQueue  = 1024
	initBackoffStart = time.Second
	initBackoffMax   = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional env file loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.String(),
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("streamer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streamer stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	feedLoc, err := time.LoadLocation(cfg.Feed.Timezone)
	if err != nil {
		return fmt.Errorf("feed timezone: %w", err)
	}
	healthLoc, err := time.LoadLocation(cfg.Health.Timezone)
	if err != nil {
		return fmt.Errorf("health timezone: %w", err)
	}

	// Durable store
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)
	store, pool, err := database.Open(ctx, cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("database connected")

	// Upstream REST provider
	creds := auth.Credentials{AppKey: cfg.KIS.AppKey, AppSecret: cfg.KIS.AppSecret}
	authClient := auth.NewClient(cfg.KIS.RestURL, creds, &http.Client{Timeout: cfg.Provider.Timeout}, logger)
	tokens := auth.NewTokenSource(authClient, cfg.Provider.TokenRefreshMargin)
	provider := api.NewClient(cfg.KIS.RestURL, creds, tokens,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Provider.Timeout),
		api.WithRetries(cfg.Provider.MaxRetries, time.Second),
		api.WithMinInterval(cfg.Provider.MinInterval),
		api.WithCustomerType(cfg.KIS.CustomerType),
	)

	// Price cache
	cacheStore, closeCache, err := newCacheStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	prices := cache.New(cache.Config{
		Staleness:   cfg.Cache.Staleness,
		ReadTimeout: cfg.Cache.ReadTimeout,
	}, cacheStore, store, provider, logger.With("component", "cache"))

	// Live push channels
	streams := fanout.NewRegistry(fanout.Config{
		ChannelTimeout: cfg.Fanout.ChannelTimeout,
		ChannelBuffer:  cfg.Fanout.ChannelBuffer,
	}, logger.With("component", "fanout"))

	// Tick history
	historyBuf := history.NewBuffer(history.Config{
		FlushInterval: cfg.History.FlushInterval,
		FlushTimeout:  cfg.History.FlushTimeout,
	}, store, logger.With("component", "history"))

	// Optional Kafka export
	var publisher *export.TickPublisher
	if cfg.Kafka.Enabled {
		writer := export.NewKafkaWriter(export.WriterConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		publisher = export.NewTickPublisher(writer, cfg.Instance.ID, cfg.Kafka.WriteTimeout, logger.With("component", "export"))
		logger.Info("kafka export enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Tick bus
	ticks := bus.New(initialBusQueue, logger.With("component", "bus"))
	consumers := map[string]bus.Handler{
		"fanout":  streams.HandleTick,
		"cache":   prices.HandleTick,
		"history": historyBuf.HandleTick,
	}
	if publisher != nil {
		consumers["export"] = publisher.HandleTick
	}
	for name, h := range consumers {
		if err := ticks.Subscribe(name, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}

	// Feed connection and frame router
	manager := connection.NewManager(connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:          cfg.KIS.WSURL,
			PingInterval: connection.DefaultClientConfig().PingInterval,
			PingTimeout:  cfg.Feed.PingTimeout,
			WriteTimeout: cfg.Feed.WriteTimeout,
			BufferSize:   cfg.Feed.BufferSize,
		},
		TRID:                 cfg.Feed.TRID,
		CustomerType:         cfg.KIS.CustomerType,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		MaxReconnectFailures: cfg.Feed.MaxReconnectFailures,
		MinCallInterval:      cfg.Feed.MinCallInterval,
		MessageBufferSize:    cfg.Feed.BufferSize,
	}, authClient, logger.With("component", "connection"))

	frames := router.NewRouter(router.NewParser(cfg.Feed.TRID, feedLoc), manager.Messages(), ticks, logger.With("component", "router"))

	// Tracked instruments
	seeds := make([]model.InstrumentID, 0, len(cfg.Feed.Instruments))
	for _, raw := range cfg.Feed.Instruments {
		id, err := model.ParseInstrumentID(raw)
		if err != nil {
			return err
		}
		seeds = append(seeds, id)
	}
	registryCfg := market.DefaultConfig()
	registryCfg.Seeds = seeds
	registry := market.NewRegistry(registryCfg, store, logger.With("component", "market"))

	// Fallback refresh and scheduled jobs
	refresher := poller.New(poller.Config{
		Concurrency: cfg.Provider.RefreshConcurrency,
		Timeout:     cfg.Provider.Timeout,
	}, provider, registry, prices, logger.With("component", "poller"))

	monitor := health.NewMonitor(manager, refresher, logger.With("component", "health"))
	scheduler := health.NewScheduler(health.SchedulerConfig{
		CheckInterval: cfg.Health.CheckInterval,
		SyncInterval:  cfg.Health.SyncInterval,
		Location:      healthLoc,
		Reconcile:     []string{cfg.Health.PreOpen, cfg.Health.PostClose},
	}, monitor, refresher, prices, logger.With("component", "scheduler"))

	// Metrics
	sources := metrics.Sources{
		Connection: manager.Stats,
		Router:     frames.Stats,
		Bus:        ticks.Stats,
		Fanout:     streams.Stats,
		Cache:      prices.Stats,
		History:    historyBuf.Stats,
		Provider:   provider.Stats,
		Refresh:    refresher.Stats,
		Scheduler:  scheduler.Stats,
	}
	if publisher != nil {
		sources.Export = publisher.Stats
	}
	m, err := metrics.New(sources)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// HTTP API
	app := httpapi.NewApp(httpapi.App{
		Streams:   streams,
		Prices:    prices,
		Tracker:   registry,
		Feed:      manager,
		Provider:  provider,
		Gauge:     m.StreamsOpen,
		KeepAlive: sseKeepAlive,
		Logger:    logger.With("component", "http"),
	})
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: httpapi.NewRouter(app, httpapi.RouterConfig{
			MetricsPath:    cfg.Metrics.Path,
			MetricsHandler: m.Handler(),
			Recorder:       m,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Price streams are long-lived; no write deadline.
		WriteTimeout: 0,
	}

	// Start the pipeline back to front so nothing published is lost. It
	// outlives the signal and is drained by shutdown.
	pipelineCtx := context.WithoutCancel(ctx)
	if err := ticks.Start(pipelineCtx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if err := historyBuf.Start(pipelineCtx); err != nil {
		return fmt.Errorf("start history: %w", err)
	}
	if err := frames.Start(pipelineCtx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Registry changes drive the upstream subscription set.
	changes := registry.SubscribeChanges()
	g.Go(func() error {
		followRegistry(gctx, changes, manager, logger)
		return nil
	})

	if err := registry.Start(ctx); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("start market registry: %w", err)
	}
	streamed := registry.Streamed()
	logger.Info("market registry started",
		"tracked", len(registry.Tracked()),
		"streamed", len(streamed),
	)

	// Register the streamed set directly as well; the change channel is lossy.
	// Send errors are expected here since the feed is not connected yet.
	for _, id := range streamed {
		manager.Subscribe(id)
	}

	if err := initializeFeed(ctx, manager, cfg.Feed.InitRetries, logger); err != nil {
		cancel()
		g.Wait()
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		cancel()
		g.Wait()
		return fmt.Errorf("start scheduler: %w", err)
	}

	g.Go(func() error {
		logger.Info("starting http server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdown(cfg, shutdownDeps{
			app:       app,
			server:    server,
			streams:   streams,
			scheduler: scheduler,
			manager:   manager,
			frames:    frames,
			ticks:     ticks,
			history:   historyBuf,
			prices:    prices,
			publisher: publisher,
			registry:  registry,
		}, logger)
		return nil
	})

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	return g.Wait()
}

// newCacheStore selects the cache backend. The returned func releases it.
func newCacheStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Store, func(), error) {
	if cfg.Cache.Backend != "redis" {
		logger.Info("using in-memory price cache")
		return cache.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("using redis price cache", "addr", cfg.Redis.Addr, "ttl", cfg.Cache.TTL)
	return cache.NewRedisStore(client, cfg.Cache.TTL), func() { client.Close() }, nil
}

// initializeFeed connects the feed, retrying with exponential backoff.
func initializeFeed(ctx context.Context, manager connection.Manager, attempts int, logger *slog.Logger) error {
	delay := initBackoffStart

	for attempt := 1; ; attempt++ {
		err := manager.Initialize(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("initialize feed after %d attempts: %w", attempt, err)
		}

		logger.Warn("feed initialization failed, retrying",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > initBackoffMax {
			delay = initBackoffMax
		}
	}
}

// followRegistry subscribes streamed instruments upstream as they are tracked
// and unsubscribes them when they are dropped.
func followRegistry(ctx context.Context, changes <-chan market.Change, manager connection.Manager, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			var err error
			switch {
			case c.EventType == market.EventTracked && c.Source.Streams():
				err = manager.Subscribe(c.Instrument)
			case c.EventType == market.EventUntracked:
				err = manager.Unsubscribe(c.Instrument)
			default:
				continue
			}

			// Before the first connect the registration alone is enough;
			// Initialize subscribes everything registered.
			if err != nil && manager.State() == model.StateConnected {
				logger.Warn("feed subscription change failed",
					"instrument", c.Instrument,
					"event", c.EventType,
					"error", err,
				)
			}
		}
	}
}

type shutdownDeps struct {
	app       *httpapi.App
	server    *http.Server
	streams   *fanout.Registry
	scheduler *health.Scheduler
	manager   connection.Manager
	frames    router.Router
	ticks     *bus.Bus
	history   *history.Buffer
	prices    *cache.PriceCache
	publisher *export.TickPublisher
	registry  market.Registry
}

// shutdown stops components front to back: clients first, then the feed,
// then the pipeline, with a final flush and sync.
func shutdown(cfg *config.Config, d shutdownDeps, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	d.app.StartShutdown()
	d.streams.CloseAll()
	if err := d.server.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := d.manager.Close(ctx); err != nil {
		logger.Warn("feed close", "error", err)
	}
	if err := d.frames.Stop(ctx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	if err := d.ticks.Stop(ctx); err != nil {
		logger.Warn("bus stop", "error", err)
	}
	if err := d.history.Stop(ctx); err != nil {
		logger.Warn("history stop", "error", err)
	}

	if n, err := d.prices.Sync(ctx); err != nil {
		logger.Warn("final cache sync", "error", err)
	} else {
		logger.Info("final cache sync", "entries", n)
	}

	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.Warn("kafka writer close", "error", err)
		}
	}
	if err := d.registry.Stop(ctx); err != nil {
		logger.Warn("market registry stop", "error", err)
	}
}
