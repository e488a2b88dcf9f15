package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wtthornton/ha-ingestor-sub004/internal/alert"
	"github.com/wtthornton/ha-ingestor-sub004/internal/config"
	"github.com/wtthornton/ha-ingestor-sub004/internal/enrich"
	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/hub"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
	"github.com/wtthornton/ha-ingestor-sub004/internal/natsclient"
	"github.com/wtthornton/ha-ingestor-sub004/internal/notify"
	"github.com/wtthornton/ha-ingestor-sub004/internal/pipeline"
	"github.com/wtthornton/ha-ingestor-sub004/internal/scheduler"
	"github.com/wtthornton/ha-ingestor-sub004/internal/telemetry"
	"github.com/wtthornton/ha-ingestor-sub004/internal/writer"
)

func buildLogger(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func main() {
	// --- Vault Secret Loading (optional) ---
	secrets, err := config.LoadSecrets()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load secrets from Vault", zap.Error(err))
	}

	// --- Configuration (env authoritative, Vault as base) ---
	cfg, err := config.Load(secrets)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Error("configuration error", zap.Error(err))
		os.Exit(1)
	}

	// --- Structured Logger ---
	logger := buildLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	// --- OpenTelemetry ---
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	}

	metrics := health.NewMetrics()
	monitor := health.NewMonitor()

	// --- NATS JetStream (optional broker source + alert publishing) ---
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS initialization failed", zap.Error(err))
		}
		defer natsClient.Close()
		if err := natsClient.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		monitor.SetDependency("nats", health.DepUp, false, "")
	}

	// --- Redis (optional shared enrichment cache) ---
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// --- Batched Writer ---
	store := writer.New(writer.Config{
		BaseURL:          cfg.DBURL,
		Org:              cfg.DBOrg,
		Bucket:           cfg.DBBucket,
		Token:            cfg.DBToken,
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		Compression:      cfg.Compression,
		CompressionLevel: cfg.CompressionLevel,
		Optimize:         cfg.OptimizeBatches,
		MaxRetries:       cfg.WriteMaxRetries,
	}, metrics, monitor, logger)
	if err := store.Connect(context.Background()); err != nil {
		// Not fatal: retries and the breaker take over once it comes up.
		logger.Warn("database not reachable at startup", zap.Error(err))
	}
	store.Start(context.Background())
	defer store.Stop()

	// --- Notification Sinks ---
	dispatcher := notify.NewDispatcher(metrics, logger)
	if cfg.WebhookURL != "" {
		dispatcher.Register(notify.NewWebhookSink("webhook", cfg.WebhookURL, cfg.WebhookSecret, logger))
	}
	if cfg.EmailAPIURL != "" {
		dispatcher.Register(notify.NewEmailSink("email", cfg.EmailAPIURL, cfg.EmailAPIKey,
			cfg.EmailFrom, cfg.EmailTo, logger))
	}
	if natsClient != nil {
		dispatcher.Register(notify.NewNATSSink("nats", natsClient, logger))
	}

	// --- Alert Engine ---
	engine := alert.NewEngine(alert.Config{}, dispatcher, metrics, logger)
	engine.Start(context.Background())
	defer engine.Stop()

	// --- Enrichment ---
	var enricher pipeline.Enricher
	if cfg.WeatherAPIKey != "" {
		enricher = enrich.NewWeatherEnricher(enrich.WeatherConfig{
			BaseURL:  cfg.WeatherURL,
			APIKey:   cfg.WeatherAPIKey,
			Location: cfg.WeatherLocation,
		}, redisClient, metrics, logger)
	}

	// --- Pipeline ---
	registry := hub.NewRegistry()
	pl := pipeline.New(pipeline.Config{
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		RateLimit:   cfg.RateLimit,
		DedupWindow: cfg.DedupWindow,
		SpillDir:    cfg.SpillDir,
	}, store, engine, enricher, metrics, logger)
	pl.RegisterTransform("", pipeline.StateTransform(registry))
	if err := pl.Start(context.Background()); err != nil {
		logger.Fatal("pipeline start failed", zap.Error(err))
	}
	defer pl.Stop()

	sourceCtx, sourceCancel := context.WithCancel(context.Background())
	defer sourceCancel()

	// --- Hub Channel (websocket source) ---
	var mgr *hub.Manager
	if cfg.HubURL != "" {
		mgr = hub.NewManager(hub.Config{
			URL:        cfg.HubURL,
			Token:      cfg.HubToken,
			EventTypes: cfg.HubEventTypes,
		}, hub.GorillaDialer, registry, logger)

		go func() {
			for ev := range mgr.Events() {
				monitor.NoteEvent(ev.Time)
				if res := pl.Submit(ev); res == pipeline.ResultDroppedOverflow {
					monitor.SetDependency("pipeline_queue", health.DepDown, false, "queue at capacity")
				} else {
					monitor.SetDependency("pipeline_queue", health.DepUp, false, "")
				}
			}
		}()
		go func() {
			for sc := range mgr.StateChanges() {
				switch sc.To {
				case hub.StateSubscribed:
					monitor.NoteSubscribed()
					monitor.SetDependency("hub_channel", health.DepUp, true, "")
				case hub.StateBackoff, hub.StateDisconnected:
					detail := ""
					if sc.Err != nil {
						detail = sc.Err.Error()
					}
					monitor.SetDependency("hub_channel", health.DepDown, true, detail)
				}
			}
		}()

		if err := mgr.Start(sourceCtx); err != nil {
			logger.Fatal("hub connection manager start failed", zap.Error(err))
		}
		defer mgr.Stop()
	}

	// --- Broker Source ---
	if natsClient != nil {
		source := hub.NewNATSSource(natsClient, func(ev model.Event) {
			monitor.NoteEvent(ev.Time)
			pl.Submit(ev)
		}, logger)
		if err := source.Start(sourceCtx); err != nil {
			logger.Fatal("broker source start failed", zap.Error(err))
		}
	}

	// --- Cron Maintenance ---
	cronSched := scheduler.NewCronScheduler(natsClient, scheduler.Jobs{
		SpillSweep: func() { pl.RecoverSpill() },
	}, logger)
	if err := cronSched.Start(); err != nil {
		logger.Fatal("cron scheduler start failed", zap.Error(err))
	}
	defer cronSched.Stop()

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(cfg.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	registerRoutes(e, monitor, metrics, pl, store, engine, dispatcher)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("ingestor started",
		zap.String("hub", cfg.HubURL),
		zap.String("nats", cfg.NATSURL),
		zap.String("db", cfg.DBURL),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")
	sourceCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}

	logger.Info("ingestor shut down cleanly")
}
