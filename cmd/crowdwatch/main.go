package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/feed"
	httpadapter "github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/notify"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/sqlite"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/vision"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/adapter/websocket"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/config"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/pipeline"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/settings"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings store: SQLite when SETTINGS_DB_PATH is set, otherwise in memory.
	var (
		kv        settings.KV
		readiness []httpadapter.ReadinessChecker
		closers   []io.Closer
	)
	if cfg.SettingsDBPath != "" {
		db, err := sqlite.Open(ctx, cfg.SettingsDBPath, logger)
		if err != nil {
			logger.Error("failed to open settings db", "path", cfg.SettingsDBPath, "error", err)
			os.Exit(1)
		}
		kv = db
		readiness = append(readiness, db)
		closers = append(closers, db)
	} else {
		kv = settings.NewMemoryStore()
		logger.Info("settings kept in memory")
	}
	repo := settings.NewRepository(kv)

	source, err := newFeedSource(cfg, clock)
	if err != nil {
		logger.Error("invalid feed source", "error", err)
		os.Exit(1)
	}

	fallbackTargets := domain.NotifyTargets{Recipients: cfg.AlertRecipients, WebhookURL: cfg.WebhookURL}
	notifier := notify.NewClient(cfg.NotifyBaseURL, cfg.NotifyTimeout, logger)
	cooldowns := alert.NewCooldownTracker(cfg.AlertCooldown)
	alertLog := alert.NewLog(cfg.AlertLogSize)

	dispatchOpts := []alert.DispatcherOption{alert.WithTargets(repo), alert.WithClock(clock)}
	var alertWriter *kafkaadapter.AlertWriter
	if cfg.KafkaEnabled {
		alertWriter = kafkaadapter.NewAlertWriter(cfg, logger)
		dispatchOpts = append(dispatchOpts, alert.WithPublisher(alertWriter))
	} else {
		logger.Info("kafka alert topic disabled")
	}

	dispatcher := alert.NewDispatcher(alert.DispatcherConfig{
		QueueSize:   cfg.DispatchQueueSize,
		Workers:     cfg.DispatchWorkers,
		SendTimeout: cfg.NotifyTimeout,
		Fallback:    fallbackTargets,
		Location:    cfg.Timezone,
	}, notifier, notifier, cooldowns, alertLog, logger, metrics, dispatchOpts...)

	evaluator := alert.NewEvaluator(cooldowns, cfg.FallbackThreshold, clock)
	hub := websocket.NewHub(logger, metrics)

	p := pipeline.New(pipeline.Config{
		Locations: cfg.Locations,
		Parse: domain.ParseOptions{
			DefaultLocation: cfg.DefaultLocation,
			LocationField:   cfg.LocationField,
			Location:        cfg.Timezone,
		},
		FetchTimeout: cfg.FetchTimeout,
		LiveWindow:   cfg.LiveWindow,
		Zone:         cfg.Timezone,
	}, source, store.New(store.WithLiveWindow(cfg.LiveWindow)), repo, evaluator, dispatcher, logger, metrics, clock, hub)

	visionClient := vision.NewClient(cfg.VisionBaseURL, cfg.VisionPollInterval, cfg.VisionTimeout, metrics, logger)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Services{
		Pipeline:       p,
		Alerts:         alertLog,
		Settings:       repo,
		Analyzer:       vision.NewCachedAnalyzer(visionClient, cfg.VisionCacheSize, metrics),
		Stream:         hub,
		Fallback:       cfg.FallbackThreshold,
		NotifyDefaults: fallbackTargets,
		Clock:          clock,
		Ready:          readiness,
	}, logger)

	// Dispatch outlives the poll loop so queued alerts drain on shutdown.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(dispatchCtx)
	}()

	go hub.Run(ctx)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start poll loop.
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		logger.Info("polling feed", "source", cfg.FeedSource())
		if err := p.Run(ctx, cfg.PollInterval); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	<-pipelineDone
	dispatcher.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("alert dispatch did not drain before shutdown timeout")
		cancelDispatch()
		<-dispatchDone
	}

	if alertWriter != nil {
		if err := alertWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("settings db close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func newFeedSource(cfg *config.Config, clock clockwork.Clock) (pipeline.FeedSource, error) {
	if cfg.FeedPath != "" {
		return feed.NewFileSource(cfg.FeedPath), nil
	}
	return feed.NewHTTPSource(cfg.FeedURL, clock)
}
