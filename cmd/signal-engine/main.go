package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/api"
	"github.com/signalforgehq/signal-engine/internal/cache"
	"github.com/signalforgehq/signal-engine/internal/config"
	"github.com/signalforgehq/signal-engine/internal/correlation"
	"github.com/signalforgehq/signal-engine/internal/embedding"
	"github.com/signalforgehq/signal-engine/internal/forecast"
	"github.com/signalforgehq/signal-engine/internal/incidents"
	"github.com/signalforgehq/signal-engine/internal/metrics"
	"github.com/signalforgehq/signal-engine/internal/risk"
	"github.com/signalforgehq/signal-engine/internal/scheduler"
	"github.com/signalforgehq/signal-engine/internal/store"
	"github.com/signalforgehq/signal-engine/internal/utils"
)

// embeddingWarmupLimit bounds how many stored vectors are loaded into the
// in-memory index at startup.
const embeddingWarmupLimit = 10000

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting signal-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	db, err := store.New(cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(startupCtx); err != nil {
		cancelStartup()
		logger.Error("failed to ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	index := embedding.NewIndex(cfg.Embedding.Dimension)
	if err := db.SignalEmbeddings(startupCtx, embeddingWarmupLimit, index.Add); err != nil {
		logger.Warn("embedding warm-up incomplete", slog.Any("error", err))
	}
	cancelStartup()
	logger.Info("embedding index warmed", slog.Int("vectors", index.Len()))

	scorer := risk.NewScorer(risk.Weights{
		Sentiment:    cfg.Risk.WeightSentiment,
		Anomaly:      cfg.Risk.WeightAnomaly,
		TicketVolume: cfg.Risk.WeightTicketVolume,
		Revenue:      cfg.Risk.WeightRevenue,
		Engagement:   cfg.Risk.WeightEngagement,
	})
	detector := anomaly.NewDetector(db, logger)
	forecaster := forecast.NewEngine(db)
	correlator := correlation.NewCorrelator(db, index, cacheProvider, cfg.Correlation.CacheTTL, logger,
		correlation.WithGraphTTL(cfg.Correlation.GraphCacheTTL))

	rules, err := incidents.LoadActionRules(cfg.Actions.Path, logger)
	if err != nil {
		logger.Error("failed to load action rule pack", slog.Any("error", err))
		os.Exit(1)
	}
	manager := incidents.NewManager(db, db, forecaster, incidents.Config{
		ForecastMaxMetrics: cfg.Scheduler.ForecastMaxMetrics,
		ForecastLookback:   cfg.Scheduler.ForecastLookback,
		ForecastHorizon:    cfg.Scheduler.ForecastHorizon,
		AnomalyGrace:       cfg.Scheduler.AnomalyGrace,
		ForecastGrace:      cfg.Scheduler.ForecastGrace,
	}, logger, incidents.WithActionRules(rules))

	handlers := api.NewHandlers(correlator, detector, forecaster, db, scorer, logger)
	server, err := api.NewServer(cfg.Server, handlers.Router())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(db, scorer, detector, manager, index, cfg.Scheduler, logger)
	go sched.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("signal-engine stopped")
}
