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

	"github.com/epiwatchstack/epiwatch-engine/internal/api"
	"github.com/epiwatchstack/epiwatch-engine/internal/cache"
	"github.com/epiwatchstack/epiwatch-engine/internal/config"
	"github.com/epiwatchstack/epiwatch-engine/internal/detection"
	"github.com/epiwatchstack/epiwatch-engine/internal/fusion"
	"github.com/epiwatchstack/epiwatch-engine/internal/metrics"
	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/notify"
	"github.com/epiwatchstack/epiwatch-engine/internal/resilience"
	"github.com/epiwatchstack/epiwatch-engine/internal/services"
	"github.com/epiwatchstack/epiwatch-engine/internal/sources"
	"github.com/epiwatchstack/epiwatch-engine/internal/store"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

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
	logger.Info("starting epiwatch-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
		if cfg.Cache.Addr != "" {
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
				logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
			} else {
				cacheProvider = provider
			}
		}
	}
	defer cacheProvider.Close()

	registry := sources.NewRegistry(logger)
	for _, src := range cfg.Sources {
		conn := sources.NewHTTPConnector(src.ID, src.BaseURL, src.FetchPath, src.APIKey, src.Timeout)
		var connector sources.Connector = conn
		if src.HealthPath != "" {
			connector = sources.NewHTTPHealthConnector(conn, src.HealthPath)
		}
		err := registry.Register(models.DataSource{
			ID:   src.ID,
			Name: src.Name,
			Capability: models.Capability{
				Diseases: src.Diseases,
				Regions:  src.Regions,
			},
			Reliability: src.Reliability,
			Active:      true,
		}, connector)
		if err != nil {
			logger.Error("failed to register source", slog.String("source", src.ID), slog.Any("error", err))
			os.Exit(1)
		}
	}

	breaker := resilience.NewManager(logger,
		resilience.BreakerConfig{
			FailureThreshold:  cfg.Resilience.FailureThreshold,
			SlidingWindow:     cfg.Resilience.SlidingWindow,
			CoolDownPeriod:    cfg.Resilience.CoolDownPeriod,
			BackoffMultiplier: cfg.Resilience.BackoffMultiplier,
			MaxCoolDown:       cfg.Resilience.MaxCoolDown,
		},
		resilience.RetryConfig{
			MaxRetries:  cfg.Resilience.MaxRetries,
			BaseDelay:   cfg.Resilience.RetryBaseDelay,
			MaxDelay:    cfg.Resilience.RetryMaxDelay,
			JitterRatio: cfg.Resilience.RetryJitterRatio,
		})

	orchestrator := sources.NewOrchestrator(logger, registry, breaker, cacheProvider, sources.OrchestratorConfig{
		MaxParallelism:       cfg.Aggregator.MaxParallelism,
		PerCallTimeout:       cfg.Aggregator.PerCallTimeout,
		MinSuccessfulSources: cfg.Aggregator.MinSuccessfulSources,
		MinReliability:       cfg.Aggregator.MinReliability,
		SourceRatePerSecond:  cfg.Aggregator.SourceRatePerSecond,
		SourceRateBurst:      cfg.Aggregator.SourceRateBurst,
		CacheTTL:             cfg.Aggregator.CacheTTL,
	})

	fusionCfg := fusion.DefaultConfig()
	if cfg.Fusion.Bucket > 0 {
		fusionCfg.Bucket = cfg.Fusion.Bucket
	}
	if cfg.Fusion.MaxFillGap > 0 {
		fusionCfg.MaxFillGap = cfg.Fusion.MaxFillGap
	}
	if cfg.Fusion.FreshnessHalfLife > 0 {
		fusionCfg.FreshnessHalfLife = cfg.Fusion.FreshnessHalfLife
	}
	if cfg.Fusion.TrimZThreshold > 0 {
		fusionCfg.TrimZThreshold = cfg.Fusion.TrimZThreshold
	}
	if cfg.Fusion.BaseVariance > 0 {
		fusionCfg.BaseVariance = cfg.Fusion.BaseVariance
	}
	if cfg.Fusion.ProcessNoise > 0 {
		fusionCfg.ProcessNoise = cfg.Fusion.ProcessNoise
	}
	if cfg.Fusion.MeasurementNoise > 0 {
		fusionCfg.MeasurementNoise = cfg.Fusion.MeasurementNoise
	}
	if cfg.Fusion.IDWPower > 0 {
		fusionCfg.IDWPower = cfg.Fusion.IDWPower
	}
	if len(cfg.Fusion.CanonicalUnits) > 0 {
		fusionCfg.CanonicalUnits = cfg.Fusion.CanonicalUnits
	}
	if len(cfg.Fusion.UnitConversions) > 0 {
		fusionCfg.UnitConversions = cfg.Fusion.UnitConversions
	}
	if len(cfg.Fusion.RegionCoords) > 0 {
		coords := make(map[string]fusion.Coord, len(cfg.Fusion.RegionCoords))
		for region, c := range cfg.Fusion.RegionCoords {
			coords[region] = fusion.Coord{Lat: c.Lat, Lon: c.Lon}
		}
		fusionCfg.RegionCoords = coords
	}
	fusionEngine := fusion.NewEngine(logger, fusionCfg, func(id string) float64 {
		if src, ok := registry.Source(id); ok {
			return src.Reliability
		}
		return 0.5
	})

	thresholds := detection.DefaultThresholds()
	if cfg.Detection.ThresholdsPath != "" {
		loaded, err := detection.LoadThresholds(cfg.Detection.ThresholdsPath)
		if err != nil {
			logger.Warn("threshold pack unavailable, using defaults",
				slog.String("path", cfg.Detection.ThresholdsPath), slog.Any("error", err))
		} else {
			thresholds = loaded
		}
	}
	detector := detection.NewEngine(logger, thresholds)

	var st store.Store
	if cfg.Store.Backend == "postgres" && cfg.Store.DSN != "" {
		pgStore, err := store.NewPostgresStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to open postgres store", slog.Any("error", err))
			os.Exit(1)
		}
		st = pgStore
	} else {
		st = store.NewMemoryStore()
	}
	defer st.Close()

	var alertHandler notify.Handler = notify.LogHandler{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		alertHandler = notify.NewWebhookHandler(cfg.Notify.WebhookURL, 5*time.Second)
	}
	dispatcher := notify.NewDispatcher(logger, alertHandler, notify.DispatcherConfig{
		QueueCapacity: cfg.Notify.QueueCapacity,
		MaxAttempts:   cfg.Notify.MaxAttempts,
		RetryDelay:    cfg.Notify.RetryDelay,
	})
	dispatcher.Start()

	svc := services.NewSurveillanceService(
		logger, orchestrator, fusionEngine, detector, st,
		dispatcher, breaker, thresholds, cfg.Detection.SessionInterval,
	)
	defer svc.Shutdown()

	server, err := api.NewServer(logger, cfg.Server, svc)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	logger.Info("epiwatch-engine stopped")
}
