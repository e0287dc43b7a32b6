package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/adapter/cache"
	httpadapter "github.com/couchcryptid/rockguard-telemetry/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/rockguard-telemetry/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/rockguard-telemetry/internal/adapter/mqtt"
	"github.com/couchcryptid/rockguard-telemetry/internal/adapter/openmeteo"
	"github.com/couchcryptid/rockguard-telemetry/internal/adapter/usgs"
	"github.com/couchcryptid/rockguard-telemetry/internal/aggregator"
	"github.com/couchcryptid/rockguard-telemetry/internal/alert"
	"github.com/couchcryptid/rockguard-telemetry/internal/config"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/hub"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/couchcryptid/rockguard-telemetry/internal/personnel"
	"github.com/couchcryptid/rockguard-telemetry/internal/store/sqlite"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
)

// readiness is ready when every component is.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	var errs []error
	for _, c := range r {
		errs = append(errs, c.CheckReadiness(ctx))
	}
	return errors.Join(errs...)
}

func main() {
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

	// Providers, each behind a short-lived cache.
	var providers []domain.Provider
	if cfg.OpenMeteoEnabled {
		client := openmeteo.NewClient(cfg.OpenMeteoBaseURL, cfg.OpenMeteoAPIKey, cfg.ProviderTimeout, cfg.ProviderRateLimit, logger)
		providers = append(providers,
			cache.New(openmeteo.NewWeatherProvider(client), cfg.ProviderCacheSize, cfg.ProviderCacheTTL, clock, metrics),
			cache.New(openmeteo.NewHydrologyProvider(client), cfg.ProviderCacheSize, cfg.ProviderCacheTTL, clock, metrics),
		)
	}
	if cfg.USGSEnabled {
		seismic := usgs.NewSeismicProvider(cfg.USGSBaseURL, cfg.USGSRadiusKM, cfg.USGSLookback, cfg.ProviderTimeout, cfg.ProviderRateLimit, logger)
		providers = append(providers, cache.New(seismic, cfg.ProviderCacheSize, cfg.ProviderCacheTTL, clock, metrics))
	}
	for _, p := range providers {
		logger.Info("provider enabled", "provider", p.Name())
	}

	agg := aggregator.New(providers, aggregator.Options{
		Timeout:            cfg.FetchTimeout,
		ProviderTimeout:    cfg.ProviderTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
		Clock:              clock,
	}, logger, metrics)

	h := hub.New(agg, cfg.Policy, hub.Options{
		Interval:    cfg.RefreshInterval,
		TTL:         cfg.PushTTL,
		QueueDepth:  cfg.SubscriberQueueDepth,
		HistorySize: cfg.HistorySize,
		Clock:       clock,
	}, logger, metrics)

	// Alert log, optionally persisted and mirrored to Kafka.
	alertOpts := alert.Options{Capacity: cfg.AlertLogCapacity, Clock: clock}
	ready := readiness{h}

	var store *sqlite.Store
	if cfg.AlertDBPath != "" {
		store, err = sqlite.Open(cfg.AlertDBPath, cfg.AlertLogCapacity, logger)
		if err != nil {
			logger.Error("failed to open alert store", "path", cfg.AlertDBPath, "error", err)
			os.Exit(1)
		}
		alertOpts.Store = store
		ready = append(ready, store)
	}

	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger, metrics)
		alertOpts.Sinks = append(alertOpts.Sinks, publisher)
		h.Observe(publisher)
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	engine := alert.New(alertOpts, logger, metrics)
	if err := engine.Restore(ctx); err != nil {
		logger.Error("failed to restore alert log", "error", err)
		os.Exit(1)
	}

	classifier := personnel.New(personnel.Options{
		Site:       cfg.Site,
		Zones:      cfg.HazardZones,
		StaleAfter: cfg.WorkerStaleAfter,
		TrendSize:  cfg.TrendSize,
		Clock:      clock,
	}, logger, metrics)
	classifier.Observe(engine)

	h.Observe(engine)
	h.Observe(classifier)

	var feed *mqttadapter.Feed
	if cfg.MQTTBrokerURL != "" {
		if feed, err = mqttadapter.NewFeed(cfg, classifier, logger); err != nil {
			logger.Error("invalid mqtt configuration", "error", err)
			os.Exit(1)
		}
		ready = append(ready, feed)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Services{
		Telemetry: h,
		Alerts:    engine,
		Personnel: classifier,
		Ready:     ready,
	}, cfg.CORSOrigins, logger)

	var wg sync.WaitGroup

	wg.Go(func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	})

	// The site is refreshed even with no client connected so alerts and
	// personnel classification keep running.
	wg.Go(func() {
		if err := h.Watch(ctx, cfg.Site); err != nil {
			logger.Error("site watch error", "error", err)
		}
	})

	wg.Go(func() { classifier.Run(ctx, cfg.TrackingInterval) })

	if feed != nil {
		wg.Go(func() {
			if err := feed.Start(ctx); err != nil {
				logger.Error("mqtt feed error", "error", err)
			}
		})
	}
	if cfg.PersonnelSimulate && cfg.PersonnelCount > 0 {
		sim := personnel.NewSimulator(cfg.PersonnelCount, uint64(time.Now().UnixNano()))
		wg.Go(func() { sim.Run(ctx, classifier, clock, cfg.TrackingInterval, logger) })
		logger.Info("personnel simulator enabled", "workers", cfg.PersonnelCount)
	}

	logger.Info("telemetry service started", "addr", cfg.HTTPAddr, "site", cfg.Site.Key())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Closing the hub and the engine ends every stream, so long-lived
	// requests finish before the server waits on them.
	h.Close()
	engine.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if feed != nil {
		feed.Close()
	}
	wg.Wait()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("alert store close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
