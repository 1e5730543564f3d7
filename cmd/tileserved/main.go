package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/dmind-project/offline-map-service/internal/adapter/http"
	kafkaadapter "github.com/dmind-project/offline-map-service/internal/adapter/kafka"
	"github.com/dmind-project/offline-map-service/internal/apiclient"
	"github.com/dmind-project/offline-map-service/internal/config"
	"github.com/dmind-project/offline-map-service/internal/downloader"
	"github.com/dmind-project/offline-map-service/internal/observability"
	"github.com/dmind-project/offline-map-service/internal/prefetch"
	"github.com/dmind-project/offline-map-service/internal/tilecache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store, err := tilecache.Open(cfg.TileDBPath, logger, metrics)
	if err != nil {
		logger.Error("failed to open tile store", "path", cfg.TileDBPath, "error", err)
		os.Exit(1)
	}

	client := apiclient.New(apiclient.Config{
		BaseURL:         cfg.APIBaseURL,
		MaxConcurrent:   cfg.MaxConcurrentRequests,
		DefaultRetries:  cfg.DefaultRetries,
		RequestTimeout:  cfg.RequestTimeout,
		CacheEnabled:    cfg.ResponseCacheEnabled,
		DefaultCacheTTL: cfg.ResponseCacheTTL,
	}, logger, metrics)

	dl := downloader.New(store, &http.Client{Timeout: cfg.TileFetchTimeout}, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, store, dl, client,
		cfg.TileURLTemplate, cfg.TileFetchTimeout, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the API request dispatcher.
	go func() {
		if err := client.Run(ctx); err != nil {
			logger.Error("api client dispatcher error", "error", err)
		}
	}()

	// Alert-driven prefetch (feature-flagged via PREFETCH_ENABLED).
	var reader *kafkaadapter.Reader
	if cfg.PrefetchEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		p := prefetch.New(reader, dl, prefetch.Config{
			RadiusKm:    cfg.PrefetchRadiusKm,
			MinZoom:     cfg.PrefetchMinZoom,
			MaxZoom:     cfg.PrefetchMaxZoom,
			MinSeverity: cfg.PrefetchMinSeverity,
			URLTemplate: cfg.TileURLTemplate,
		}, logger, metrics)

		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("alert prefetcher error", "error", err)
			}
		}()
		logger.Info("alert prefetch enabled",
			"topic", cfg.KafkaAlertTopic,
			"min_severity", cfg.PrefetchMinSeverity,
		)
	} else {
		logger.Info("alert prefetch disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("tile store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
