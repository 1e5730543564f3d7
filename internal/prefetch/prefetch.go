// Package prefetch warms the offline tile cache around incoming disaster
// alerts so the map is usable before the user ever opens the affected area.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/observability"
)

// AlertSource yields disaster alerts, blocking until one is available.
type AlertSource interface {
	NextAlert(ctx context.Context) (domain.Alert, error)
}

// RegionDownloader downloads all tiles covering bounds for a zoom range.
type RegionDownloader interface {
	DownloadRegion(ctx context.Context, bounds domain.Bounds, minZoom, maxZoom int, name, urlTemplate string) (domain.Region, error)
}

// Config controls which alerts trigger a prefetch and how much map they pull.
type Config struct {
	RadiusKm    float64
	MinZoom     int
	MaxZoom     int
	MinSeverity string
	URLTemplate string
}

// Prefetcher consumes alerts and downloads the surrounding map region for
// each one that meets the severity threshold.
type Prefetcher struct {
	source     AlertSource
	downloader RegionDownloader
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool
}

// New creates a Prefetcher with the given alert source and downloader.
func New(source AlertSource, dl RegionDownloader, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Prefetcher {
	return &Prefetcher{
		source:     source,
		downloader: dl,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once at least one alert has been consumed.
func (p *Prefetcher) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("prefetcher has not consumed any alerts yet")
	}
	return nil
}

// Run consumes alerts until the context is cancelled. Alert source errors are
// retried with exponential backoff; prefetch failures for a single alert are
// logged and skipped.
func (p *Prefetcher) Run(ctx context.Context) error {
	p.logger.Info("alert prefetcher started",
		"min_severity", p.cfg.MinSeverity,
		"radius_km", p.cfg.RadiusKm,
		"zoom_range", fmt.Sprintf("%d-%d", p.cfg.MinZoom, p.cfg.MaxZoom),
	)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("alert prefetcher stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.consumeOne(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// consumeOne handles a single alert. Returns false if the prefetcher should stop.
func (p *Prefetcher) consumeOne(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	alert, err := p.source.NextAlert(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("alert consume failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	p.metrics.AlertsConsumed.Inc()
	p.ready.Store(true)
	*backoff = 200 * time.Millisecond

	if !domain.SeverityAtLeast(alert.Severity, p.cfg.MinSeverity) {
		p.metrics.AlertsSkipped.Inc()
		p.logger.Debug("alert below severity threshold, skipping",
			"alert_id", alert.ID,
			"severity", alert.Severity,
		)
		return true
	}

	bounds := domain.BoundsAround(alert.Lat, alert.Lon, p.cfg.RadiusKm)
	name := fmt.Sprintf("alert:%s %s", alert.ID, alert.EventType)

	region, err := p.downloader.DownloadRegion(ctx, bounds, p.cfg.MinZoom, p.cfg.MaxZoom, name, p.cfg.URLTemplate)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warn("alert prefetch failed, skipping",
			"alert_id", alert.ID,
			"error", err,
		)
		return true
	}

	p.metrics.AlertsPrefetched.Inc()
	p.logger.Info("alert region prefetched",
		"alert_id", alert.ID,
		"region_id", region.ID,
		"tiles", region.TileCount,
	)
	return true
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the prefetcher should stop.
func (p *Prefetcher) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
