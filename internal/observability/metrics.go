package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// tile cache, region downloader, and outbound API client.
type Metrics struct {
	// Tile cache and region downloads.
	TilesDownloaded   prometheus.Counter
	TileFetchFailures prometheus.Counter
	TileCacheLookups  *prometheus.CounterVec // labels: result={hit,miss}
	RegionsDownloaded prometheus.Counter
	DownloadActive    prometheus.Gauge
	CachedTiles       prometheus.Gauge
	CachedBytes       prometheus.Gauge

	// API client request queue.
	APIRequests   *prometheus.CounterVec   // labels: method, outcome={success,failure,timeout,cancelled}
	APIRetries    prometheus.Counter
	APIQueueDepth prometheus.Gauge
	APIActive     prometheus.Gauge
	APIPaused     prometheus.Gauge
	APIDuration   *prometheus.HistogramVec // labels: method
	ResponseCache *prometheus.CounterVec   // labels: result={hit,miss}

	// Alert prefetch.
	AlertsConsumed   prometheus.Counter
	AlertsPrefetched prometheus.Counter
	AlertsSkipped    prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		TilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "tiles_downloaded_total",
			Help:      "Total tiles fetched and stored during region downloads.",
		}),
		TileFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "tile_fetch_failures_total",
			Help:      "Total tile fetches that failed during region downloads.",
		}),
		TileCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "tile_cache_lookups_total",
			Help:      "Tile cache lookups by result.",
		}, []string{"result"}),
		RegionsDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "regions_downloaded_total",
			Help:      "Total region downloads completed.",
		}),
		DownloadActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "download_active",
			Help:      "1 while a region download is in progress.",
		}),
		CachedTiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "cached_tiles",
			Help:      "Number of tiles currently in the cache.",
		}),
		CachedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "cached_bytes",
			Help:      "Total byte size of cached tiles.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "api_requests_total",
			Help:      "Outbound API requests by method and terminal outcome.",
		}, []string{"method", "outcome"}),
		APIRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "api_retries_total",
			Help:      "Total request retries (backoff, rate limit, timeout).",
		}),
		APIQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "api_queue_depth",
			Help:      "Requests currently waiting in the priority queue.",
		}),
		APIActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "api_active_requests",
			Help:      "Requests currently dispatched and awaiting a response.",
		}),
		APIPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmind_maps",
			Name:      "api_paused",
			Help:      "1 while the client is paused (offline), 0 otherwise.",
		}),
		APIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dmind_maps",
			Name:      "api_request_duration_seconds",
			Help:      "Wall time from dispatch to response per attempt.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		ResponseCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "response_cache_total",
			Help:      "GET response cache lookups by result.",
		}, []string{"result"}),
		AlertsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "alerts_consumed_total",
			Help:      "Total alerts read from the alert topic.",
		}),
		AlertsPrefetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "alerts_prefetched_total",
			Help:      "Total alerts that triggered a region prefetch.",
		}),
		AlertsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmind_maps",
			Name:      "alerts_skipped_total",
			Help:      "Total alerts skipped for falling below the severity threshold.",
		}),
	}

	prometheus.MustRegister(
		m.TilesDownloaded,
		m.TileFetchFailures,
		m.TileCacheLookups,
		m.RegionsDownloaded,
		m.DownloadActive,
		m.CachedTiles,
		m.CachedBytes,
		m.APIRequests,
		m.APIRetries,
		m.APIQueueDepth,
		m.APIActive,
		m.APIPaused,
		m.APIDuration,
		m.ResponseCache,
		m.AlertsConsumed,
		m.AlertsPrefetched,
		m.AlertsSkipped,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		TilesDownloaded:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "tiles_downloaded_total"}),
		TileFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "tile_fetch_failures_total"}),
		TileCacheLookups:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "tile_cache_lookups_total"}, []string{"result"}),
		RegionsDownloaded: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "regions_downloaded_total"}),
		DownloadActive:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "download_active"}),
		CachedTiles:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "cached_tiles"}),
		CachedBytes:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "cached_bytes"}),
		APIRequests:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "api_requests_total"}, []string{"method", "outcome"}),
		APIRetries:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "api_retries_total"}),
		APIQueueDepth:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "api_queue_depth"}),
		APIActive:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "api_active_requests"}),
		APIPaused:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dmind_maps", Name: "api_paused"}),
		APIDuration:       prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "dmind_maps", Name: "api_request_duration_seconds"}, []string{"method"}),
		ResponseCache:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "response_cache_total"}, []string{"result"}),
		AlertsConsumed:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "alerts_consumed_total"}),
		AlertsPrefetched:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "alerts_prefetched_total"}),
		AlertsSkipped:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dmind_maps", Name: "alerts_skipped_total"}),
	}
}
