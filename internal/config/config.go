package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Tile cache and region downloads.
	TileDBPath       string
	TileURLTemplate  string
	TileFetchTimeout time.Duration

	// Outbound API client.
	APIBaseURL            string
	MaxConcurrentRequests int
	DefaultRetries        int
	RequestTimeout        time.Duration
	ResponseCacheEnabled  bool
	ResponseCacheTTL      time.Duration

	// Alert-driven prefetch (feature-flagged via PREFETCH_ENABLED).
	KafkaBrokers        []string
	KafkaAlertTopic     string
	KafkaGroupID        string
	PrefetchEnabled     bool
	PrefetchRadiusKm    float64
	PrefetchMinZoom     int
	PrefetchMaxZoom     int
	PrefetchMinSeverity string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	tileFetchTimeout, err := parseDuration("TILE_FETCH_TIMEOUT", "15s")
	if err != nil {
		return nil, err
	}
	requestTimeout, err := parseDuration("REQUEST_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration("RESPONSE_CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}

	maxConcurrent, err := parseInt("MAX_CONCURRENT_REQUESTS", 5, 1, 100)
	if err != nil {
		return nil, err
	}
	defaultRetries, err := parseInt("DEFAULT_RETRIES", 3, 0, 20)
	if err != nil {
		return nil, err
	}
	prefetchMinZoom, err := parseInt("PREFETCH_MIN_ZOOM", 10, 0, 22)
	if err != nil {
		return nil, err
	}
	prefetchMaxZoom, err := parseInt("PREFETCH_MAX_ZOOM", 13, 0, 22)
	if err != nil {
		return nil, err
	}
	prefetchRadius, err := parseFloat("PREFETCH_RADIUS_KM", 25)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		TileDBPath:       envOrDefault("TILE_DB_PATH", "offline-maps.db"),
		TileURLTemplate:  envOrDefault("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
		TileFetchTimeout: tileFetchTimeout,

		APIBaseURL:            os.Getenv("API_BASE_URL"),
		MaxConcurrentRequests: maxConcurrent,
		DefaultRetries:        defaultRetries,
		RequestTimeout:        requestTimeout,
		ResponseCacheEnabled:  envOrDefault("RESPONSE_CACHE_ENABLED", "true") == "true",
		ResponseCacheTTL:      cacheTTL,

		KafkaBrokers:        parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaAlertTopic:     envOrDefault("KAFKA_ALERT_TOPIC", "disaster-alerts"),
		KafkaGroupID:        envOrDefault("KAFKA_GROUP_ID", "offline-map-service"),
		PrefetchEnabled:     os.Getenv("PREFETCH_ENABLED") == "true",
		PrefetchRadiusKm:    prefetchRadius,
		PrefetchMinZoom:     prefetchMinZoom,
		PrefetchMaxZoom:     prefetchMaxZoom,
		PrefetchMinSeverity: envOrDefault("PREFETCH_MIN_SEVERITY", "moderate"),
	}

	if !strings.Contains(cfg.TileURLTemplate, "{z}") ||
		!strings.Contains(cfg.TileURLTemplate, "{x}") ||
		!strings.Contains(cfg.TileURLTemplate, "{y}") {
		return nil, errors.New("TILE_URL_TEMPLATE must contain {z}, {x} and {y} placeholders")
	}
	if cfg.PrefetchMaxZoom < cfg.PrefetchMinZoom {
		return nil, errors.New("PREFETCH_MAX_ZOOM must not be below PREFETCH_MIN_ZOOM")
	}
	if cfg.PrefetchEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("PREFETCH_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.PrefetchEnabled && cfg.KafkaAlertTopic == "" {
		return nil, errors.New("PREFETCH_ENABLED is true but KAFKA_ALERT_TOPIC is not set")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, fallback, min, max int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("invalid %s: must be an integer in [%d, %d]", key, min, max)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive number", key)
	}
	return f, nil
}
