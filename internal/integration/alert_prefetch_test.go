//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	kafkaadapter "github.com/dmind-project/offline-map-service/internal/adapter/kafka"
	"github.com/dmind-project/offline-map-service/internal/config"
	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/downloader"
	"github.com/dmind-project/offline-map-service/internal/observability"
	"github.com/dmind-project/offline-map-service/internal/prefetch"
	"github.com/dmind-project/offline-map-service/internal/tilecache"
)

const testAlertTopic = "test-disaster-alerts"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka launches a single-node Kafka broker in a container and returns
// its bootstrap address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrlConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrlConn.Close()

	require.NoError(t, ctrlConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// TestAlertPrefetchEndToEnd publishes disaster alerts to a real Kafka broker
// and verifies the prefetcher downloads a map region for each alert at or
// above the severity threshold.
func TestAlertPrefetchEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testAlertTopic)

	tileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile-bytes"))
	}))
	t.Cleanup(tileServer.Close)

	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()

	store, err := tilecache.Open(filepath.Join(t.TempDir(), "tiles.db"), logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		KafkaBrokers:    []string{broker},
		KafkaAlertTopic: testAlertTopic,
		KafkaGroupID:    fmt.Sprintf("test-prefetch-%d", time.Now().UnixNano()),
	}

	// Publish one alert below the threshold and one above it.
	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: testAlertTopic,
	}
	t.Cleanup(func() { _ = producer.Close() })

	alerts := []domain.Alert{
		{ID: "alert-minor", EventType: "storm", Severity: domain.SeverityMinor, Lat: 13.75, Lon: 100.5},
		{ID: "alert-severe", EventType: "flood", Severity: domain.SeveritySevere, Lat: 13.75, Lon: 100.5},
	}
	msgs := make([]kafkago.Message, 0, len(alerts))
	for _, a := range alerts {
		payload, err := json.Marshal(a)
		require.NoError(t, err)
		msgs = append(msgs, kafkago.Message{Key: []byte(a.ID), Value: payload})
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))

	// Wire up the consume-and-prefetch path with a real store and downloader.
	reader := kafkaadapter.NewReader(cfg, logger)
	t.Cleanup(func() { _ = reader.Close() })

	dl := downloader.New(store, &http.Client{Timeout: 10 * time.Second}, logger, metrics)
	p := prefetch.New(reader, dl, prefetch.Config{
		RadiusKm:    5,
		MinZoom:     10,
		MaxZoom:     10,
		MinSeverity: domain.SeverityModerate,
		URLTemplate: tileServer.URL + "/{z}/{x}/{y}.png",
	}, logger, metrics)

	prefetchCtx, prefetchCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(prefetchCtx) }()

	// Only the severe alert produces a region.
	require.Eventually(t, func() bool {
		regions, err := store.Regions()
		return err == nil && len(regions) == 1
	}, 90*time.Second, 250*time.Millisecond, "timed out waiting for prefetched region")

	prefetchCancel()
	require.NoError(t, <-errCh)

	regions, err := store.Regions()
	require.NoError(t, err)
	require.Len(t, regions, 1)
	region := regions[0]
	assert.Contains(t, region.Name, "alert-severe")
	assert.Greater(t, region.TileCount, 0)

	// Every downloaded tile is retrievable from the cache.
	tileCount, totalBytes := store.Stats()
	assert.Equal(t, region.TileCount, tileCount)
	assert.Equal(t, region.SizeBytes, totalBytes)
}
