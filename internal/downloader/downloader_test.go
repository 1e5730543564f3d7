package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/observability"
	"github.com/dmind-project/offline-map-service/internal/tilecache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *tilecache.Store {
	t.Helper()
	store, err := tilecache.Open(filepath.Join(t.TempDir(), "tiles.db"), discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newDownloader(t *testing.T, store *tilecache.Store) *Downloader {
	t.Helper()
	return New(store, &http.Client{Timeout: 5 * time.Second}, discardLogger(), observability.NewMetricsForTesting())
}

// Small box around Bangkok: exactly 4 tiles at zoom 10.
var bangkokBounds = domain.Bounds{North: 14.0, South: 13.9, East: 100.6, West: 100.5}

func TestDownloadRegion_StoresAllTiles(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(make([]byte, 100))
	}))
	defer server.Close()

	store := openStore(t)
	d := newDownloader(t, store)

	fakeClock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	domain.SetClock(fakeClock)
	t.Cleanup(func() { domain.SetClock(nil) })

	region, err := d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "bangkok", server.URL+"/{z}/{x}/{y}.png")
	require.NoError(t, err)

	assert.Equal(t, fakeClock.Now(), region.CreatedAt)
	assert.Equal(t, fakeClock.Now(), region.LastAccessed)
	assert.Equal(t, 4, region.TileCount)
	assert.Equal(t, int64(400), region.SizeBytes)
	assert.Len(t, region.TileKeys, 4)
	assert.True(t, strings.HasPrefix(region.ID, "region-"))
	assert.EqualValues(t, 4, requests.Load())

	tileCount, totalBytes := store.Stats()
	assert.Equal(t, 4, tileCount)
	assert.Equal(t, int64(400), totalBytes)

	regions, err := store.Regions()
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, region.ID, regions[0].ID)

	// The persisted region owns exactly the keys of the enumerated tiles.
	coords, err := domain.TilesForBounds(bangkokBounds, 10, 10, 5000)
	require.NoError(t, err)
	expected := make([]string, 0, len(coords))
	for _, c := range coords {
		expected = append(expected, domain.TileKey(domain.TileURL(server.URL+"/{z}/{x}/{y}.png", c)))
	}
	actual := append([]string(nil), regions[0].TileKeys...)
	sort.Strings(expected)
	sort.Strings(actual)
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("region tile keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDownloadRegion_TalliesFailuresWithoutAborting(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail exactly one tile; the rest of the batch still completes.
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("tile"))
	}))
	defer server.Close()

	store := openStore(t)
	d := newDownloader(t, store)

	region, err := d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "bangkok", server.URL+"/{z}/{x}/{y}.png")
	require.NoError(t, err)

	progress := d.Progress()
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 3, progress.Completed)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, progress.Total, progress.Completed+progress.Failed)
	assert.False(t, progress.InProgress)

	assert.Equal(t, 3, region.TileCount)
	tileCount, _ := store.Stats()
	assert.Equal(t, 3, tileCount)
}

func TestDownloadRegion_InvalidBounds(t *testing.T) {
	store := openStore(t)
	d := newDownloader(t, store)

	degenerate := domain.Bounds{North: 13.9, South: 14.0, East: 100.6, West: 100.5}
	_, err := d.DownloadRegion(context.Background(), degenerate, 10, 10, "bad", "http://tiles.example.com/{z}/{x}/{y}.png")
	require.Error(t, err)

	regions, err := store.Regions()
	require.NoError(t, err)
	assert.Empty(t, regions)
}

func TestDownloadRegion_RejectsConcurrentDownload(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("tile"))
	}))
	defer server.Close()
	defer close(release)

	store := openStore(t)
	d := newDownloader(t, store)

	go d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "first", server.URL+"/{z}/{x}/{y}.png")

	require.Eventually(t, func() bool {
		return d.Progress().InProgress
	}, 2*time.Second, 10*time.Millisecond)

	_, err := d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "second", server.URL+"/{z}/{x}/{y}.png")
	assert.ErrorIs(t, err, ErrDownloadInProgress)
}

func TestDownloadRegion_CancellationKeepsPartialRegion(t *testing.T) {
	store := openStore(t)
	d := newDownloader(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	region, err := d.DownloadRegion(ctx, bangkokBounds, 10, 10, "bangkok", "http://tiles.example.com/{z}/{x}/{y}.png")
	assert.ErrorIs(t, err, context.Canceled)

	// The region record is still written so the partial download is
	// visible and deletable.
	assert.Equal(t, 0, region.TileCount)
	regions, regErr := store.Regions()
	require.NoError(t, regErr)
	assert.Len(t, regions, 1)
}

func TestDownloadRegion_SharedTilesAcrossRegions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	}))
	defer server.Close()

	store := openStore(t)
	d := newDownloader(t, store)
	template := server.URL + "/{z}/{x}/{y}.png"

	first, err := d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "first", template)
	require.NoError(t, err)
	second, err := d.DownloadRegion(context.Background(), bangkokBounds, 10, 10, "second", template)
	require.NoError(t, err)

	// Same coverage, so the cache holds each tile once.
	tileCount, _ := store.Stats()
	assert.Equal(t, 4, tileCount)

	// Deleting one region keeps the tiles the other still references.
	require.NoError(t, store.DeleteRegion(first.ID))
	tileCount, _ = store.Stats()
	assert.Equal(t, 4, tileCount)

	require.NoError(t, store.DeleteRegion(second.ID))
	tileCount, _ = store.Stats()
	assert.Equal(t, 0, tileCount)
}
