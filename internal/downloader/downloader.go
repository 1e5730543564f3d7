// Package downloader turns a geographic bounding box and zoom range into a
// stored tile set: it enumerates the covering tiles, fetches them in
// bounded batches, and records region metadata for later management.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/observability"
	"github.com/dmind-project/offline-map-service/internal/tilecache"
)

const (
	// maxTilesPerRegion bounds a single download's resource usage; the tile
	// list is truncated silently past it.
	maxTilesPerRegion = 5000
	// batchSize tiles are fetched concurrently, then the downloader waits
	// for all of them before starting the next batch.
	batchSize = 10
)

// ErrDownloadInProgress is returned when a region download is started while
// another is still running.
var ErrDownloadInProgress = errors.New("a region download is already in progress")

// Downloader fetches tile sets for regions and persists them in the cache.
// One download runs at a time; Progress exposes its live state.
type Downloader struct {
	store   *tilecache.Store
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	running  bool
	progress domain.DownloadProgress
}

// New creates a Downloader. The HTTP client's timeout bounds each tile fetch.
func New(store *tilecache.Store, client *http.Client, logger *slog.Logger, metrics *observability.Metrics) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{
		store:   store,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// Progress returns a snapshot of the current (or last) download.
func (d *Downloader) Progress() domain.DownloadProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// DownloadRegion fetches every tile covering bounds for zoom levels in
// [minZoom, maxZoom] and writes one region record when done. Individual
// tile failures are tallied and never abort the download; cancellation
// between batches still records the partially downloaded region before
// returning the context error.
func (d *Downloader) DownloadRegion(ctx context.Context, bounds domain.Bounds, minZoom, maxZoom int, name, urlTemplate string) (domain.Region, error) {
	tiles, err := domain.TilesForBounds(bounds, minZoom, maxZoom, maxTilesPerRegion)
	if err != nil {
		return domain.Region{}, err
	}

	if err := d.begin(len(tiles)); err != nil {
		return domain.Region{}, err
	}
	defer d.end()

	d.logger.Info("region download started",
		"name", name,
		"tiles", len(tiles),
		"min_zoom", minZoom,
		"max_zoom", maxZoom,
	)

	var completed, failed int
	var totalSize int64
	tileKeys := make([]string, 0, len(tiles))
	cancelled := false

	for start := 0; start < len(tiles); start += batchSize {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		end := start + batchSize
		if end > len(tiles) {
			end = len(tiles)
		}

		results := d.fetchBatch(ctx, tiles[start:end], urlTemplate)
		for _, r := range results {
			if r.err != nil {
				failed++
				d.metrics.TileFetchFailures.Inc()
				continue
			}
			completed++
			totalSize += int64(r.size)
			tileKeys = append(tileKeys, r.key)
			d.metrics.TilesDownloaded.Inc()
		}
		d.setProgress(completed, failed)
	}

	now := domain.Now()
	region := domain.Region{
		ID:           domain.NewRegionID(),
		Name:         name,
		Bounds:       bounds,
		MinZoom:      minZoom,
		MaxZoom:      maxZoom,
		TileCount:    completed,
		SizeBytes:    totalSize,
		TileKeys:     tileKeys,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := d.store.PutRegion(region); err != nil {
		return domain.Region{}, fmt.Errorf("save region metadata: %w", err)
	}
	d.metrics.RegionsDownloaded.Inc()

	d.logger.Info("region download finished",
		"name", name,
		"region_id", region.ID,
		"completed", completed,
		"failed", failed,
		"size", domain.FormatSize(totalSize),
		"cancelled", cancelled,
	)

	if cancelled {
		return region, ctx.Err()
	}
	return region, nil
}

type fetchResult struct {
	key  string
	size int
	err  error
}

// fetchBatch issues all fetches in the slice concurrently and waits for
// every one to settle.
func (d *Downloader) fetchBatch(ctx context.Context, batch []domain.TileCoord, urlTemplate string) []fetchResult {
	results := make([]fetchResult, len(batch))
	var wg sync.WaitGroup
	for i, tile := range batch {
		wg.Add(1)
		go func(i int, tile domain.TileCoord) {
			defer wg.Done()
			results[i] = d.fetchTile(ctx, tile, urlTemplate)
		}(i, tile)
	}
	wg.Wait()
	return results
}

func (d *Downloader) fetchTile(ctx context.Context, tile domain.TileCoord, urlTemplate string) fetchResult {
	url := domain.TileURL(urlTemplate, tile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchResult{err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fetchResult{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fetchResult{err: fmt.Errorf("tile %d/%d/%d: HTTP %d", tile.Z, tile.X, tile.Y, resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{err: fmt.Errorf("tile %d/%d/%d: read body: %w", tile.Z, tile.X, tile.Y, err)}
	}
	if err := d.store.PutTile(url, data); err != nil {
		return fetchResult{err: err}
	}
	return fetchResult{key: domain.TileKey(url), size: len(data)}
}

func (d *Downloader) begin(total int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDownloadInProgress
	}
	d.running = true
	d.progress = domain.DownloadProgress{Total: total, InProgress: true}
	d.metrics.DownloadActive.Set(1)
	return nil
}

func (d *Downloader) setProgress(completed, failed int) {
	d.mu.Lock()
	d.progress.Completed = completed
	d.progress.Failed = failed
	d.mu.Unlock()
}

// end flips InProgress only after the region record is written (or the
// download aborted), so readers never see a finished progress bar before
// the region exists.
func (d *Downloader) end() {
	d.mu.Lock()
	d.running = false
	d.progress.InProgress = false
	d.metrics.DownloadActive.Set(0)
	d.mu.Unlock()
}
