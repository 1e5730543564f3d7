// Package tilecache persists map tiles and region metadata in an embedded
// bbolt database, the durable counterpart of the mobile client's in-browser
// tile store. All writes go through bbolt transactions, so concurrent
// callers never observe a half-applied region or tile.
package tilecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/observability"
)

var (
	bucketTiles   = []byte("tiles")
	bucketRegions = []byte("regions")
)

// ErrRegionNotFound is returned by DeleteRegion for an unknown region id.
var ErrRegionNotFound = errors.New("region not found")

// Store is a durable tile and region store backed by a single bbolt file.
// Aggregate stats are maintained incrementally on writes and recomputed by
// full scan on open, clear, and region deletion.
type Store struct {
	db      *bolt.DB
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	tileCount  int
	totalBytes int64
}

// Open opens (or creates) the store at path and ensures both buckets exist.
func Open(path string, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open tile database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRegions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, logger: logger, metrics: metrics}
	if err := s.RecomputeStats(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckReadiness verifies the database is reachable.
func (s *Store) CheckReadiness(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTiles) == nil {
			return errors.New("tile bucket missing")
		}
		return nil
	})
}

// GetTile looks up a tile by URL-derived key. A miss, and any storage
// error, returns nil: the caller always has a network fallback, so storage
// trouble degrades to a refetch rather than a failure.
func (s *Store) GetTile(url string) []byte {
	key := domain.TileKey(url)

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTiles).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var tile domain.Tile
		if err := json.Unmarshal(raw, &tile); err != nil {
			return err
		}
		data = tile.Data
		return nil
	})
	if err != nil {
		s.logger.Error("tile lookup failed, treating as miss", "key", key, "error", err)
		s.metrics.TileCacheLookups.WithLabelValues("miss").Inc()
		return nil
	}

	if data == nil {
		s.metrics.TileCacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	s.metrics.TileCacheLookups.WithLabelValues("hit").Inc()
	return data
}

// PutTile upserts a tile by its URL-derived key. Re-caching the same URL
// replaces the stored bytes; the second write wins.
func (s *Store) PutTile(url string, data []byte) error {
	key := domain.TileKey(url)
	coord, _ := domain.ParseTileCoords(url)

	tile := domain.Tile{
		Key:       key,
		URL:       url,
		Data:      data,
		Zoom:      coord.Z,
		X:         coord.X,
		Y:         coord.Y,
		Timestamp: domain.Now(),
	}
	encoded, err := json.Marshal(tile)
	if err != nil {
		return fmt.Errorf("encode tile: %w", err)
	}

	var prevSize int64 = -1
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiles)
		if raw := b.Get([]byte(key)); raw != nil {
			var prev domain.Tile
			if err := json.Unmarshal(raw, &prev); err == nil {
				prevSize = int64(len(prev.Data))
			}
		}
		return b.Put([]byte(key), encoded)
	})
	if err != nil {
		return fmt.Errorf("store tile %s: %w", key, err)
	}

	s.mu.Lock()
	if prevSize >= 0 {
		s.totalBytes += int64(len(data)) - prevSize
	} else {
		s.tileCount++
		s.totalBytes += int64(len(data))
	}
	s.publishStatsLocked()
	s.mu.Unlock()
	return nil
}

// Stats returns the current tile count and total byte size.
func (s *Store) Stats() (tileCount int, totalBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tileCount, s.totalBytes
}

// RecomputeStats rebuilds the aggregate counters by enumerating every
// stored tile. Called on open and after bulk deletions; per-write updates
// are incremental.
func (s *Store) RecomputeStats() error {
	var count int
	var size int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTiles).ForEach(func(_, raw []byte) error {
			var tile domain.Tile
			if err := json.Unmarshal(raw, &tile); err != nil {
				return err
			}
			count++
			size += int64(len(tile.Data))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("recompute cache stats: %w", err)
	}

	s.mu.Lock()
	s.tileCount = count
	s.totalBytes = size
	s.publishStatsLocked()
	s.mu.Unlock()
	return nil
}

// Regions returns all region metadata records.
func (s *Store) Regions() ([]domain.Region, error) {
	var regions []domain.Region
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegions).ForEach(func(_, raw []byte) error {
			var r domain.Region
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			regions = append(regions, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load regions: %w", err)
	}
	return regions, nil
}

// PutRegion upserts a region metadata record.
func (s *Store) PutRegion(r domain.Region) error {
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode region: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegions).Put([]byte(r.ID), encoded)
	})
	if err != nil {
		return fmt.Errorf("store region %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRegion removes a region record and reclaims its tiles, keeping any
// tile still referenced by a surviving region. The whole operation runs in
// one transaction.
func (s *Store) DeleteRegion(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		regions := tx.Bucket(bucketRegions)
		raw := regions.Get([]byte(id))
		if raw == nil {
			return ErrRegionNotFound
		}
		var doomed domain.Region
		if err := json.Unmarshal(raw, &doomed); err != nil {
			return fmt.Errorf("decode region: %w", err)
		}

		// Keys referenced by every other region stay cached.
		shared := make(map[string]bool)
		err := regions.ForEach(func(key, other []byte) error {
			if bytes.Equal(key, []byte(id)) {
				return nil
			}
			var r domain.Region
			if err := json.Unmarshal(other, &r); err != nil {
				return err
			}
			for _, k := range r.TileKeys {
				shared[k] = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		tiles := tx.Bucket(bucketTiles)
		for _, k := range doomed.TileKeys {
			if shared[k] {
				continue
			}
			if err := tiles.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return regions.Delete([]byte(id))
	})
	if err != nil {
		if errors.Is(err, ErrRegionNotFound) {
			return err
		}
		return fmt.Errorf("delete region %s: %w", id, err)
	}
	return s.RecomputeStats()
}

// Clear deletes all tiles and all region metadata in a single transaction
// and resets the counters.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketTiles); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketRegions); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketTiles); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketRegions)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	s.mu.Lock()
	s.tileCount = 0
	s.totalBytes = 0
	s.publishStatsLocked()
	s.mu.Unlock()
	return nil
}

func (s *Store) publishStatsLocked() {
	s.metrics.CachedTiles.Set(float64(s.tileCount))
	s.metrics.CachedBytes.Set(float64(s.totalBytes))
}
