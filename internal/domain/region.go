package domain

import (
	"time"

	"github.com/google/uuid"
)

// Region describes one completed (or partially completed) bulk tile download.
// TileKeys records which cache entries the region owns so deletion can
// reclaim tiles that no other region references.
type Region struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Bounds       Bounds    `json:"bounds"`
	MinZoom      int       `json:"minZoom"`
	MaxZoom      int       `json:"maxZoom"`
	TileCount    int       `json:"tileCount"`
	SizeBytes    int64     `json:"sizeBytes"`
	TileKeys     []string  `json:"tileKeys"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// NewRegionID generates a unique region identifier.
func NewRegionID() string {
	return "region-" + uuid.NewString()
}

// DownloadProgress is a snapshot of an in-flight region download.
// InProgress stays true until the region metadata has been written.
type DownloadProgress struct {
	Total      int  `json:"total"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	InProgress bool `json:"inProgress"`
}
