package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxMercatorLat is the latitude limit of the Web Mercator projection.
// tan() diverges beyond it, so bounds are clamped before conversion.
const maxMercatorLat = 85.0511

// TileCoord addresses one tile in the slippy-map pyramid.
type TileCoord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Tile is a cached map image together with its addressing metadata.
type Tile struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Data      []byte    `json:"data"`
	Zoom      int       `json:"zoom"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// Bounds is a geographic bounding box in degrees. West > East means the box
// crosses the antimeridian.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Validate rejects boxes that cannot describe any area on the map.
func (b Bounds) Validate() error {
	if b.North <= b.South {
		return fmt.Errorf("invalid bounds: north (%v) must be greater than south (%v)", b.North, b.South)
	}
	if b.North < -90 || b.North > 90 || b.South < -90 || b.South > 90 {
		return errors.New("invalid bounds: latitude out of range [-90, 90]")
	}
	if b.East < -180 || b.East > 180 || b.West < -180 || b.West > 180 {
		return errors.New("invalid bounds: longitude out of range [-180, 180]")
	}
	return nil
}

// crossesAntimeridian reports whether the box wraps around longitude ±180.
func (b Bounds) crossesAntimeridian() bool {
	return b.West > b.East
}

// TileXY converts a geographic coordinate to slippy-map grid indices at the
// given zoom level.
func TileXY(lat, lon float64, zoom int) (x, y int) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	n := math.Exp2(float64(zoom))
	x = int(math.Floor((lon + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))

	// Clamp to the grid; lon == 180 otherwise lands one past the last column.
	max := int(n) - 1
	if x > max {
		x = max
	}
	if x < 0 {
		x = 0
	}
	if y > max {
		y = max
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

// TilesForBounds enumerates every tile covering the box for each zoom level
// in [minZoom, maxZoom]. If limit > 0 the result is truncated at limit tiles,
// lower zoom levels first. Antimeridian-crossing boxes are split into two
// x-ranges rather than producing an inverted range.
func TilesForBounds(b Bounds, minZoom, maxZoom int, limit int) ([]TileCoord, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if minZoom < 0 || maxZoom < minZoom {
		return nil, fmt.Errorf("invalid zoom range [%d, %d]", minZoom, maxZoom)
	}

	var tiles []TileCoord
	for z := minZoom; z <= maxZoom; z++ {
		// y grows southward, so the north edge gives the smaller index.
		_, yMin := TileXY(b.North, b.West, z)
		_, yMax := TileXY(b.South, b.West, z)

		var xRanges [][2]int
		if b.crossesAntimeridian() {
			xWest, _ := TileXY(b.North, b.West, z)
			xEast, _ := TileXY(b.North, b.East, z)
			last := int(math.Exp2(float64(z))) - 1
			xRanges = [][2]int{{xWest, last}, {0, xEast}}
		} else {
			xMin, _ := TileXY(b.North, b.West, z)
			xMax, _ := TileXY(b.North, b.East, z)
			xRanges = [][2]int{{xMin, xMax}}
		}

		for _, r := range xRanges {
			for x := r[0]; x <= r[1]; x++ {
				for y := yMin; y <= yMax; y++ {
					if limit > 0 && len(tiles) >= limit {
						return tiles, nil
					}
					tiles = append(tiles, TileCoord{Z: z, X: x, Y: y})
				}
			}
		}
	}
	return tiles, nil
}

// TileURL substitutes the coordinate into a {z}/{x}/{y} URL template.
func TileURL(template string, t TileCoord) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	)
	return r.Replace(template)
}

var schemeHostRe = regexp.MustCompile(`^https?://[^/]+`)

// TileKey derives the cache key for a tile URL by stripping scheme and host,
// so refetching the same path from a mirror host is a cache hit.
func TileKey(url string) string {
	return schemeHostRe.ReplaceAllString(url, "")
}

var tileCoordsRe = regexp.MustCompile(`/(\d+)/(\d+)/(\d+)`)

// ParseTileCoords extracts z/x/y from a tile URL or cache key. Returns false
// when the path carries no recognizable coordinate triple.
func ParseTileCoords(url string) (TileCoord, bool) {
	m := tileCoordsRe.FindStringSubmatch(url)
	if m == nil {
		return TileCoord{}, false
	}
	z, _ := strconv.Atoi(m[1])
	x, _ := strconv.Atoi(m[2])
	y, _ := strconv.Atoi(m[3])
	return TileCoord{Z: z, X: x, Y: y}, true
}

// BoundsAround builds a bounding box of roughly radiusKm around a point,
// used to pick the prefetch area for an alert epicenter.
func BoundsAround(lat, lon, radiusKm float64) Bounds {
	dLat := radiusKm / 110.574
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01 // near the poles every longitude is close
	}
	dLon := radiusKm / (111.320 * cosLat)

	b := Bounds{
		North: math.Min(lat+dLat, maxMercatorLat),
		South: math.Max(lat-dLat, -maxMercatorLat),
		East:  lon + dLon,
		West:  lon - dLon,
	}
	if b.East > 180 {
		b.East -= 360
	}
	if b.West < -180 {
		b.West += 360
	}
	return b
}

// FormatSize renders a byte count for humans: "512 B", "12.3 KB", "4.0 MB".
func FormatSize(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
}
