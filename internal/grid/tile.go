package grid

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
)

// Tile is a rectangular sub-region of a larger bounding box, crawled and
// checkpointed on its own.
type Tile struct {
	ID     int
	Bounds Bounds
}

// Name returns a stable directory name for the tile.
func (t Tile) Name() string {
	return fmt.Sprintf("tile_%d_lon%.3f-%.3f_lat%.3f-%.3f",
		t.ID, t.Bounds.MinLon, t.Bounds.MaxLon, t.Bounds.MinLat, t.Bounds.MaxLat)
}

// Tiles partitions bounds into size-degree tiles, longitude-major. The last
// tile along each axis is clipped to the box edge. IDs start at 1.
func Tiles(bounds Bounds, size float64) ([]Tile, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return nil, eris.Errorf("grid: tile size must be positive, got %v", size)
	}

	nLon := tileCount(bounds.MinLon, bounds.MaxLon, size)
	nLat := tileCount(bounds.MinLat, bounds.MaxLat, size)

	tiles := make([]Tile, 0, nLon*nLat)
	for i := 0; i < nLon; i++ {
		lon := bounds.MinLon + float64(i)*size
		for j := 0; j < nLat; j++ {
			lat := bounds.MinLat + float64(j)*size
			tiles = append(tiles, Tile{
				ID: len(tiles) + 1,
				Bounds: Bounds{
					MinLon: lon,
					MaxLon: math.Min(lon+size, bounds.MaxLon),
					MinLat: lat,
					MaxLat: math.Min(lat+size, bounds.MaxLat),
				},
			})
		}
	}
	return tiles, nil
}

// tileCount returns how many size-wide tiles cover [lo, hi]. A degenerate
// axis (lo == hi) still gets one tile.
func tileCount(lo, hi, size float64) int {
	n := int(math.Ceil((hi-lo)/size - epsilon))
	if n < 1 {
		return 1
	}
	return n
}
