// Package grid enumerates the sample points of a bounding box.
package grid

import (
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// epsilon absorbs division error so that an endpoint lying on a step boundary
// (0.3/0.1 evaluates to 2.9999999999999996) is still counted.
const epsilon = 1e-9

// Bounds is a longitude/latitude bounding box in degrees (EPSG:4326).
type Bounds struct {
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
}

// Validate checks that all edges are finite and ordered.
func (b Bounds) Validate() error {
	for _, v := range []float64{b.MinLon, b.MaxLon, b.MinLat, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.New("grid: bounds must be finite")
		}
	}
	if b.MinLon > b.MaxLon {
		return eris.Errorf("grid: min_lon %v exceeds max_lon %v", b.MinLon, b.MaxLon)
	}
	if b.MinLat > b.MaxLat {
		return eris.Errorf("grid: min_lat %v exceeds max_lat %v", b.MinLat, b.MaxLat)
	}
	return nil
}

// String renders the box as "minLon,minLat,maxLon,maxLat", the order used by
// identify map extents.
func (b Bounds) String() string {
	return strings.Join([]string{
		formatCoord(b.MinLon), formatCoord(b.MinLat), formatCoord(b.MaxLon), formatCoord(b.MaxLat),
	}, ",")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Point is a single sample coordinate.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Grid is a finite, deterministic sequence of points covering Bounds at a
// fixed step. Points are ordered longitude-major, latitude-minor, both
// ascending.
type Grid struct {
	bounds Bounds
	step   float64
	nLon   int
	nLat   int
}

// New validates the inputs and builds a Grid.
func New(bounds Bounds, step float64) (*Grid, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(step) || math.IsInf(step, 0) || step <= 0 {
		return nil, eris.Errorf("grid: step must be positive, got %v", step)
	}

	return &Grid{
		bounds: bounds,
		step:   step,
		nLon:   AxisCount(bounds.MinLon, bounds.MaxLon, step),
		nLat:   AxisCount(bounds.MinLat, bounds.MaxLat, step),
	}, nil
}

// AxisCount returns the number of samples from lo to hi (inclusive) at step.
func AxisCount(lo, hi, step float64) int {
	return int(math.Floor((hi-lo)/step+epsilon)) + 1
}

// Bounds returns the box the grid covers.
func (g *Grid) Bounds() Bounds { return g.bounds }

// Step returns the sample spacing in degrees.
func (g *Grid) Step() float64 { return g.step }

// Dims returns the number of samples along the longitude and latitude axes.
func (g *Grid) Dims() (int, int) { return g.nLon, g.nLat }

// Count returns the total number of points the grid yields.
func (g *Grid) Count() int { return g.nLon * g.nLat }

// Point returns the point at zero-based index i. Coordinates are computed from
// integer offsets so that no error accumulates along an axis.
func (g *Grid) Point(i int) Point {
	lonIdx, latIdx := i/g.nLat, i%g.nLat
	return Point{
		Lon: g.bounds.MinLon + float64(lonIdx)*g.step,
		Lat: g.bounds.MinLat + float64(latIdx)*g.step,
	}
}

// All yields every (index, point) pair in order. Each call starts from index 0.
func (g *Grid) All() iter.Seq2[int, Point] {
	return func(yield func(int, Point) bool) {
		total := g.Count()
		for i := 0; i < total; i++ {
			if !yield(i, g.Point(i)) {
				return
			}
		}
	}
}

// Window returns the query envelope around p: p ± step on both axes.
func (g *Grid) Window(p Point) Bounds {
	return Bounds{
		MinLon: p.Lon - g.step,
		MaxLon: p.Lon + g.step,
		MinLat: p.Lat - g.step,
		MaxLat: p.Lat + g.step,
	}
}
