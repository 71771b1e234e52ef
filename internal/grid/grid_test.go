package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(g *Grid) []Point {
	var pts []Point
	for _, p := range g.All() {
		pts = append(pts, p)
	}
	return pts
}

func TestNew_ThreeByThree(t *testing.T) {
	g, err := New(Bounds{MinLon: 0, MaxLon: 0.0002, MinLat: 0, MaxLat: 0.0002}, 0.0001)
	require.NoError(t, err)

	nLon, nLat := g.Dims()
	assert.Equal(t, 3, nLon)
	assert.Equal(t, 3, nLat)
	assert.Equal(t, 9, g.Count())

	pts := collect(g)
	require.Len(t, pts, 9)

	// Longitude-major: latitude varies fastest.
	want := [][2]float64{
		{0, 0}, {0, 0.0001}, {0, 0.0002},
		{0.0001, 0}, {0.0001, 0.0001}, {0.0001, 0.0002},
		{0.0002, 0}, {0.0002, 0.0001}, {0.0002, 0.0002},
	}
	for i, w := range want {
		assert.InDelta(t, w[0], pts[i].Lon, 1e-12, "lon at %d", i)
		assert.InDelta(t, w[1], pts[i].Lat, 1e-12, "lat at %d", i)
	}
}

func TestNew_EndpointOffStepBoundary(t *testing.T) {
	g, err := New(Bounds{MinLon: 0, MaxLon: 1, MinLat: 0, MaxLat: 0}, 0.3)
	require.NoError(t, err)

	pts := collect(g)
	require.Len(t, pts, 4)
	for _, p := range pts {
		assert.LessOrEqual(t, p.Lon, 1.0)
	}
	assert.InDelta(t, 0.9, pts[3].Lon, 1e-12)
}

func TestNew_DegenerateBox(t *testing.T) {
	g, err := New(Bounds{MinLon: 10, MaxLon: 10, MinLat: 20, MaxLat: 20}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Count())
	assert.Equal(t, []Point{{Lon: 10, Lat: 20}}, collect(g))
}

func TestNew_CountMatchesEnumerationOverLargeBox(t *testing.T) {
	b := Bounds{
		MinLon: 120.80012536879065,
		MaxLon: 122.27874755895266,
		MinLat: 30.54553222673087,
		MaxLat: 31.945383160404504,
	}
	g, err := New(b, 0.005)
	require.NoError(t, err)

	n := 0
	var last Point
	for i, p := range g.All() {
		assert.Equal(t, n, i)
		n++
		last = p
	}
	assert.Equal(t, g.Count(), n)
	assert.Equal(t, 296*280, n)
	assert.LessOrEqual(t, last.Lon, b.MaxLon)
	assert.LessOrEqual(t, last.Lat, b.MaxLat)
}

func TestNew_Invalid(t *testing.T) {
	valid := Bounds{MinLon: 0, MaxLon: 1, MinLat: 0, MaxLat: 1}

	tests := []struct {
		name   string
		bounds Bounds
		step   float64
	}{
		{"zero step", valid, 0},
		{"negative step", valid, -0.1},
		{"nan step", valid, math.NaN()},
		{"inf step", valid, math.Inf(1)},
		{"inverted lon", Bounds{MinLon: 1, MaxLon: 0, MinLat: 0, MaxLat: 1}, 0.1},
		{"inverted lat", Bounds{MinLon: 0, MaxLon: 1, MinLat: 1, MaxLat: 0}, 0.1},
		{"nan bound", Bounds{MinLon: math.NaN(), MaxLon: 1, MinLat: 0, MaxLat: 1}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.bounds, tt.step)
			assert.Error(t, err)
		})
	}
}

func TestAll_RestartsAndStopsEarly(t *testing.T) {
	g, err := New(Bounds{MinLon: 0, MaxLon: 1, MinLat: 0, MaxLat: 1}, 0.25)
	require.NoError(t, err)

	seen := 0
	for i := range g.All() {
		if i == 3 {
			break
		}
		seen++
	}
	assert.Equal(t, 3, seen)

	// A second pass starts over from index zero.
	for i, p := range g.All() {
		assert.Equal(t, 0, i)
		assert.Equal(t, Point{Lon: 0, Lat: 0}, p)
		break
	}
}

func TestPoint_MatchesEnumeration(t *testing.T) {
	g, err := New(Bounds{MinLon: -1, MaxLon: 1, MinLat: 5, MaxLat: 6}, 0.1)
	require.NoError(t, err)

	for i, p := range g.All() {
		assert.Equal(t, p, g.Point(i))
	}
}

func TestWindow(t *testing.T) {
	g, err := New(Bounds{MinLon: 0, MaxLon: 1, MinLat: 0, MaxLat: 1}, 0.5)
	require.NoError(t, err)

	w := g.Window(Point{Lon: 0.5, Lat: 0.5})
	assert.Equal(t, Bounds{MinLon: 0, MaxLon: 1, MinLat: 0, MaxLat: 1}, w)
	assert.Equal(t, "0,0,1,1", w.String())
}

func TestTiles(t *testing.T) {
	tiles, err := Tiles(Bounds{MinLon: 0, MaxLon: 0.1, MinLat: 0, MaxLat: 0.1}, 0.05)
	require.NoError(t, err)
	require.Len(t, tiles, 4)

	assert.Equal(t, 1, tiles[0].ID)
	assert.InDelta(t, 0.0, tiles[1].Bounds.MinLon, 1e-12)
	assert.InDelta(t, 0.05, tiles[1].Bounds.MinLat, 1e-12)
	assert.InDelta(t, 0.05, tiles[2].Bounds.MinLon, 1e-12)
	assert.Equal(t, 4, tiles[3].ID)
}

func TestTiles_ClipsLastTile(t *testing.T) {
	tiles, err := Tiles(Bounds{MinLon: 0, MaxLon: 0.12, MinLat: 0, MaxLat: 0.04}, 0.05)
	require.NoError(t, err)
	require.Len(t, tiles, 3)

	last := tiles[2]
	assert.InDelta(t, 0.10, last.Bounds.MinLon, 1e-12)
	assert.InDelta(t, 0.12, last.Bounds.MaxLon, 1e-12)
	assert.InDelta(t, 0.04, last.Bounds.MaxLat, 1e-12)
	assert.Equal(t, "tile_3_lon0.100-0.120_lat0.000-0.040", last.Name())
}

func TestTiles_InvalidSize(t *testing.T) {
	_, err := Tiles(Bounds{MaxLon: 1, MaxLat: 1}, 0)
	assert.Error(t, err)
}

func TestAxisCount_AbsorbsDivisionError(t *testing.T) {
	assert.Equal(t, 4, AxisCount(0, 0.3, 0.1))
	assert.Equal(t, 8, AxisCount(0, 0.7, 0.1))
	assert.Equal(t, 3, AxisCount(0, 0.0002, 0.0001))
}
