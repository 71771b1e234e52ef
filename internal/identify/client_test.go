package identify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/resilience"
)

const sampleBody = `{
  "results": [
    {
      "layerId": 0,
      "layerName": "landuse",
      "attributes": {"OBJECTID": 42, "PLANLAND_1": "R1"},
      "geometry": {
        "rings": [[[0,0],[1,0],[1,1],[0,1],[0,0]]],
        "spatialReference": {"wkid": 4326}
      }
    }
  ]
}`

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		URL:   url,
		Retry: resilience.RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{URL: "ftp://example.com/identify"})
	assert.Error(t, err)

	c, err := NewClient(Options{URL: "https://example.com/arcgis/rest/services/x/MapServer/identify"})
	require.NoError(t, err)
	assert.Equal(t, 3, c.MaxAttempts())
	assert.Equal(t, "gridcrawl/1.0", c.opts.UserAgent)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
}

func TestQuery_Parameters(t *testing.T) {
	c := newTestClient(t, "http://example.com/identify")

	p := grid.Point{Lon: 121.5, Lat: 31.25}
	window := grid.Bounds{MinLon: 121.4999, MaxLon: 121.5001, MinLat: 31.2499, MaxLat: 31.2501}
	q, err := c.Query(p, window)
	require.NoError(t, err)

	assert.Equal(t, "4326", q.Get("sr"))
	assert.Equal(t, "all", q.Get("layers"))
	assert.Equal(t, "1", q.Get("tolerance"))
	assert.Equal(t, "true", q.Get("returnGeometry"))
	assert.Equal(t, "651,852,96", q.Get("imageDisplay"))
	assert.Equal(t, "121.4999,31.2499,121.5001,31.2501", q.Get("mapExtent"))
	assert.Equal(t, "esriGeometryPoint", q.Get("geometryType"))
	assert.Equal(t, "json", q.Get("f"))

	var g pointGeometry
	require.NoError(t, json.Unmarshal([]byte(q.Get("geometry")), &g))
	assert.Equal(t, 121.5, g.X)
	assert.Equal(t, 31.25, g.Y)
	assert.Equal(t, 4326, g.SpatialReference.WKID)
}

func TestIdentify_Success(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		assert.Equal(t, "esriGeometryPoint", r.URL.Query().Get("geometryType"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Identify(context.Background(), grid.Point{Lon: 0.5, Lat: 0.5}, grid.Bounds{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	assert.Equal(t, "gridcrawl/1.0", gotUA)
	assert.Equal(t, json.Number("42"), r.Attributes["OBJECTID"])
	assert.Equal(t, "R1", r.Attributes["PLANLAND_1"])
	assert.True(t, r.Geometry.HasRings())
	assert.Equal(t, 4326, r.Geometry.SpatialReference.WKID)
}

func TestIdentify_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Identify(context.Background(), grid.Point{}, grid.Bounds{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestIdentify_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Identify(context.Background(), grid.Point{}, grid.Bounds{})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdentify_FailureModesExhaustAttempts(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"client error", http.StatusBadRequest, "bad request"},
		{"invalid json", http.StatusOK, "<html>maintenance</html>"},
		{"service error payload", http.StatusOK, `{"error":{"code":500,"message":"Unable to complete operation.","details":[]}}`},
		{"missing results", http.StatusOK, `{"foo": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			resp, err := c.Identify(context.Background(), grid.Point{}, grid.Bounds{})
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, int32(3), calls.Load())
			assert.True(t, resilience.IsTransient(err))
		})
	}
}

func TestIdentify_StatusRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Identify(context.Background(), grid.Point{}, grid.Bounds{})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resilience.StatusCode(err))
}

func TestIdentify_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.Identify(context.Background(), grid.Point{}, grid.Bounds{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestIdentify_ContextCanceledStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(Options{
		URL:   srv.URL,
		Retry: resilience.RetryConfig{MaxAttempts: 3, Backoff: 5 * time.Second},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Identify(ctx, grid.Point{}, grid.Bounds{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDecode_KeepsNumberText(t *testing.T) {
	resp, err := decode(strings.NewReader(`{"results":[{"attributes":{"OBJECTID":12345678901234567890,"AREA":1.50}}]}`))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, json.Number("12345678901234567890"), resp.Results[0].Attributes["OBJECTID"])
	assert.Equal(t, json.Number("1.50"), resp.Results[0].Attributes["AREA"])
	assert.False(t, resp.Results[0].Geometry.HasRings())
}
