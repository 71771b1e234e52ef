package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func validConfig() *Config {
	return &Config{
		Identify: IdentifyConfig{URL: "https://example.com/MapServer/identify"},
		Retry:    RetryConfig{MaxAttempts: 3, BackoffMs: 1500},
		Grid:     GridConfig{MinLon: 121, MaxLon: 121.1, MinLat: 31, MaxLat: 31.1, Step: 0.0001, TileSize: 0.05},
		Crawl:    CrawlConfig{DelayMs: 100, SaveEvery: 500, ReportSecs: 5, OutputDir: "./shp"},
		State:    StateConfig{Driver: "file"},
		Export:   ExportConfig{Format: "shp", Mode: "upsert"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Identify.URL)
	assert.Equal(t, 4326, cfg.Identify.SpatialReference)
	assert.Equal(t, "all", cfg.Identify.Layers)
	assert.Equal(t, 1, cfg.Identify.Tolerance)
	assert.Equal(t, "651,852,96", cfg.Identify.ImageDisplay)
	assert.Equal(t, 30*time.Second, cfg.Identify.Timeout())
	assert.Equal(t, "gridcrawl/1.0", cfg.Identify.UserAgent)
	assert.False(t, cfg.Identify.InsecureSkipVerify)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500, cfg.Retry.BackoffMs)
	assert.InDelta(t, 0.0001, cfg.Grid.Step, 1e-12)
	assert.InDelta(t, 0.05, cfg.Grid.TileSize, 1e-12)
	assert.Equal(t, 100, cfg.Crawl.DelayMs)
	assert.Equal(t, 500, cfg.Crawl.SaveEvery)
	assert.Equal(t, 5, cfg.Crawl.ReportSecs)
	assert.Equal(t, "./shp", cfg.Crawl.OutputDir)
	assert.Equal(t, []string{"OBJECTID", "ObjectID", "objectid"}, cfg.Extract.IDFields)
	assert.Equal(t, "PLANLAND_1", cfg.Extract.CategoryField)
	assert.Equal(t, "file", cfg.State.Driver)
	assert.Equal(t, "shp", cfg.Export.Format)
	assert.Equal(t, "utf-8", cfg.Export.Encoding)
	assert.Equal(t, "land_use", cfg.Export.Table)
	assert.Equal(t, "upsert", cfg.Export.Mode)
	assert.Equal(t, 5000, cfg.Export.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
identify:
  url: https://gis.example.com/arcgis/rest/services/landuse/MapServer/identify
grid:
  min_lon: 121.40
  max_lon: 121.45
  min_lat: 31.20
  max_lat: 31.25
  step: 0.0005
state:
  driver: sqlite
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://gis.example.com/arcgis/rest/services/landuse/MapServer/identify", cfg.Identify.URL)
	assert.InDelta(t, 121.40, cfg.Grid.MinLon, 1e-12)
	assert.InDelta(t, 31.25, cfg.Grid.MaxLat, 1e-12)
	assert.InDelta(t, 0.0005, cfg.Grid.Step, 1e-12)
	assert.Equal(t, "sqlite", cfg.State.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.Crawl.SaveEvery)
	assert.NoError(t, cfg.Validate("crawl"))
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("grid: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("crawl:\n  delay_ms: 250\n"), 0o644))
	t.Setenv("GRIDCRAWL_CRAWL_DELAY_MS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Crawl.DelayMs)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GRIDCRAWL_STATE_DRIVER", "memory")
	t.Setenv("GRIDCRAWL_EXPORT_ENCODING", "gbk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.State.Driver)
	assert.Equal(t, "gbk", cfg.Export.Encoding)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("GRIDCRAWL_IDENTIFY_URL=http://localhost:8080/identify\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GRIDCRAWL_IDENTIFY_URL") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/identify", cfg.Identify.URL)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	assert.Error(t, err)
}

func TestValidate_ValidForEveryMode(t *testing.T) {
	cfg := validConfig()
	for _, mode := range []string{"crawl", "tiles", "retry", "status", "export"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	err := validConfig().Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validation mode")
}

func TestValidateCrawl_MissingURL(t *testing.T) {
	cfg := validConfig()
	cfg.Identify.URL = ""

	err := cfg.Validate("crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identify.url")

	// status and export never contact the service
	assert.NoError(t, cfg.Validate("status"))
	assert.NoError(t, cfg.Validate("export"))
}

func TestValidateCrawl_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted lon", func(c *Config) { c.Grid.MinLon, c.Grid.MaxLon = 2, 1 }, "min_lon"},
		{"inverted lat", func(c *Config) { c.Grid.MinLat, c.Grid.MaxLat = 2, 1 }, "min_lat"},
		{"zero step", func(c *Config) { c.Grid.Step = 0 }, "grid.step"},
		{"negative step", func(c *Config) { c.Grid.Step = -0.1 }, "grid.step"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"negative delay", func(c *Config) { c.Crawl.DelayMs = -1 }, "crawl.delay_ms"},
		{"zero save interval", func(c *Config) { c.Crawl.SaveEvery = 0 }, "crawl.save_every"},
		{"no output dir", func(c *Config) { c.Crawl.OutputDir = "" }, "crawl.output_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate("crawl")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTiles_TileSize(t *testing.T) {
	cfg := validConfig()
	cfg.Grid.TileSize = 0
	assert.NoError(t, cfg.Validate("crawl"))

	err := cfg.Validate("tiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grid.tile_size")
}

func TestValidateState(t *testing.T) {
	cfg := validConfig()
	cfg.State.Driver = "redis"
	err := cfg.Validate("crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.driver")

	cfg.State.Driver = "postgres"
	err = cfg.Validate("crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.dsn")

	cfg.State.DSN = "postgres://localhost/gridcrawl"
	assert.NoError(t, cfg.Validate("crawl"))
}

func TestValidateExport(t *testing.T) {
	cfg := validConfig()
	cfg.Export.Format = "kml"
	err := cfg.Validate("export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kml")

	cfg.Export.Format = "shp, postgis"
	err = cfg.Validate("export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export.database_url")

	cfg.Export.DatabaseURL = "postgres://localhost/gis"
	cfg.Export.Mode = "merge"
	err = cfg.Validate("export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export.mode")

	cfg.Export.Mode = "append"
	assert.NoError(t, cfg.Validate("export"))

	cfg.Export.Format = " , "
	assert.Error(t, cfg.Validate("export"))
}

func TestExportFormats(t *testing.T) {
	assert.Equal(t, []string{"shp", "geojson"}, ExportConfig{Format: "SHP, geojson,shp"}.Formats())
	assert.Nil(t, ExportConfig{}.Formats())
}
