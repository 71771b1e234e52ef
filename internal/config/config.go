package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/gridcrawl/internal/grid"
)

// Config holds the full application configuration.
type Config struct {
	Identify IdentifyConfig `yaml:"identify" mapstructure:"identify"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Grid     GridConfig     `yaml:"grid" mapstructure:"grid"`
	Crawl    CrawlConfig    `yaml:"crawl" mapstructure:"crawl"`
	Extract  ExtractConfig  `yaml:"extract" mapstructure:"extract"`
	State    StateConfig    `yaml:"state" mapstructure:"state"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// IdentifyConfig configures the remote identify endpoint.
type IdentifyConfig struct {
	URL                string `yaml:"url" mapstructure:"url"`
	SpatialReference   int    `yaml:"spatial_reference" mapstructure:"spatial_reference"`
	Layers             string `yaml:"layers" mapstructure:"layers"`
	Tolerance          int    `yaml:"tolerance" mapstructure:"tolerance"`
	ImageDisplay       string `yaml:"image_display" mapstructure:"image_display"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent          string `yaml:"user_agent" mapstructure:"user_agent"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// Timeout returns the per-request timeout.
func (c IdentifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryConfig configures per-point request retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms" mapstructure:"backoff_ms"`
}

// GridConfig is the sampled bounding box and spacing, in degrees.
type GridConfig struct {
	MinLon   float64 `yaml:"min_lon" mapstructure:"min_lon"`
	MaxLon   float64 `yaml:"max_lon" mapstructure:"max_lon"`
	MinLat   float64 `yaml:"min_lat" mapstructure:"min_lat"`
	MaxLat   float64 `yaml:"max_lat" mapstructure:"max_lat"`
	Step     float64 `yaml:"step" mapstructure:"step"`
	TileSize float64 `yaml:"tile_size" mapstructure:"tile_size"`
}

// Bounds returns the configured box.
func (g GridConfig) Bounds() grid.Bounds {
	return grid.Bounds{MinLon: g.MinLon, MaxLon: g.MaxLon, MinLat: g.MinLat, MaxLat: g.MaxLat}
}

// CrawlConfig configures the sampling loop.
type CrawlConfig struct {
	DelayMs    int    `yaml:"delay_ms" mapstructure:"delay_ms"`
	SaveEvery  int    `yaml:"save_every" mapstructure:"save_every"`
	ReportSecs int    `yaml:"report_secs" mapstructure:"report_secs"`
	OutputDir  string `yaml:"output_dir" mapstructure:"output_dir"`
}

// ExtractConfig selects the identifier and category attributes.
type ExtractConfig struct {
	IDFields      []string `yaml:"id_fields" mapstructure:"id_fields"`
	CategoryField string   `yaml:"category_field" mapstructure:"category_field"`
}

// StateConfig selects the checkpoint and dedup backend.
type StateConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// ExportConfig configures conversion of the feature store.
type ExportConfig struct {
	// Format is a comma-separated list of shp, geojson and postgis.
	Format      string `yaml:"format" mapstructure:"format"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
	Mode        string `yaml:"mode" mapstructure:"mode"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// Formats splits Format into its lower-cased, de-duplicated entries.
func (e ExportConfig) Formats() []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range strings.Split(e.Format, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRIDCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("identify.url", "")
	v.SetDefault("identify.spatial_reference", 4326)
	v.SetDefault("identify.layers", "all")
	v.SetDefault("identify.tolerance", 1)
	v.SetDefault("identify.image_display", "651,852,96")
	v.SetDefault("identify.timeout_secs", 30)
	v.SetDefault("identify.user_agent", "gridcrawl/1.0")
	v.SetDefault("identify.insecure_skip_verify", false)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_ms", 1500)
	v.SetDefault("grid.min_lon", 0.0)
	v.SetDefault("grid.max_lon", 0.0)
	v.SetDefault("grid.min_lat", 0.0)
	v.SetDefault("grid.max_lat", 0.0)
	v.SetDefault("grid.step", 0.0001)
	v.SetDefault("grid.tile_size", 0.05)
	v.SetDefault("crawl.delay_ms", 100)
	v.SetDefault("crawl.save_every", 500)
	v.SetDefault("crawl.report_secs", 5)
	v.SetDefault("crawl.output_dir", "./shp")
	v.SetDefault("extract.id_fields", []string{"OBJECTID", "ObjectID", "objectid"})
	v.SetDefault("extract.category_field", "PLANLAND_1")
	v.SetDefault("state.driver", "file")
	v.SetDefault("state.dsn", "")
	v.SetDefault("export.format", "shp")
	v.SetDefault("export.encoding", "utf-8")
	v.SetDefault("export.database_url", "")
	v.SetDefault("export.table", "land_use")
	v.SetDefault("export.mode", "upsert")
	v.SetDefault("export.batch_size", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "crawl",
// "tiles", "retry", "status" or "export".
func (c *Config) Validate(mode string) error {
	var errs []string

	needIdentify := func() {
		if c.Identify.URL == "" {
			errs = append(errs, "identify.url is required")
		}
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, "retry.max_attempts must be at least 1")
		}
		if c.Retry.BackoffMs < 0 {
			errs = append(errs, "retry.backoff_ms must not be negative")
		}
		if c.Crawl.DelayMs < 0 {
			errs = append(errs, "crawl.delay_ms must not be negative")
		}
		if c.Crawl.SaveEvery < 1 {
			errs = append(errs, "crawl.save_every must be at least 1")
		}
	}
	needGrid := func() {
		if err := c.Grid.Bounds().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if c.Grid.Step <= 0 {
			errs = append(errs, "grid.step must be positive")
		}
	}
	needState := func() {
		switch c.State.Driver {
		case "file", "sqlite", "memory":
		case "postgres":
			if c.State.DSN == "" {
				errs = append(errs, "state.dsn is required for the postgres driver")
			}
		default:
			errs = append(errs, "state.driver must be file, sqlite, postgres or memory")
		}
	}
	needOutput := func() {
		if c.Crawl.OutputDir == "" {
			errs = append(errs, "crawl.output_dir is required")
		}
	}

	switch mode {
	case "crawl":
		needIdentify()
		needGrid()
		needState()
		needOutput()
	case "tiles":
		needIdentify()
		needGrid()
		needState()
		needOutput()
		if c.Grid.TileSize <= 0 {
			errs = append(errs, "grid.tile_size must be positive")
		}
	case "retry":
		needIdentify()
		needGrid()
		needState()
		needOutput()
	case "status":
		needGrid()
		needState()
		needOutput()
	case "export":
		needOutput()
		formats := c.Export.Formats()
		if len(formats) == 0 {
			errs = append(errs, "export.format is required")
		}
		for _, f := range formats {
			switch f {
			case "shp", "geojson":
			case "postgis":
				if c.Export.DatabaseURL == "" {
					errs = append(errs, "export.database_url is required for postgis")
				}
				if c.Export.Mode != "upsert" && c.Export.Mode != "append" {
					errs = append(errs, "export.mode must be upsert or append")
				}
			default:
				errs = append(errs, "export.format "+f+" is not one of shp, geojson or postgis")
			}
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
