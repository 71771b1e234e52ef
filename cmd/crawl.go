package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gridcrawl/internal/config"
	"github.com/sells-group/gridcrawl/internal/crawl"
	"github.com/sells-group/gridcrawl/internal/feature"
	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/identify"
	"github.com/sells-group/gridcrawl/internal/resilience"
	"github.com/sells-group/gridcrawl/internal/sink"
	"github.com/sells-group/gridcrawl/internal/store"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the configured bounding box",
	Long: "Queries the identify service at every grid point from the saved checkpoint onward, " +
		"appending new polygons to features.jsonl in the output directory.",
	RunE: runCrawl,
}

func init() {
	addCrawlFlags(crawlCmd)
	crawlCmd.Flags().String("export", "", "export formats to write when the crawl completes (shp,geojson,postgis)")
	rootCmd.AddCommand(crawlCmd)
}

// addCrawlFlags registers the flags shared by every command that queries the
// service. Flags override config values only when set.
func addCrawlFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("url", "", "identify endpoint URL")
	f.Float64("min-lon", 0, "western edge in degrees")
	f.Float64("max-lon", 0, "eastern edge in degrees")
	f.Float64("min-lat", 0, "southern edge in degrees")
	f.Float64("max-lat", 0, "northern edge in degrees")
	f.Float64("step", 0, "grid spacing in degrees")
	f.Duration("delay", 0, "pause after every request")
	f.Int("save-every", 0, "checkpoint interval in points")
	f.Int("max-attempts", 0, "attempts per point before it is dead-lettered")
	f.String("state", "", "state backend: file, sqlite, postgres or memory")
}

func applyCrawlFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("url") {
		c.Identify.URL, _ = f.GetString("url")
	}
	if f.Changed("min-lon") {
		c.Grid.MinLon, _ = f.GetFloat64("min-lon")
	}
	if f.Changed("max-lon") {
		c.Grid.MaxLon, _ = f.GetFloat64("max-lon")
	}
	if f.Changed("min-lat") {
		c.Grid.MinLat, _ = f.GetFloat64("min-lat")
	}
	if f.Changed("max-lat") {
		c.Grid.MaxLat, _ = f.GetFloat64("max-lat")
	}
	if f.Changed("step") {
		c.Grid.Step, _ = f.GetFloat64("step")
	}
	if f.Changed("delay") {
		d, _ := f.GetDuration("delay")
		c.Crawl.DelayMs = int(d / time.Millisecond)
	}
	if f.Changed("save-every") {
		c.Crawl.SaveEvery, _ = f.GetInt("save-every")
	}
	if f.Changed("max-attempts") {
		c.Retry.MaxAttempts, _ = f.GetInt("max-attempts")
	}
	if f.Changed("state") {
		c.State.Driver, _ = f.GetString("state")
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyCrawlFlags(cmd, cfg)
	if err := cfg.Validate("crawl"); err != nil {
		return err
	}

	finalize, err := finalizerFromFlag(cmd, cfg)
	if err != nil {
		return err
	}

	client, err := newIdentifyClient(cfg)
	if err != nil {
		return err
	}

	target := crawlTarget{dir: cfg.Crawl.OutputDir, bounds: cfg.Grid.Bounds()}
	res, err := crawlOne(ctx, cfg, client, target, finalize)
	if res != nil {
		printResult(cmd.OutOrStdout(), "", res)
	}
	return err
}

// finalizerFromFlag returns an export finalizer when --export is set.
func finalizerFromFlag(cmd *cobra.Command, c *config.Config) (func(dir string) crawl.Finalizer, error) {
	formats, _ := cmd.Flags().GetString("export")
	if formats == "" {
		return nil, nil
	}
	c.Export.Format = formats
	if err := c.Validate("export"); err != nil {
		return nil, err
	}
	return func(dir string) crawl.Finalizer {
		return exportFinalizer(c.Export, c.Extract.CategoryField, dir)
	}, nil
}

func newIdentifyClient(c *config.Config) (*identify.Client, error) {
	return identify.NewClient(identify.Options{
		URL:                c.Identify.URL,
		SpatialReference:   c.Identify.SpatialReference,
		Layers:             c.Identify.Layers,
		Tolerance:          c.Identify.Tolerance,
		ImageDisplay:       c.Identify.ImageDisplay,
		UserAgent:          c.Identify.UserAgent,
		Timeout:            c.Identify.Timeout(),
		InsecureSkipVerify: c.Identify.InsecureSkipVerify,
		Retry:              resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.BackoffMs),
	})
}

// crawlTarget is one output directory crawled over one bounding box. name is
// empty for a plain crawl and the tile name for tiled crawls.
type crawlTarget struct {
	name   string
	dir    string
	bounds grid.Bounds
}

// session holds the open stores of one crawl directory.
type session struct {
	grid    *grid.Grid
	state   store.State
	sink    *sink.JSONL
	dlq     *resilience.DLQ
	crawler *crawl.Crawler
}

// openSession opens the state, feature store and (when withDLQ is set) the
// dead-letter file under t.dir and builds a crawler over them.
func openSession(ctx context.Context, c *config.Config, fetch crawl.Fetcher, t crawlTarget, withDLQ bool, finalize crawl.Finalizer) (*session, error) {
	g, err := grid.New(t.bounds, c.Grid.Step)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "crawl: create output dir %s", t.dir)
	}

	s := &session{grid: g}
	s.state, err = openState(ctx, c, t)
	if err != nil {
		return nil, err
	}
	s.sink, err = sink.Open(filepath.Join(t.dir, sink.FeaturesFile))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var dlq crawl.DeadLetters
	if withDLQ {
		s.dlq, err = resilience.OpenDLQ(filepath.Join(t.dir, resilience.DeadLettersFile))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		dlq = s.dlq
	}

	s.crawler = crawl.New(g, fetch,
		feature.NewExtractor(c.Extract.IDFields, c.Extract.CategoryField),
		s.state, s.sink, dlq,
		crawl.Options{
			Delay:       time.Duration(c.Crawl.DelayMs) * time.Millisecond,
			SaveEvery:   c.Crawl.SaveEvery,
			ReportEvery: time.Duration(c.Crawl.ReportSecs) * time.Second,
			Name:        t.name,
			Finalize:    finalize,
		})
	return s, nil
}

func openState(ctx context.Context, c *config.Config, t crawlTarget) (store.State, error) {
	return store.Open(ctx, stateConfig(c, t))
}

// stateConfig keys the state of t by its tile name, or by its directory for a
// plain crawl.
func stateConfig(c *config.Config, t crawlTarget) store.Config {
	ns := t.name
	if ns == "" {
		ns = t.dir
	}
	return store.Config{
		Driver:    c.State.Driver,
		DSN:       c.State.DSN,
		Dir:       t.dir,
		Namespace: ns,
	}
}

// Close closes everything the session opened.
func (s *session) Close() error {
	var errs []error
	if s.dlq != nil {
		errs = append(errs, s.dlq.Close())
	}
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	if s.state != nil {
		errs = append(errs, s.state.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return eris.Wrap(err, "crawl: close session")
	}
	return nil
}

// crawlOne runs a full crawl of t. finalize may be nil.
func crawlOne(ctx context.Context, c *config.Config, fetch crawl.Fetcher, t crawlTarget, finalize func(dir string) crawl.Finalizer) (*crawl.Result, error) {
	var fin crawl.Finalizer
	if finalize != nil {
		fin = finalize(t.dir)
	}
	s, err := openSession(ctx, c, fetch, t, true, fin)
	if err != nil {
		return nil, err
	}

	res, err := s.crawler.Run(ctx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return res, err
}

func printResult(w io.Writer, name string, res *crawl.Result) {
	if name != "" {
		fmt.Fprintf(w, "%s: ", name)
	}
	fmt.Fprintf(w, "%d/%d points processed (from %d), %d features accepted, %d duplicates, %d without id, %d failed points, %d invalid geometries in %s\n",
		res.Start+res.Processed, res.Total, res.Start,
		res.Accepted, res.Duplicates, res.EmptyIDs, res.FailedPoints, res.DroppedResults,
		res.Elapsed.Round(time.Millisecond))
}
