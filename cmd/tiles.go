package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/config"
	"github.com/sells-group/gridcrawl/internal/crawl"
	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/store"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Crawl the bounding box tile by tile",
	Long: "Splits the bounding box into tiles and crawls each one into its own sub-directory of the output " +
		"directory. Each tile keeps its own checkpoint; completed tiles are skipped.",
	RunE: runTiles,
}

func init() {
	addCrawlFlags(tilesCmd)
	tilesCmd.Flags().Float64("tile-size", 0, "tile edge in degrees (default from grid.tile_size)")
	tilesCmd.Flags().String("export", "", "export formats to write into each tile when it completes (shp,geojson,postgis)")
	rootCmd.AddCommand(tilesCmd)
}

func runTiles(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyCrawlFlags(cmd, cfg)
	if cmd.Flags().Changed("tile-size") {
		cfg.Grid.TileSize, _ = cmd.Flags().GetFloat64("tile-size")
	}
	if err := cfg.Validate("tiles"); err != nil {
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

	_, err = crawlTiles(ctx, cfg, client, finalize, cmd.OutOrStdout())
	return err
}

// tilesSummary totals a tiled crawl.
type tilesSummary struct {
	Tiles    int
	Skipped  int
	Crawled  int
	Accepted int
	Failed   int
}

// crawlTiles crawls every tile of the configured box in order. A tile whose
// checkpoint already covers its grid is skipped without touching the service.
func crawlTiles(ctx context.Context, c *config.Config, fetch crawl.Fetcher, finalize func(dir string) crawl.Finalizer, w io.Writer) (tilesSummary, error) {
	log := zap.L().With(zap.String("component", "tiles"))

	tiles, err := grid.Tiles(c.Grid.Bounds(), c.Grid.TileSize)
	if err != nil {
		return tilesSummary{}, err
	}

	sum := tilesSummary{Tiles: len(tiles)}
	log.Info("tiled crawl starting",
		zap.Int("tiles", len(tiles)),
		zap.Float64("tile_size", c.Grid.TileSize),
		zap.String("output_dir", c.Crawl.OutputDir),
	)

	for _, t := range tiles {
		target := tileTarget(c, t)

		done, err := tileComplete(ctx, c, target)
		if err != nil {
			return sum, eris.Wrapf(err, "tiles: check %s", t.Name())
		}
		if done {
			sum.Skipped++
			log.Info("tile already complete, skipping", zap.String("tile", t.Name()))
			continue
		}

		res, err := crawlOne(ctx, c, fetch, target, finalize)
		if res != nil {
			printResult(w, t.Name(), res)
			sum.Accepted += res.Accepted
			sum.Failed += res.FailedPoints
		}
		if err != nil {
			return sum, eris.Wrapf(err, "tiles: crawl %s", t.Name())
		}
		sum.Crawled++
	}

	fmt.Fprintf(w, "%d tiles: %d crawled, %d already complete, %d features accepted, %d failed points\n",
		sum.Tiles, sum.Crawled, sum.Skipped, sum.Accepted, sum.Failed)
	return sum, nil
}

func tileTarget(c *config.Config, t grid.Tile) crawlTarget {
	return crawlTarget{
		name:   t.Name(),
		dir:    filepath.Join(c.Crawl.OutputDir, t.Name()),
		bounds: t.Bounds,
	}
}

// tileComplete reports whether the tile's checkpoint has reached its total.
func tileComplete(ctx context.Context, c *config.Config, t crawlTarget) (bool, error) {
	g, err := grid.New(t.bounds, c.Grid.Step)
	if err != nil {
		return false, err
	}
	snap, err := store.Inspect(ctx, stateConfig(c, t))
	if err != nil {
		return false, err
	}
	return snap.Checkpoint >= g.Count(), nil
}
