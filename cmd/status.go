package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/gridcrawl/internal/appendlog"
	"github.com/sells-group/gridcrawl/internal/config"
	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/resilience"
	"github.com/sells-group/gridcrawl/internal/sink"
	"github.com/sells-group/gridcrawl/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crawl progress",
	Long:  "Prints the checkpoint, grid size, seen identifiers, stored features and failed points of the output directory.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("format", "text", "output format: text, yaml or json")
	statusCmd.Flags().Bool("tiles", false, "report every tile sub-directory")
	statusCmd.Flags().Float64("step", 0, "grid spacing in degrees")
	statusCmd.Flags().String("state", "", "state backend: file, sqlite, postgres or memory")
	rootCmd.AddCommand(statusCmd)
}

// crawlStatus is the progress of one output directory.
type crawlStatus struct {
	Name         string  `json:"name,omitempty" yaml:"name,omitempty"`
	OutputDir    string  `json:"output_dir" yaml:"output_dir"`
	Checkpoint   int     `json:"checkpoint" yaml:"checkpoint"`
	Total        int     `json:"total" yaml:"total"`
	Percent      float64 `json:"percent" yaml:"percent"`
	Complete     bool    `json:"complete" yaml:"complete"`
	SeenIDs      int     `json:"seen_ids" yaml:"seen_ids"`
	Features     int     `json:"features" yaml:"features"`
	FailedPoints int     `json:"failed_points" yaml:"failed_points"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("step") {
		cfg.Grid.Step, _ = cmd.Flags().GetFloat64("step")
	}
	if cmd.Flags().Changed("state") {
		cfg.State.Driver, _ = cmd.Flags().GetString("state")
	}
	if err := cfg.Validate("status"); err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	perTile, _ := cmd.Flags().GetBool("tiles")

	targets := []crawlTarget{{dir: cfg.Crawl.OutputDir, bounds: cfg.Grid.Bounds()}}
	if perTile {
		tiles, err := grid.Tiles(cfg.Grid.Bounds(), cfg.Grid.TileSize)
		if err != nil {
			return err
		}
		targets = targets[:0]
		for _, t := range tiles {
			targets = append(targets, tileTarget(cfg, t))
		}
	}

	statuses := make([]crawlStatus, 0, len(targets))
	for _, t := range targets {
		st, err := collectStatus(cmd.Context(), cfg, t)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	return writeStatus(cmd.OutOrStdout(), format, statuses)
}

// collectStatus reports the progress recorded under t. It only reads, so it
// never creates t.dir or disturbs a crawl writing to it.
func collectStatus(ctx context.Context, c *config.Config, t crawlTarget) (crawlStatus, error) {
	g, err := grid.New(t.bounds, c.Grid.Step)
	if err != nil {
		return crawlStatus{}, err
	}

	snap, err := store.Inspect(ctx, stateConfig(c, t))
	if err != nil {
		return crawlStatus{}, eris.Wrap(err, "status: read state")
	}
	features, err := appendlog.Count(filepath.Join(t.dir, sink.FeaturesFile))
	if err != nil {
		return crawlStatus{}, eris.Wrap(err, "status: count features")
	}
	failed, err := appendlog.Count(filepath.Join(t.dir, resilience.DeadLettersFile))
	if err != nil {
		return crawlStatus{}, eris.Wrap(err, "status: count failed points")
	}

	total := g.Count()
	done := min(snap.Checkpoint, total)
	return crawlStatus{
		Name:         t.name,
		OutputDir:    t.dir,
		Checkpoint:   snap.Checkpoint,
		Total:        total,
		Percent:      float64(done) * 100 / float64(total),
		Complete:     snap.Checkpoint >= total,
		SeenIDs:      snap.SeenIDs,
		Features:     features,
		FailedPoints: failed,
	}, nil
}

func writeStatus(w io.Writer, format string, statuses []crawlStatus) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(statuses) == 1 {
			return enc.Encode(statuses[0])
		}
		return enc.Encode(statuses)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		if len(statuses) == 1 {
			return enc.Encode(statuses[0])
		}
		return enc.Encode(statuses)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DIR\tCHECKPOINT\tTOTAL\tPERCENT\tSEEN IDS\tFEATURES\tFAILED")
		for _, s := range statuses {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f%%\t%d\t%d\t%d\n",
				s.OutputDir, s.Checkpoint, s.Total, s.Percent, s.SeenIDs, s.Features, s.FailedPoints)
		}
		return tw.Flush()
	}
	return eris.Errorf("status: unknown format %q", format)
}
