package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/gridcrawl/internal/config"
	"github.com/sells-group/gridcrawl/internal/crawl"
	"github.com/sells-group/gridcrawl/internal/db"
	"github.com/sells-group/gridcrawl/internal/export"
	"github.com/sells-group/gridcrawl/internal/sink"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Convert the feature store to Shapefile, GeoJSON or PostGIS",
	Long: "Reads features.jsonl from the output directory and writes output.shp, output.geojson " +
		"or a PostGIS table. Several formats may be given as a comma-separated list.",
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.String("format", "", "comma-separated formats: shp, geojson, postgis (default from export.format)")
	f.String("input", "", "feature store to read (default <output-dir>/features.jsonl)")
	f.String("encoding", "", "DBF text encoding: utf-8, gbk or gb18030")
	f.String("database-url", "", "PostGIS connection string")
	f.String("table", "", "PostGIS table, optionally schema-qualified")
	f.String("mode", "", "PostGIS load mode: upsert or append")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := cmd.Flags()
	for flag, dst := range map[string]*string{
		"format":       &cfg.Export.Format,
		"encoding":     &cfg.Export.Encoding,
		"database-url": &cfg.Export.DatabaseURL,
		"table":        &cfg.Export.Table,
		"mode":         &cfg.Export.Mode,
	} {
		if f.Changed(flag) {
			*dst, _ = f.GetString(flag)
		}
	}
	if err := cfg.Validate("export"); err != nil {
		return err
	}

	src, _ := f.GetString("input")
	if src == "" {
		src = filepath.Join(cfg.Crawl.OutputDir, sink.FeaturesFile)
	}
	return exportFeatures(ctx, cfg.Export, cfg.Extract.CategoryField, src, cfg.Crawl.OutputDir, cmd.OutOrStdout())
}

// exportFinalizer exports dir's feature store once its crawl completes.
func exportFinalizer(ec config.ExportConfig, categoryField, dir string) crawl.Finalizer {
	return func(ctx context.Context, _ *crawl.Result) error {
		return exportFeatures(ctx, ec, categoryField, filepath.Join(dir, sink.FeaturesFile), dir, io.Discard)
	}
}

// exportFeatures writes src in every configured format. Formats run
// concurrently; each only reads src.
func exportFeatures(ctx context.Context, ec config.ExportConfig, categoryField, src, dir string, w io.Writer) error {
	log := zap.L().With(zap.String("component", "export"), zap.String("source", src))

	var mu sync.Mutex
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, format := range ec.Formats() {
		switch format {
		case "shp":
			g.Go(func() error {
				out := filepath.Join(dir, export.ShapefileName)
				n, err := export.ToShapefile(src, out, export.ShapefileOptions{Encoding: ec.Encoding})
				if err != nil {
					return err
				}
				report("shapefile: %d features -> %s\n", n, out)
				return nil
			})
		case "geojson":
			g.Go(func() error {
				out := filepath.Join(dir, export.GeoJSONName)
				n, err := export.ToGeoJSON(src, out)
				if err != nil {
					return err
				}
				report("geojson: %d features -> %s\n", n, out)
				return nil
			})
		case "postgis":
			g.Go(func() error {
				pool, err := db.Connect(gctx, ec.DatabaseURL, nil)
				if err != nil {
					return err
				}
				defer pool.Close()

				n, err := export.ToPostGIS(gctx, pool, src, export.PostGISOptions{
					Table:         ec.Table,
					CategoryField: categoryField,
					Mode:          ec.Mode,
					BatchSize:     ec.BatchSize,
				})
				if err != nil {
					return err
				}
				report("postgis: %d rows -> %s\n", n, ec.Table)
				return nil
			})
		default:
			log.Warn("skipping unknown export format", zap.String("format", format))
		}
	}
	return g.Wait()
}
