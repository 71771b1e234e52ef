package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gridcrawl",
	Short: "Resumable grid crawler for ArcGIS identify services",
	Long: "Samples a bounding box on a regular grid, queries an ArcGIS identify endpoint at every point, " +
		"and stores each returned polygon once per identifier. Interrupted runs resume from the last checkpoint.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if cmd.Flags().Changed("output-dir") {
			cfg.Crawl.OutputDir, _ = cmd.Flags().GetString("output-dir")
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("output-dir", "o", "", "crawl output directory (default from crawl.output_dir)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
