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
	"github.com/sells-group/gridcrawl/internal/resilience"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-query dead-lettered points",
	Long: "Re-queries every point recorded in failed_points.jsonl. Recovered points go through the normal " +
		"dedup and feature store path; points that still fail stay in the file.",
	RunE: runRetryFailed,
}

func init() {
	addCrawlFlags(retryFailedCmd)
	rootCmd.AddCommand(retryFailedCmd)
}

func runRetryFailed(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyCrawlFlags(cmd, cfg)
	if err := cfg.Validate("retry"); err != nil {
		return err
	}

	client, err := newIdentifyClient(cfg)
	if err != nil {
		return err
	}

	target := crawlTarget{dir: cfg.Crawl.OutputDir, bounds: cfg.Grid.Bounds()}
	_, err = retryFailed(ctx, cfg, client, target, cmd.OutOrStdout())
	return err
}

// retryFailed re-fetches the dead letters of t and rewrites the file with the
// entries that remain. It returns how many remain.
func retryFailed(ctx context.Context, c *config.Config, fetch crawl.Fetcher, t crawlTarget, w io.Writer) (int, error) {
	path := filepath.Join(t.dir, resilience.DeadLettersFile)
	entries, err := resilience.LoadDLQ(path)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no failed points to retry")
		return 0, nil
	}

	s, err := openSession(ctx, c, fetch, t, false, nil)
	if err != nil {
		return len(entries), err
	}

	remaining, res, runErr := s.crawler.Retry(ctx, entries)
	if cerr := s.Close(); runErr == nil {
		runErr = cerr
	}

	// Rewrite even after an error: remaining holds every entry not recovered.
	if err := resilience.ReplaceDLQ(path, remaining); err != nil {
		zap.L().Error("rewrite dead letters failed", zap.String("path", path), zap.Error(err))
		if runErr == nil {
			runErr = eris.Wrap(err, "retry: rewrite dead letters")
		}
	}

	if res != nil {
		fmt.Fprintf(w, "%d failed points retried: %d recovered, %d still failing, %d features accepted, %d duplicates\n",
			res.Processed, res.Processed-res.FailedPoints, len(remaining), res.Accepted, res.Duplicates)
	}
	return len(remaining), runErr
}
