// Package crawl runs the resumable sampling loop: every grid point is sent to
// the identify service, the returned polygons are deduplicated by identifier
// and appended to the feature store, and progress is checkpointed.
package crawl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/gridcrawl/internal/feature"
	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/identify"
	"github.com/sells-group/gridcrawl/internal/resilience"
	"github.com/sells-group/gridcrawl/internal/store"
)

// Fetcher queries the features under one point. *identify.Client satisfies it.
type Fetcher interface {
	Identify(ctx context.Context, p grid.Point, window grid.Bounds) (*identify.Response, error)
	MaxAttempts() int
}

// Sink persists accepted features.
type Sink interface {
	Append(f feature.Feature) error
}

// DeadLetters records points whose requests exhausted their retries.
type DeadLetters interface {
	Push(e resilience.DeadLetter) error
}

// Finalizer runs once after the last point has been checkpointed.
type Finalizer func(ctx context.Context, res *Result) error

// Options tunes a Crawler. Zero values take the defaults.
type Options struct {
	// Delay is slept after every request, successful or not.
	Delay time.Duration
	// SaveEvery is the checkpoint interval in points. Default 500.
	SaveEvery int
	// ReportEvery is the progress log interval. Default 5s.
	ReportEvery time.Duration
	// Name labels log lines, e.g. a tile name.
	Name     string
	Finalize Finalizer
	// Sleep replaces the context-aware delay in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Crawler drives one crawl over a grid.
type Crawler struct {
	grid    *grid.Grid
	fetch   Fetcher
	extract *feature.Extractor
	state   store.State
	sink    Sink
	dlq     DeadLetters
	opts    Options
	base    *zap.Logger
	log     *zap.Logger

	phase       Phase
	runID       string
	warnedEmpty bool
}

// New builds a Crawler. dlq may be nil, in which case failed points are only
// logged.
func New(g *grid.Grid, fetch Fetcher, extract *feature.Extractor, state store.State, sink Sink, dlq DeadLetters, opts Options) *Crawler {
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = 500
	}
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = 5 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	log := zap.L().With(zap.String("component", "crawl"))
	if opts.Name != "" {
		log = log.With(zap.String("crawl", opts.Name))
	}

	return &Crawler{
		grid:    g,
		fetch:   fetch,
		extract: extract,
		state:   state,
		sink:    sink,
		dlq:     dlq,
		opts:    opts,
		base:    log,
		log:     log,
	}
}

// Phase returns the stage the crawler is in.
func (c *Crawler) Phase() Phase { return c.phase }

func (c *Crawler) setPhase(p Phase) {
	c.log.Info("phase", zap.String("from", c.phase.String()), zap.String("to", p.String()))
	c.phase = p
}

// Run samples every grid point at or after the stored checkpoint. Storage
// failures abort the run; a point whose request exhausts its retries is
// skipped. Cancellation returns ctx's error without saving a checkpoint, so
// the next run resumes from the last periodic save.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	c.runID = uuid.NewString()
	c.warnedEmpty = false
	c.log = c.base.With(zap.String("run_id", c.runID))
	began := time.Now()

	c.phase = Initializing
	total := c.grid.Count()
	start, err := c.state.LoadCheckpoint(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "crawl: load checkpoint")
	}
	if start > total {
		c.log.Warn("checkpoint beyond grid size; clamping",
			zap.Int("checkpoint", start),
			zap.Int("total", total),
		)
		start = total
	}

	res := &Result{RunID: c.runID, Total: total, Start: start}
	nLon, nLat := c.grid.Dims()
	c.log.Info("crawl starting",
		zap.Stringer("bounds", c.grid.Bounds()),
		zap.Float64("step", c.grid.Step()),
		zap.Int("lon_points", nLon),
		zap.Int("lat_points", nLat),
		zap.Int("total", total),
		zap.Int("checkpoint", start),
		zap.Int("seen_ids", c.state.Len()),
	)

	c.setPhase(Sampling)
	progress := rate.Sometimes{Interval: c.opts.ReportEvery}
	for i, p := range c.grid.All() {
		if i < start {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(began)
			return res, err
		}

		if err := c.sample(ctx, i, p, res); err != nil {
			res.Elapsed = time.Since(began)
			return res, err
		}
		if err := c.opts.Sleep(ctx, c.opts.Delay); err != nil {
			res.Elapsed = time.Since(began)
			return res, err
		}
		res.Processed++

		if (i+1)%c.opts.SaveEvery == 0 {
			if err := c.state.SaveCheckpoint(ctx, i+1); err != nil {
				res.Elapsed = time.Since(began)
				return res, eris.Wrap(err, "crawl: save checkpoint")
			}
		}
		progress.Do(func() { c.report(res, i+1, began) })
	}

	c.setPhase(Finalizing)
	if err := c.state.SaveCheckpoint(ctx, total); err != nil {
		res.Elapsed = time.Since(began)
		return res, eris.Wrap(err, "crawl: save final checkpoint")
	}
	res.Elapsed = time.Since(began)
	c.log.Info("crawl complete",
		zap.Int("total", total),
		zap.Int("processed", res.Processed),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("failed_points", res.FailedPoints),
		zap.Int("dropped_results", res.DroppedResults),
		zap.Int("seen_ids", c.state.Len()),
		zap.Duration("elapsed", res.Elapsed),
	)

	if c.opts.Finalize != nil {
		if err := c.opts.Finalize(ctx, res); err != nil {
			return res, eris.Wrap(err, "crawl: finalize")
		}
	}

	c.setPhase(Done)
	return res, nil
}

// sample fetches one point and ingests what comes back.
func (c *Crawler) sample(ctx context.Context, i int, p grid.Point, res *Result) error {
	resp, err := c.fetch.Identify(ctx, p, c.grid.Window(p))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.FailedPoints++
		c.log.Warn("point failed after retries; skipping",
			zap.Int("index", i),
			zap.Float64("lon", p.Lon),
			zap.Float64("lat", p.Lat),
			zap.Error(err),
		)
		if c.dlq != nil {
			e := resilience.NewDeadLetter(c.runID, i, p.Lon, p.Lat, c.fetch.MaxAttempts(), err)
			if err := c.dlq.Push(e); err != nil {
				return eris.Wrap(err, "crawl: record failed point")
			}
		}
		return nil
	}
	return c.ingest(ctx, resp, res)
}

// ingest extracts features, drops those already seen, appends the rest and
// records their ids. A feature is appended before its id is recorded, so a
// crash in between can only produce a duplicate line, never a lost feature.
func (c *Crawler) ingest(ctx context.Context, resp *identify.Response, res *Result) error {
	features, stats := c.extract.Extract(resp)
	res.DroppedResults += stats.Failed

	for _, f := range features {
		if f.ID != "" && c.state.Seen(f.ID) {
			res.Duplicates++
			continue
		}
		if err := c.sink.Append(f); err != nil {
			return eris.Wrap(err, "crawl: append feature")
		}
		// The feature is already on disk; its id must follow even if ctx is
		// cancelled in between.
		if err := c.state.Record(context.WithoutCancel(ctx), f.ID); err != nil {
			return eris.Wrap(err, "crawl: record id")
		}
		res.Accepted++

		if f.ID == "" {
			res.EmptyIDs++
			if !c.warnedEmpty {
				c.warnedEmpty = true
				c.log.Warn("feature has no identifier; it is kept but cannot be deduplicated")
			}
		}
	}
	return nil
}

func (c *Crawler) report(res *Result, done int, began time.Time) {
	elapsed := time.Since(began)
	fields := []zap.Field{
		zap.Int("processed", done),
		zap.Int("total", res.Total),
		zap.Float64("percent", percent(done, res.Total)),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("failed_points", res.FailedPoints),
		zap.Duration("elapsed", elapsed.Round(time.Second)),
	}
	if res.Processed > 0 && elapsed > 0 {
		perPoint := elapsed / time.Duration(res.Processed)
		fields = append(fields,
			zap.Float64("points_per_sec", float64(res.Processed)/elapsed.Seconds()),
			zap.Duration("eta", (perPoint*time.Duration(res.Total-done)).Round(time.Second)),
		)
	}
	c.log.Info("progress", fields...)
}

// Retry re-fetches dead-lettered points through the same extract, dedup and
// sink path as Run. The checkpoint is not touched. It returns the entries
// that still fail; on cancellation the unprocessed entries are included.
func (c *Crawler) Retry(ctx context.Context, entries []resilience.DeadLetter) ([]resilience.DeadLetter, *Result, error) {
	c.runID = uuid.NewString()
	c.warnedEmpty = false
	c.log = c.base.With(zap.String("run_id", c.runID))
	began := time.Now()
	res := &Result{RunID: c.runID, Total: len(entries)}

	c.log.Info("retrying failed points", zap.Int("count", len(entries)))

	var remaining []resilience.DeadLetter
	for k, e := range entries {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(began)
			return append(remaining, entries[k:]...), res, err
		}

		p := grid.Point{Lon: e.Lon, Lat: e.Lat}
		resp, err := c.fetch.Identify(ctx, p, c.grid.Window(p))
		if err != nil {
			if ctx.Err() != nil {
				res.Elapsed = time.Since(began)
				return append(remaining, entries[k:]...), res, ctx.Err()
			}
			res.FailedPoints++
			again := resilience.NewDeadLetter(c.runID, e.Index, e.Lon, e.Lat, e.Attempts+c.fetch.MaxAttempts(), err)
			again.ID = e.ID
			remaining = append(remaining, again)
		} else if err := c.ingest(ctx, resp, res); err != nil {
			res.Elapsed = time.Since(began)
			return append(remaining, entries[k:]...), res, err
		}

		if err := c.opts.Sleep(ctx, c.opts.Delay); err != nil {
			res.Elapsed = time.Since(began)
			return append(remaining, entries[k+1:]...), res, err
		}
		res.Processed++
	}

	res.Elapsed = time.Since(began)
	c.log.Info("retry complete",
		zap.Int("retried", res.Processed),
		zap.Int("accepted", res.Accepted),
		zap.Int("still_failing", len(remaining)),
	)
	return remaining, res, nil
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
