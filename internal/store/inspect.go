package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/appendlog"
)

// Snapshot is the persisted progress of one crawl.
type Snapshot struct {
	Checkpoint int
	SeenIDs    int
}

// Inspect reads the state selected by cfg without creating, repairing or
// appending to anything in the output directory, so it is safe to call while
// a crawl is writing. A directory or database that does not exist yet reports
// an empty snapshot.
func Inspect(ctx context.Context, cfg Config) (Snapshot, error) {
	switch cfg.Driver {
	case "", DriverFile:
		return inspectFile(cfg.Dir)
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Dir, SQLiteFile)
		}
		if _, err := os.Stat(sqlitePath(dsn)); errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return inspectState(ctx, cfg)
	case DriverPostgres:
		return inspectState(ctx, cfg)
	case DriverMemory:
		return Snapshot{}, nil
	}
	return Snapshot{}, eris.Errorf("store: unknown driver %q", cfg.Driver)
}

func inspectFile(dir string) (Snapshot, error) {
	if dir == "" {
		return Snapshot{}, eris.New("store: output directory is required")
	}

	var snap Snapshot
	path := filepath.Join(dir, CheckpointFile)
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Snapshot{}, eris.Wrapf(err, "store: read %s", path)
	default:
		snap.Checkpoint = ParseCheckpoint(string(b), zap.L().With(zap.String("component", "store")))
	}

	seen := seenSet{}
	err = appendlog.Scan(filepath.Join(dir, SeenIDsFile), func(line []byte) error {
		if id := strings.TrimSpace(string(line)); id != "" {
			seen.add(id)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "store: count seen ids")
	}
	snap.SeenIDs = len(seen)
	return snap, nil
}

// inspectState opens a database backend, which never touches the output
// directory, and reads its progress.
func inspectState(ctx context.Context, cfg Config) (Snapshot, error) {
	st, err := Open(ctx, cfg)
	if err != nil {
		return Snapshot{}, err
	}
	defer st.Close() //nolint:errcheck

	n, err := st.LoadCheckpoint(ctx)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "store: load checkpoint")
	}
	return Snapshot{Checkpoint: n, SeenIDs: st.Len()}, nil
}

// sqlitePath strips the URI form ("file:path?opts") down to the file path.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}
