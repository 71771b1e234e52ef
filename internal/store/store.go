// Package store persists crawl progress: the checkpoint (how many grid
// indices are fully processed) and the set of feature identifiers already
// written.
package store

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/db"
)

// State is the resumable state of one crawl. Implementations load the seen
// set when opened, so Seen never touches storage.
type State interface {
	// LoadCheckpoint returns the persisted checkpoint. A missing, unparseable
	// or negative value yields 0.
	LoadCheckpoint(ctx context.Context) (int, error)
	// SaveCheckpoint atomically replaces the checkpoint with n.
	SaveCheckpoint(ctx context.Context, n int) error
	// Seen reports whether id has been recorded. The empty id is never seen.
	Seen(id string) bool
	// Record durably adds id to the seen set. The empty id is ignored.
	Record(ctx context.Context, id string) error
	// Len returns the number of recorded ids.
	Len() int
	Close() error
}

// Drivers accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config selects and configures a State backend.
type Config struct {
	Driver string
	// DSN is the SQLite path or Postgres connection string. An empty SQLite
	// DSN means Dir/state.db.
	DSN string
	// Dir is the crawl output directory.
	Dir string
	// Namespace separates crawls sharing one Postgres database. Defaults to Dir.
	Namespace string
}

// Open returns the backend named by cfg.Driver (default "file").
func Open(ctx context.Context, cfg Config) (State, error) {
	log := zap.L().With(zap.String("component", "store"))

	var (
		st  State
		err error
	)
	switch cfg.Driver {
	case "", DriverFile:
		st, err = OpenFile(cfg.Dir)
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Dir, SQLiteFile)
		}
		st, err = OpenSQLite(ctx, dsn)
	case DriverPostgres:
		ns := cfg.Namespace
		if ns == "" {
			ns = cfg.Dir
		}
		var pool db.Pool
		pool, err = db.Connect(ctx, cfg.DSN, nil)
		if err != nil {
			return nil, eris.Wrap(err, "store: connect postgres")
		}
		st, err = OpenPostgres(ctx, pool, ns)
		if err != nil {
			pool.Close()
		}
	case DriverMemory:
		st = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info("state opened",
		zap.String("driver", cfg.Driver),
		zap.Int("seen_ids", st.Len()),
	)
	return st, nil
}

// seenSet is the in-memory index shared by every backend.
type seenSet map[string]struct{}

func (s seenSet) has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s[id]
	return ok
}

func (s seenSet) add(id string) { s[id] = struct{}{} }
