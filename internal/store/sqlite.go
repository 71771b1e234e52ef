package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteFile is the default database name inside a crawl output directory.
const SQLiteFile = "state.db"

// SQLite implements State using modernc.org/sqlite.
type SQLite struct {
	db   *sql.DB
	mu   sync.Mutex
	seen seenSet
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db, seen: seenSet{}}, nil
}

// OpenSQLite opens dsn, migrates it and loads the seen ids.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	s, err := NewSQLite(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	if err := s.loadSeen(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS crawl_checkpoint (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	processed  INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS seen_ids (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLite) loadSeen(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM seen_ids`)
	if err != nil {
		return eris.Wrap(err, "sqlite: load seen ids")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "sqlite: scan seen id")
		}
		s.seen.add(id)
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate seen ids")
}

func (s *SQLite) LoadCheckpoint(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT processed FROM crawl_checkpoint WHERE id = 1`).Scan(&n)
	if eris.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: load checkpoint")
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, n int) error {
	if n < 0 {
		return eris.Errorf("store: negative checkpoint %d", n)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_checkpoint (id, processed, updated_at) VALUES (1, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET processed = excluded.processed, updated_at = excluded.updated_at`,
		n)
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLite) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.has(id)
}

func (s *SQLite) Record(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.has(id) {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO seen_ids (id) VALUES (?)`, id); err != nil {
		return eris.Wrap(err, "sqlite: record seen id")
	}
	s.seen.add(id)
	return nil
}

func (s *SQLite) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
