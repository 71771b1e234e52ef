package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gridcrawl/internal/db"
)

// Postgres implements State in a shared database. Each crawl (one output
// directory or tile) keeps its rows under its own namespace.
type Postgres struct {
	pool      db.Pool
	namespace string
	mu        sync.Mutex
	seen      seenSet
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS gridcrawl_checkpoint (
	namespace  TEXT PRIMARY KEY,
	processed  BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gridcrawl_seen_ids (
	namespace  TEXT NOT NULL,
	id         TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, id)
);
`

// OpenPostgres migrates the state tables and loads the namespace's seen ids.
// The returned state owns pool and closes it.
func OpenPostgres(ctx context.Context, pool db.Pool, namespace string) (*Postgres, error) {
	if namespace == "" {
		return nil, eris.New("postgres: namespace is required")
	}
	s := &Postgres{pool: pool, namespace: namespace, seen: seenSet{}}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	if err := s.loadSeen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *Postgres) loadSeen(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT id FROM gridcrawl_seen_ids WHERE namespace = $1`, s.namespace)
	if err != nil {
		return eris.Wrap(err, "postgres: load seen ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "postgres: scan seen id")
		}
		s.seen.add(id)
	}
	return eris.Wrap(rows.Err(), "postgres: iterate seen ids")
}

func (s *Postgres) LoadCheckpoint(ctx context.Context) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT processed FROM gridcrawl_checkpoint WHERE namespace = $1`, s.namespace).Scan(&n)
	if eris.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: load checkpoint")
	}
	if n < 0 {
		return 0, nil
	}
	return int(n), nil
}

func (s *Postgres) SaveCheckpoint(ctx context.Context, n int) error {
	if n < 0 {
		return eris.Errorf("store: negative checkpoint %d", n)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gridcrawl_checkpoint (namespace, processed, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (namespace) DO UPDATE SET processed = EXCLUDED.processed, updated_at = EXCLUDED.updated_at`,
		s.namespace, int64(n))
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *Postgres) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.has(id)
}

func (s *Postgres) Record(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.has(id) {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gridcrawl_seen_ids (namespace, id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		s.namespace, id)
	if err != nil {
		return eris.Wrap(err, "postgres: record seen id")
	}
	s.seen.add(id)
	return nil
}

func (s *Postgres) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
