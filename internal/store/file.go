package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/appendlog"
)

// File names inside a crawl output directory.
const (
	CheckpointFile = "checkpoint.txt"
	SeenIDsFile    = "seen_ids.txt"
)

// File keeps the checkpoint in checkpoint.txt (one base-10 integer, replaced
// atomically) and the seen ids in seen_ids.txt (one id per line, append-only).
type File struct {
	dir  string
	mu   sync.Mutex
	seen seenSet
	ids  *os.File
	log  *zap.Logger
}

// OpenFile opens the file state in dir, creating the directory if needed and
// loading every recorded id.
func OpenFile(dir string) (*File, error) {
	if dir == "" {
		return nil, eris.New("store: output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "store: create %s", dir)
	}

	seenPath := filepath.Join(dir, SeenIDsFile)
	ids, err := appendlog.Open(seenPath)
	if err != nil {
		return nil, eris.Wrap(err, "store: open seen ids")
	}

	seen := seenSet{}
	err = appendlog.Scan(seenPath, func(line []byte) error {
		if id := strings.TrimSpace(string(line)); id != "" {
			seen.add(id)
		}
		return nil
	})
	if err != nil {
		_ = ids.Close()
		return nil, eris.Wrap(err, "store: load seen ids")
	}

	return &File{
		dir:  dir,
		seen: seen,
		ids:  ids,
		log:  zap.L().With(zap.String("component", "store"), zap.String("dir", dir)),
	}, nil
}

func (f *File) LoadCheckpoint(_ context.Context) (int, error) {
	path := filepath.Join(f.dir, CheckpointFile)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "store: read %s", path)
	}
	return ParseCheckpoint(string(b), f.log), nil
}

// ParseCheckpoint parses checkpoint text. Anything that is not a
// non-negative integer is logged and treated as 0.
func ParseCheckpoint(s string, log *zap.Logger) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		log.Warn("ignoring malformed checkpoint", zap.String("value", s))
		return 0
	}
	return n
}

func (f *File) SaveCheckpoint(_ context.Context, n int) error {
	if n < 0 {
		return eris.Errorf("store: negative checkpoint %d", n)
	}
	return writeFileAtomic(filepath.Join(f.dir, CheckpointFile), []byte(strconv.Itoa(n)))
}

func (f *File) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen.has(id)
}

func (f *File) Record(_ context.Context, id string) error {
	if id == "" {
		return nil
	}
	if strings.ContainsAny(id, "\r\n") {
		return eris.Errorf("store: id %q contains a line break", id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen.has(id) {
		return nil
	}
	if err := appendlog.WriteLine(f.ids, []byte(id)); err != nil {
		return eris.Wrap(err, "store: append seen id")
	}
	f.seen.add(id)
	return nil
}

func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *File) Close() error {
	return f.ids.Close()
}

// writeFileAtomic replaces path with data via a synced temp file and rename,
// so readers see either the old or the new contents.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "store: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "store: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "store: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "store: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "store: replace %s", path)
	}
	return nil
}
