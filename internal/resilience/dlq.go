package resilience

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gridcrawl/internal/appendlog"
)

// DeadLettersFile is the dead-letter file name inside a crawl output directory.
const DeadLettersFile = "failed_points.jsonl"

// DeadLetter records a grid point whose identify request exhausted its retries.
type DeadLetter struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Lon       float64   `json:"lon"`
	Lat       float64   `json:"lat"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // one of the Cause constants
	Status    int       `json:"status,omitempty"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// NewDeadLetter builds an entry for the point at index that failed with err.
func NewDeadLetter(runID string, index int, lon, lat float64, attempts int, err error) DeadLetter {
	return DeadLetter{
		ID:        uuid.New().String(),
		RunID:     runID,
		Index:     index,
		Lon:       lon,
		Lat:       lat,
		Error:     err.Error(),
		ErrorType: ClassifyError(err),
		Status:    StatusCode(err),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
}

// DLQ is a line-delimited JSON file of dead letters.
type DLQ struct {
	path string
	f    *os.File
}

// OpenDLQ opens (creating if needed) the dead-letter file at path.
func OpenDLQ(path string) (*DLQ, error) {
	f, err := appendlog.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "dlq: open")
	}
	return &DLQ{path: path, f: f}, nil
}

// Push appends one entry.
func (q *DLQ) Push(e DeadLetter) error {
	b, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "dlq: marshal entry")
	}
	if err := appendlog.WriteLine(q.f, b); err != nil {
		return eris.Wrapf(err, "dlq: append to %s", q.path)
	}
	return nil
}

// Close closes the underlying file.
func (q *DLQ) Close() error {
	return q.f.Close()
}

// LoadDLQ reads every entry in path. A missing file yields no entries.
func LoadDLQ(path string) ([]DeadLetter, error) {
	var entries []DeadLetter
	err := appendlog.Scan(path, func(line []byte) error {
		var e DeadLetter
		if err := json.Unmarshal(line, &e); err != nil {
			return eris.Wrapf(err, "dlq: decode entry in %s", path)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// ReplaceDLQ atomically replaces the contents of path with entries.
func ReplaceDLQ(path string, entries []DeadLetter) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "dlq: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			return eris.Wrap(err, "dlq: marshal entry")
		}
		if err := appendlog.WriteLine(tmp, b); err != nil {
			_ = tmp.Close()
			return eris.Wrap(err, "dlq: write temp file")
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "dlq: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "dlq: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "dlq: replace %s", path)
	}
	return nil
}
