// Package sink appends extracted features to a line-delimited GeoJSON file.
package sink

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/gridcrawl/internal/appendlog"
	"github.com/sells-group/gridcrawl/internal/feature"
)

// FeaturesFile is the feature store name inside a crawl output directory.
const FeaturesFile = "features.jsonl"

// JSONL is an append-only feature store holding one GeoJSON Feature object
// per line. Earlier lines are never rewritten.
type JSONL struct {
	path string
	mu   sync.Mutex
	f    *os.File
	n    int
}

// Open opens path for appending, dropping a partial trailing line left by an
// interrupted write.
func Open(path string) (*JSONL, error) {
	f, err := appendlog.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "sink: open")
	}
	return &JSONL{path: path, f: f}, nil
}

// Encode renders f as a single-line GeoJSON Feature.
func Encode(f feature.Feature) ([]byte, error) {
	if f.Geometry == nil {
		return nil, eris.New("sink: feature has no geometry")
	}
	b, err := json.Marshal(&geojson.Feature{
		ID:         f.ID,
		Geometry:   f.Geometry,
		Properties: f.Properties,
	})
	if err != nil {
		return nil, eris.Wrap(err, "sink: encode feature")
	}
	return b, nil
}

// Append writes f as one line with a single write call.
func (s *JSONL) Append(f feature.Feature) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendlog.WriteLine(s.f, b); err != nil {
		return eris.Wrapf(err, "sink: append to %s", s.path)
	}
	s.n++
	return nil
}

// Count returns the number of features appended by this process.
func (s *JSONL) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Close syncs and closes the file.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return eris.Wrap(err, "sink: sync")
	}
	return eris.Wrap(s.f.Close(), "sink: close")
}
