// Package export converts the line-delimited feature store into Shapefile,
// GeoJSON or PostGIS.
package export

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/appendlog"
)

// Output names inside a crawl directory.
const (
	ShapefileName = "output.shp"
	GeoJSONName   = "output.geojson"
)

// Record is one stored feature. Fid is its 1-based line number in the store,
// which is stable because the store is append-only.
type Record struct {
	Fid        int64
	ID         string
	Geometry   *geom.Polygon
	Properties map[string]any
}

type storedFeature struct {
	Type       string            `json:"type"`
	ID         any               `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

// Stats reports how many lines were read and skipped.
type Stats struct {
	Read    int
	Skipped int
}

// ReadFeatures calls fn for every decodable polygon feature in path, in file
// order. Lines that cannot be decoded are logged and skipped. Numbers in
// properties keep their JSON text (json.Number).
func ReadFeatures(path string, fn func(r Record) error) (Stats, error) {
	log := zap.L().With(zap.String("component", "export"), zap.String("path", path))

	var (
		stats Stats
		line  int64
	)
	err := appendlog.Scan(path, func(b []byte) error {
		line++
		r, err := decodeRecord(b)
		if err != nil {
			stats.Skipped++
			log.Warn("skipping undecodable feature", zap.Int64("line", line), zap.Error(err))
			return nil
		}
		r.Fid = line
		stats.Read++
		return fn(r)
	})
	if err != nil {
		return stats, eris.Wrapf(err, "export: read %s", path)
	}
	return stats, nil
}

func decodeRecord(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var sf storedFeature
	if err := dec.Decode(&sf); err != nil {
		return Record{}, eris.Wrap(err, "export: decode line")
	}
	if sf.Type != "Feature" {
		return Record{}, eris.Errorf("export: unexpected type %q", sf.Type)
	}
	if sf.Geometry == nil {
		return Record{}, eris.New("export: feature has no geometry")
	}
	g, err := sf.Geometry.Decode()
	if err != nil {
		return Record{}, eris.Wrap(err, "export: decode geometry")
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return Record{}, eris.Errorf("export: unsupported geometry %T", g)
	}

	r := Record{Geometry: poly.SetSRID(4326), Properties: sf.Properties}
	switch id := sf.ID.(type) {
	case string:
		r.ID = id
	case json.Number:
		r.ID = id.String()
	case float64:
		r.ID = strconv.FormatFloat(id, 'f', -1, 64)
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	return r, nil
}
