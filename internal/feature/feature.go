// Package feature converts identify results into polygon features.
package feature

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/identify"
)

// SRID is the spatial reference of every extracted geometry (WGS84).
const SRID = 4326

// Default attribute names.
var (
	DefaultIDFields      = []string{"OBJECTID", "ObjectID", "objectid"}
	DefaultCategoryField = "PLANLAND_1"
)

// Feature is a polygon with its identifier and attributes. An empty ID means
// the feature has no usable identifier; such features are never deduplicated.
type Feature struct {
	ID         string
	Geometry   *geom.Polygon
	Properties map[string]any
}

// Stats counts what happened to the results of one response.
type Stats struct {
	Results    int
	NoGeometry int
	Failed     int
	Extracted  int
	MissingID  int
}

// Extractor builds features from identify results.
type Extractor struct {
	idFields      []string
	categoryField string
	log           *zap.Logger
}

// NewExtractor returns an Extractor. Empty arguments fall back to the defaults.
func NewExtractor(idFields []string, categoryField string) *Extractor {
	if len(idFields) == 0 {
		idFields = DefaultIDFields
	}
	if categoryField == "" {
		categoryField = DefaultCategoryField
	}
	return &Extractor{
		idFields:      idFields,
		categoryField: categoryField,
		log:           zap.L().With(zap.String("component", "feature")),
	}
}

// Extract converts every result that carries polygon rings. Results without
// rings are skipped. Results whose rings cannot form a polygon, or whose
// identifier holds a line break, are logged and dropped without affecting the
// others.
func (e *Extractor) Extract(resp *identify.Response) ([]Feature, Stats) {
	var stats Stats
	if resp == nil {
		return nil, stats
	}
	stats.Results = len(resp.Results)

	features := make([]Feature, 0, len(resp.Results))
	for i := range resp.Results {
		r := &resp.Results[i]
		if !r.Geometry.HasRings() {
			stats.NoGeometry++
			continue
		}

		poly, err := Polygon(r.Geometry.Rings)
		if err != nil {
			stats.Failed++
			e.log.Warn("dropping result with invalid geometry",
				zap.Int("layer_id", r.LayerID),
				zap.String("layer_name", r.LayerName),
				zap.Error(err),
			)
			continue
		}

		id := e.identifier(r.Attributes)
		if strings.ContainsAny(id, "\r\n") {
			stats.Failed++
			e.log.Warn("dropping result with a line break in its identifier",
				zap.Int("layer_id", r.LayerID),
				zap.String("layer_name", r.LayerName),
				zap.String("id", id),
			)
			continue
		}

		f := Feature{
			ID:         id,
			Geometry:   poly,
			Properties: e.properties(r.Attributes),
		}
		if f.ID == "" {
			stats.MissingID++
		}
		features = append(features, f)
		stats.Extracted++
	}
	return features, stats
}

// identifier returns the first present, non-empty id attribute as text.
func (e *Extractor) identifier(attrs map[string]any) string {
	for _, name := range e.idFields {
		v, ok := attrs[name]
		if !ok || isEmpty(v) {
			continue
		}
		return Text(v)
	}
	return ""
}

func (e *Extractor) properties(attrs map[string]any) map[string]any {
	props := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		props[k] = v
	}
	props[e.categoryField] = Text(attrs[e.categoryField])
	return props
}

// isEmpty reports whether an attribute value counts as absent: null, the
// empty string, numeric zero or false.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	}
	return false
}

// Text renders an attribute value as a string. Numbers keep their JSON text
// and null becomes "".
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Polygon decodes ArcGIS rings into a polygon. Every position must be 2-D and
// every ring must have at least three distinct positions. Open rings are
// closed.
func Polygon(raw json.RawMessage) (*geom.Polygon, error) {
	var rings [][][]float64
	if err := json.Unmarshal(raw, &rings); err != nil {
		return nil, eris.Wrap(err, "feature: decode rings")
	}
	if len(rings) == 0 {
		return nil, eris.New("feature: polygon has no rings")
	}

	coords := make([][]geom.Coord, 0, len(rings))
	for i, ring := range rings {
		c, err := ringCoords(ring)
		if err != nil {
			return nil, eris.Wrapf(err, "feature: ring %d", i)
		}
		coords = append(coords, c)
	}

	poly, err := geom.NewPolygon(geom.XY).SetCoords(coords)
	if err != nil {
		return nil, eris.Wrap(err, "feature: build polygon")
	}
	return poly.SetSRID(SRID), nil
}

func ringCoords(ring [][]float64) ([]geom.Coord, error) {
	out := make([]geom.Coord, 0, len(ring)+1)
	distinct := make(map[[2]float64]struct{}, len(ring))
	for j, pos := range ring {
		if len(pos) != 2 {
			return nil, eris.Errorf("position %d has %d coordinates, want 2", j, len(pos))
		}
		out = append(out, geom.Coord{pos[0], pos[1]})
		distinct[[2]float64{pos[0], pos[1]}] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, eris.Errorf("ring has %d distinct positions, want at least 3", len(distinct))
	}

	first, last := out[0], out[len(out)-1]
	if first[0] != last[0] || first[1] != last[1] {
		out = append(out, geom.Coord{first[0], first[1]})
	}
	return out, nil
}
