package export

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/feature"
)

const (
	maxFieldSize = 254
	maxFieldName = 10
	fidField     = "FID"
)

// wgs84PRJ is the ESRI WKT for EPSG:4326.
const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// ShapefileOptions configures ToShapefile.
type ShapefileOptions struct {
	// Encoding is the DBF character set: utf-8 (default), gbk or gb18030.
	Encoding string
}

// column is one DBF text field.
type column struct {
	key  string
	name string
	size int
}

// ToShapefile writes every feature in src to a polygon shapefile at shpPath
// (.shp, .shx, .dbf, .prj and .cpg). Each property becomes a text field; a
// numeric FID field holds the feature's line number in src. It returns the
// number of features written.
func ToShapefile(src, shpPath string, opts ShapefileOptions) (int, error) {
	log := zap.L().With(zap.String("component", "export.shapefile"), zap.String("path", shpPath))

	te, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return 0, err
	}
	enc := te.encoder()

	sizes := map[string]int{}
	if _, err := ReadFeatures(src, func(r Record) error {
		for k, v := range r.Properties {
			b, err := enc.encode(feature.Text(v), maxFieldSize)
			if err != nil {
				return err
			}
			if cur, ok := sizes[k]; !ok || len(b) > cur {
				sizes[k] = len(b)
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	cols, err := columns(sizes, enc)
	if err != nil {
		return 0, err
	}

	base := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return 0, eris.Wrapf(err, "export: create %s", filepath.Dir(base))
	}

	w, err := shp.Create(base+".shp", shp.POLYGON)
	if err != nil {
		return 0, eris.Wrapf(err, "export: create %s.shp", base)
	}

	fields := make([]shp.Field, 0, len(cols)+1)
	fields = append(fields, shp.NumberField(fidField, 10))
	for _, c := range cols {
		fields = append(fields, shp.StringField(c.name, uint8(c.size)))
	}

	n := 0
	writeErr := w.SetFields(fields)
	if writeErr == nil {
		_, writeErr = ReadFeatures(src, func(r Record) error {
			row := int(w.Write(shapePolygon(r.Geometry)))
			if err := w.WriteAttribute(row, 0, int(r.Fid)); err != nil {
				return eris.Wrapf(err, "export: write FID of feature %d", r.Fid)
			}
			for j, c := range cols {
				v, ok := r.Properties[c.key]
				if !ok {
					continue
				}
				b, err := enc.encode(feature.Text(v), c.size)
				if err != nil {
					return err
				}
				if err := w.WriteAttribute(row, j+1, string(b)); err != nil {
					return eris.Wrapf(err, "export: write %s of feature %d", c.name, r.Fid)
				}
			}
			n++
			return nil
		})
	}
	w.Close()
	if writeErr != nil {
		return n, eris.Wrap(writeErr, "export: write shapefile")
	}

	// go-shp names the table "<base>dbf"; move it to "<base>.dbf".
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		return n, eris.Wrap(err, "export: rename dbf")
	}
	if err := os.WriteFile(base+".prj", []byte(wgs84PRJ), 0o644); err != nil {
		return n, eris.Wrap(err, "export: write prj")
	}
	if err := os.WriteFile(base+".cpg", []byte(te.cpgName), 0o644); err != nil {
		return n, eris.Wrap(err, "export: write cpg")
	}

	log.Info("shapefile written",
		zap.Int("features", n),
		zap.Int("fields", len(fields)),
		zap.String("encoding", te.cpgName),
	)
	return n, nil
}

// columns builds one text field per property key in sorted order. Names are
// cut to the 10-byte DBF limit and made unique.
func columns(sizes map[string]int, enc *encoder) ([]column, error) {
	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	used := map[string]bool{fidField: true}
	cols := make([]column, 0, len(keys))
	for _, k := range keys {
		name, err := fieldName(k, used, enc)
		if err != nil {
			return nil, err
		}
		used[name] = true
		cols = append(cols, column{key: k, name: name, size: min(max(sizes[k], 1), maxFieldSize)})
	}
	return cols, nil
}

func fieldName(key string, used map[string]bool, enc *encoder) (string, error) {
	b, err := enc.encode(key, maxFieldName)
	if err != nil {
		return "", err
	}
	name := string(b)
	if name == "" {
		name = "FIELD"
	}
	if !used[name] {
		return name, nil
	}
	for i := 1; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		cut, err := enc.encode(key, maxFieldName-len(suffix))
		if err != nil {
			return "", err
		}
		candidate := string(cut) + suffix
		if !used[candidate] {
			return candidate, nil
		}
	}
}

// shapePolygon converts p to a shapefile polygon with the outer ring
// clockwise and holes counter-clockwise.
func shapePolygon(p *geom.Polygon) *shp.Polygon {
	parts := make([][]shp.Point, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := p.LinearRing(i)
		pts := make([]shp.Point, 0, ring.NumCoords())
		for k := 0; k < ring.NumCoords(); k++ {
			c := ring.Coord(k)
			pts = append(pts, shp.Point{X: c.X(), Y: c.Y()})
		}
		if ring.NumCoords() >= 4 {
			ccw := xy.IsRingCounterClockwise(ring.Layout(), ring.FlatCoords())
			if (i == 0) == ccw {
				slices.Reverse(pts)
			}
		}
		parts = append(parts, pts)
	}
	poly := shp.Polygon(*shp.NewPolyLine(parts))
	return &poly
}
