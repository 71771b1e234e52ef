package export

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
)

// ToGeoJSON streams every feature in src into a single FeatureCollection at
// outPath. Each feature carries its bbox. The file is written to a temp name
// and renamed when complete.
func ToGeoJSON(src, outPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, eris.Wrapf(err, "export: create %s", filepath.Dir(outPath))
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".*.tmp")
	if err != nil {
		return 0, eris.Wrap(err, "export: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	bw := bufio.NewWriterSize(tmp, 1<<20)
	n := 0
	_, err = bw.WriteString(`{"type":"FeatureCollection","features":[`)
	if err == nil {
		_, err = ReadFeatures(src, func(r Record) error {
			b, err := json.Marshal(&geojson.Feature{
				ID:         r.ID,
				BBox:       r.Geometry.Bounds(),
				Geometry:   r.Geometry,
				Properties: r.Properties,
			})
			if err != nil {
				return eris.Wrapf(err, "export: encode feature %d", r.Fid)
			}
			if n > 0 {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			if _, err := bw.Write(b); err != nil {
				return err
			}
			n++
			return nil
		})
	}
	if err == nil {
		_, err = bw.WriteString("]}\n")
	}
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		_ = tmp.Close()
		return n, eris.Wrap(err, "export: write geojson")
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "export: close geojson")
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return n, eris.Wrapf(err, "export: replace %s", outPath)
	}

	zap.L().Info("geojson written",
		zap.String("component", "export.geojson"),
		zap.String("path", outPath),
		zap.Int("features", n),
	)
	return n, nil
}
