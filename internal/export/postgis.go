package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/db"
	"github.com/sells-group/gridcrawl/internal/feature"
)

const defaultBatchSize = 5000

// PostGIS load modes.
const (
	ModeUpsert = "upsert"
	ModeAppend = "append"
)

// Columns loaded by ToPostGIS, in COPY order.
var postgisColumns = []string{"fid", "object_id", "category", "properties", "geom"}

// PostGISOptions configures ToPostGIS.
type PostGISOptions struct {
	// Table may be schema-qualified. Default "land_use".
	Table string
	// CategoryField names the property copied into the category column.
	CategoryField string
	// Mode is "upsert" (default; re-exports replace rows by fid) or "append"
	// (plain COPY).
	Mode      string
	BatchSize int
}

// CreateTableSQL returns the DDL for the export table. It requires PostGIS.
func CreateTableSQL(table string) string {
	ident := db.Identifier(table)
	idx := pgx.Identifier{"idx_" + strings.ReplaceAll(table, ".", "_") + "_geom"}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	fid        BIGINT PRIMARY KEY,
	object_id  TEXT,
	category   TEXT,
	properties JSONB NOT NULL,
	geom       geometry(Polygon, 4326) NOT NULL
);
CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)`, ident.Sanitize(), idx.Sanitize(), ident.Sanitize())
}

// ToPostGIS loads every feature in src into a PostGIS table in batches and
// returns the number of rows written.
func ToPostGIS(ctx context.Context, pool db.Pool, src string, opts PostGISOptions) (int64, error) {
	if opts.Table == "" {
		opts.Table = "land_use"
	}
	if opts.CategoryField == "" {
		opts.CategoryField = feature.DefaultCategoryField
	}
	if opts.Mode == "" {
		opts.Mode = ModeUpsert
	}
	if opts.Mode != ModeUpsert && opts.Mode != ModeAppend {
		return 0, eris.Errorf("export: unknown postgis mode %q", opts.Mode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	log := zap.L().With(
		zap.String("component", "export.postgis"),
		zap.String("table", opts.Table),
		zap.String("mode", opts.Mode),
	)

	if _, err := pool.Exec(ctx, CreateTableSQL(opts.Table)); err != nil {
		return 0, eris.Wrapf(err, "export: create table %s", opts.Table)
	}

	var total int64
	batch := make([][]any, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var (
			n   int64
			err error
		)
		if opts.Mode == ModeUpsert {
			n, err = db.BulkUpsert(ctx, pool, db.UpsertConfig{
				Table:        opts.Table,
				Columns:      postgisColumns,
				ConflictKeys: []string{"fid"},
			}, batch)
		} else {
			n, err = db.CopyFrom(ctx, pool, opts.Table, postgisColumns, batch)
		}
		if err != nil {
			return err
		}
		total += n
		log.Debug("batch loaded", zap.Int("rows", len(batch)), zap.Int64("total", total))
		batch = batch[:0]
		return nil
	}

	_, err := ReadFeatures(src, func(r Record) error {
		row, err := postgisRow(r, opts.CategoryField)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) >= opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return total, eris.Wrap(err, "export: load postgis")
	}

	log.Info("postgis load complete", zap.Int64("rows", total))
	return total, nil
}

func postgisRow(r Record, categoryField string) ([]any, error) {
	wkb, err := ewkb.Marshal(r.Geometry, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrapf(err, "export: encode geometry of feature %d", r.Fid)
	}
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return nil, eris.Wrapf(err, "export: encode properties of feature %d", r.Fid)
	}

	var objectID any
	if r.ID != "" {
		objectID = r.ID
	}
	return []any{r.Fid, objectID, feature.Text(r.Properties[categoryField]), string(props), wkb}, nil
}
