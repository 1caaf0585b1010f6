package staging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/source"
)

// Stats summarizes one staged batch for the quality gate.
type Stats struct {
	Rows        int64
	DistinctIDs int64
	// Sums holds the per-measure-column totals over the batch's staged rows.
	Sums map[string]float64
}

// Loader writes coerced rows into staging tables with batched,
// parameterized upserts. Batch size is a tunable independent of chunk
// size. Upsert-by-natural-id makes re-staging the same chunk idempotent.
type Loader struct {
	pool      *pgxpool.Pool
	batchSize int
	log       *logrus.Entry
}

// NewLoader creates a staging loader. batchSize bounds the statements per
// round-trip (default 500).
func NewLoader(pool *pgxpool.Pool, batchSize int, log *logrus.Entry) *Loader {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Loader{pool: pool, batchSize: batchSize, log: log}
}

func tableName(sch *source.Schema) string {
	return "staging_" + sch.Resource
}

func columnType(t source.FieldType) string {
	switch t {
	case source.TypeInt:
		return "BIGINT"
	case source.TypeDecimal:
		return "NUMERIC(18,4)"
	case source.TypeBool:
		return "BOOLEAN"
	case source.TypeTimestamp:
		return "TIMESTAMPTZ"
	case source.TypeDate:
		return "DATE"
	case source.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// EnsureSchema creates the staging table for a resource from its declared
// schema. Columns are exactly the declared fields plus batch bookkeeping.
func (l *Loader) EnsureSchema(ctx context.Context, sch *source.Schema) error {
	cols := make([]string, 0, len(sch.Fields)+2)
	for _, f := range sch.Fields {
		col := pgx.Identifier{f.Name}.Sanitize() + " " + columnType(f.Type)
		if f.Name == sch.NaturalKey {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	cols = append(cols, "batch_id TEXT NOT NULL", "staged_at TIMESTAMPTZ NOT NULL DEFAULT now()")

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{tableName(sch)}.Sanitize(), strings.Join(cols, ", "))
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure staging table for %s: %w", sch.Resource, err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (batch_id)",
		pgx.Identifier{tableName(sch) + "_batch_idx"}.Sanitize(),
		pgx.Identifier{tableName(sch)}.Sanitize())
	if _, err := l.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("ensure staging batch index for %s: %w", sch.Resource, err)
	}
	return nil
}

// upsertSQL builds the parameterized upsert for one row of a resource.
func upsertSQL(sch *source.Schema) string {
	cols := make([]string, 0, len(sch.Fields)+2)
	params := make([]string, 0, len(sch.Fields)+2)
	sets := make([]string, 0, len(sch.Fields)+1)

	for i, f := range sch.Fields {
		ident := pgx.Identifier{f.Name}.Sanitize()
		cols = append(cols, ident)
		params = append(params, fmt.Sprintf("$%d", i+1))
		if f.Name != sch.NaturalKey {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
		}
	}
	cols = append(cols, "batch_id", "staged_at")
	params = append(params, fmt.Sprintf("$%d", len(sch.Fields)+1), "now()")
	sets = append(sets, "batch_id = EXCLUDED.batch_id", "staged_at = now()")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pgx.Identifier{tableName(sch)}.Sanitize(),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		pgx.Identifier{sch.NaturalKey}.Sanitize(),
		strings.Join(sets, ", "))
}

// StageBatch coerces and upserts a chunk's records under one batch id.
// Returns the number of rows staged. A coercion failure aborts the whole
// batch before any write, so a schema mismatch never half-stages a chunk.
func (l *Loader) StageBatch(ctx context.Context, sch *source.Schema, batchID string, recs []source.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([]*Row, 0, len(recs))
	for _, rec := range recs {
		row, err := Coerce(rec, sch)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	sql := upsertSQL(sch)
	var staged int64
	for start := 0; start < len(rows); start += l.batchSize {
		end := start + l.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			args := make([]any, 0, len(row.Values)+1)
			args = append(args, row.Values...)
			args = append(args, batchID)
			batch.Queue(sql, args...)
		}

		br := l.pool.SendBatch(ctx, batch)
		for range rows[start:end] {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return staged, fmt.Errorf("stage batch %s into %s: %w", batchID, tableName(sch), err)
			}
			staged++
		}
		if err := br.Close(); err != nil {
			return staged, fmt.Errorf("close staging batch %s: %w", batchID, err)
		}
	}

	l.log.WithFields(logrus.Fields{
		"resource": sch.Resource,
		"batch":    batchID,
		"rows":     staged,
	}).Debug("batch staged")
	return staged, nil
}

// BatchStats computes the quality-gate inputs for one staged batch in a
// single aggregate query.
func (l *Loader) BatchStats(ctx context.Context, sch *source.Schema, batchID string) (*Stats, error) {
	measures := sch.MeasureFields()

	selects := []string{
		"COUNT(*)",
		fmt.Sprintf("COUNT(DISTINCT %s)", pgx.Identifier{sch.NaturalKey}.Sanitize()),
	}
	for _, m := range measures {
		selects = append(selects, fmt.Sprintf("COALESCE(SUM(%s), 0)::float8", pgx.Identifier{m}.Sanitize()))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE batch_id = $1",
		strings.Join(selects, ", "), pgx.Identifier{tableName(sch)}.Sanitize())

	stats := &Stats{Sums: make(map[string]float64, len(measures))}
	dest := []any{&stats.Rows, &stats.DistinctIDs}
	sums := make([]float64, len(measures))
	for i := range sums {
		dest = append(dest, &sums[i])
	}

	if err := l.pool.QueryRow(ctx, query, batchID).Scan(dest...); err != nil {
		return nil, fmt.Errorf("batch stats for %s/%s: %w", sch.Resource, batchID, err)
	}
	for i, m := range measures {
		stats.Sums[m] = sums[i]
	}
	return stats, nil
}

// RowsOlderThan returns staged rows past the retention cutoff, bounded by
// limit, for archival before purge.
func (l *Loader) RowsOlderThan(ctx context.Context, sch *source.Schema, cutoff time.Time, limit int) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE staged_at < $1 ORDER BY staged_at LIMIT $2",
		pgx.Identifier{tableName(sch)}.Sanitize())

	rows, err := l.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("rows older than %s in %s: %w", cutoff, tableName(sch), err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		rec := make(map[string]any, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes staged rows past the retention window and returns
// the purged count. Called only after a successful merge so the gate's
// retained-evidence guarantee holds.
func (l *Loader) PurgeOlderThan(ctx context.Context, sch *source.Schema, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE staged_at < $1", pgx.Identifier{tableName(sch)}.Sanitize()),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", tableName(sch), err)
	}
	if n := tag.RowsAffected(); n > 0 {
		l.log.WithFields(logrus.Fields{
			"resource": sch.Resource,
			"purged":   n,
		}).Info("stale staging rows purged")
		return n, nil
	}
	return 0, nil
}
