package bulkload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// DestWriter is the destination side of partition replication.
type DestWriter interface {
	DeleteRange(ctx context.Context, spec TableSpec, lower, upper time.Time) (int64, error)
	InsertBatch(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)
	// MaxTime returns the greatest range-column value inside [lower, upper),
	// or nil when the range is empty. Used to re-derive partition
	// completeness on resume.
	MaxTime(ctx context.Context, spec TableSpec, lower, upper time.Time) (*time.Time, error)
	// SuspendIndexes and RebuildIndexes bracket a bulk insert. Both are
	// best-effort performance aids, not correctness dependencies.
	SuspendIndexes(ctx context.Context, spec TableSpec) error
	RebuildIndexes(ctx context.Context, spec TableSpec) error
}

// PgDest writes partitions into the warehouse over pgx.
type PgDest struct {
	pool *pgxpool.Pool
	log  *logrus.Entry

	// savedIndexes holds dropped index definitions per table until rebuild.
	savedIndexes map[string][]string
}

// NewPgDest wraps a pgx pool as a partition destination.
func NewPgDest(pool *pgxpool.Pool, log *logrus.Entry) *PgDest {
	return &PgDest{pool: pool, log: log, savedIndexes: make(map[string][]string)}
}

// DeleteRange clears the partition's existing rows. Paired with the insert
// that follows, this makes partition replication idempotent.
func (d *PgDest) DeleteRange(ctx context.Context, spec TableSpec, lower, upper time.Time) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2",
		spec.Dest, spec.TimeColumn, spec.TimeColumn)
	tag, err := d.pool.Exec(ctx, stmt, lower, upper)
	if err != nil {
		return 0, fmt.Errorf("delete %s [%s, %s): %w", spec.Dest, lower, upper, err)
	}
	return tag.RowsAffected(), nil
}

// InsertBatch bulk-copies one bounded batch into the destination.
func (d *PgDest) InsertBatch(ctx context.Context, spec TableSpec, rows [][]any) (int64, error) {
	table := strings.Split(spec.Dest, ".")
	n, err := d.pool.CopyFrom(ctx, pgx.Identifier(table), spec.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", spec.Dest, err)
	}
	return n, nil
}

// MaxTime returns the max range-column value present in the bounds.
func (d *PgDest) MaxTime(ctx context.Context, spec TableSpec, lower, upper time.Time) (*time.Time, error) {
	stmt := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s >= $1 AND %s < $2",
		spec.TimeColumn, spec.Dest, spec.TimeColumn, spec.TimeColumn)
	var max *time.Time
	if err := d.pool.QueryRow(ctx, stmt, lower, upper).Scan(&max); err != nil {
		return nil, fmt.Errorf("max %s in %s: %w", spec.TimeColumn, spec.Dest, err)
	}
	return max, nil
}

// SuspendIndexes drops the table's secondary indexes, remembering their
// definitions for RebuildIndexes. Failures log a warning and the load
// continues with indexes in place.
func (d *PgDest) SuspendIndexes(ctx context.Context, spec TableSpec) error {
	schema, table := splitQualified(spec.Dest)
	rows, err := d.pool.Query(ctx, `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		  AND indexdef NOT LIKE '%UNIQUE%'`, schema, table)
	if err != nil {
		return fmt.Errorf("list indexes on %s: %w", spec.Dest, err)
	}
	defer rows.Close()

	type idx struct{ name, def string }
	var indexes []idx
	for rows.Next() {
		var i idx
		if err := rows.Scan(&i.name, &i.def); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}
		indexes = append(indexes, i)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, i := range indexes {
		if _, err := d.pool.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s.%s", schema, i.name)); err != nil {
			return fmt.Errorf("drop index %s: %w", i.name, err)
		}
		d.savedIndexes[spec.Dest] = append(d.savedIndexes[spec.Dest], i.def)
	}
	if len(indexes) > 0 {
		d.log.WithFields(logrus.Fields{
			"table":   spec.Dest,
			"indexes": len(indexes),
		}).Info("secondary indexes suspended for bulk load")
	}
	return nil
}

// RebuildIndexes recreates the indexes dropped by SuspendIndexes.
func (d *PgDest) RebuildIndexes(ctx context.Context, spec TableSpec) error {
	defs := d.savedIndexes[spec.Dest]
	for _, def := range defs {
		if _, err := d.pool.Exec(ctx, def); err != nil {
			return fmt.Errorf("rebuild index on %s: %w", spec.Dest, err)
		}
	}
	delete(d.savedIndexes, spec.Dest)
	if len(defs) > 0 {
		d.log.WithFields(logrus.Fields{
			"table":   spec.Dest,
			"indexes": len(defs),
		}).Info("secondary indexes rebuilt")
	}
	return nil
}

func splitQualified(name string) (schema, table string) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", name
}
