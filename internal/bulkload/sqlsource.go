package bulkload

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // source connections use the database/sql stack
)

// SourceReader streams source rows for one partition range in bounded
// batches. Memory use is bounded by batch size, not partition size.
type SourceReader interface {
	StreamRange(ctx context.Context, spec TableSpec, lower, upper time.Time, batchSize int, fn func(batch [][]any) error) (int64, error)
}

// SQLSource reads partitions from the upstream database over database/sql.
type SQLSource struct {
	db *sql.DB
}

// OpenSQLSource opens a bounded connection pool against the bulk source.
// maxSessions caps concurrent source reads across partition workers.
func OpenSQLSource(dsn string, maxSessions int) (*SQLSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open bulk source: %w", err)
	}
	if maxSessions <= 0 {
		maxSessions = 4
	}
	db.SetMaxOpenConns(maxSessions)
	db.SetMaxIdleConns(maxSessions)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &SQLSource{db: db}, nil
}

// Close releases the source pool.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// StreamRange selects the partition's rows ordered by the range column and
// hands them to fn in batches of at most batchSize. Returns total rows
// streamed.
func (s *SQLSource) StreamRange(ctx context.Context, spec TableSpec, lower, upper time.Time, batchSize int, fn func(batch [][]any) error) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= $1 AND %s < $2 ORDER BY %s",
		strings.Join(spec.Columns, ", "), spec.Source,
		spec.TimeColumn, spec.TimeColumn, spec.TimeColumn)

	rows, err := s.db.QueryContext(ctx, query, lower, upper)
	if err != nil {
		return 0, fmt.Errorf("stream %s [%s, %s): %w", spec.Source, lower, upper, err)
	}
	defer rows.Close()

	var total int64
	batch := make([][]any, 0, batchSize)
	for rows.Next() {
		values := make([]any, len(spec.Columns))
		ptrs := make([]any, len(spec.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return total, fmt.Errorf("scan source row: %w", err)
		}

		batch = append(batch, values)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return total, err
			}
			total += int64(len(batch))
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
	}
	return total, rows.Err()
}
