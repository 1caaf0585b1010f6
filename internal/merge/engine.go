// Package merge promotes validated staging rows into the warehouse fact
// tables. Each chunk merges in one set-based upsert transaction: dimension
// keys are resolved, derived measures allocated, and re-merging the same
// batch converges instead of duplicating.
package merge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/source"
	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

// Result reports one chunk merge.
type Result struct {
	RowsMerged int64
}

// Archiver optionally preserves staged rows before the retention purge.
type Archiver interface {
	ArchiveRows(ctx context.Context, sch *source.Schema, rows []map[string]any) (string, error)
}

// Engine merges staged chunks into facts and prunes stale staging rows.
type Engine struct {
	pool      *pgxpool.Pool
	loader    *staging.Loader
	retention time.Duration
	epsilon   float64
	archiver  Archiver
	log       *logrus.Entry
}

// NewEngine builds a merge engine. archiver may be nil to purge without
// archiving.
func NewEngine(pool *pgxpool.Pool, loader *staging.Loader, retention time.Duration, epsilon float64, archiver Archiver, log *logrus.Entry) *Engine {
	if epsilon <= 0 {
		epsilon = 0.01
	}
	return &Engine{
		pool:      pool,
		loader:    loader,
		retention: retention,
		epsilon:   epsilon,
		archiver:  archiver,
		log:       log,
	}
}

// EnsureWarehouse creates dimension and fact tables when missing.
func (e *Engine) EnsureWarehouse(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS dim_store (
			store_key  BIGSERIAL PRIMARY KEY,
			store_code TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS dim_product (
			product_key  BIGSERIAL PRIMARY KEY,
			product_code TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS dim_tender (
			tender_key  BIGSERIAL PRIMARY KEY,
			tender_type TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS fact_sales (
			transaction_id  TEXT PRIMARY KEY,
			store_key       BIGINT NOT NULL DEFAULT -1,
			business_date   TIMESTAMPTZ NOT NULL,
			total_amount    NUMERIC(18,4) NOT NULL,
			tax_amount      NUMERIC(18,4) NOT NULL,
			discount_amount NUMERIC(18,4),
			is_reversal     BOOLEAN NOT NULL DEFAULT false,
			channel         TEXT,
			merged_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS fact_sales_line (
			line_id        TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			product_key    BIGINT NOT NULL DEFAULT -1,
			business_date  TIMESTAMPTZ NOT NULL,
			quantity       NUMERIC(18,4) NOT NULL,
			line_amount    NUMERIC(18,4) NOT NULL,
			merged_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS fact_payment (
			payment_id         TEXT PRIMARY KEY,
			transaction_id     TEXT NOT NULL,
			tender_key         BIGINT NOT NULL DEFAULT -1,
			business_date      TIMESTAMPTZ NOT NULL,
			amount             NUMERIC(18,4) NOT NULL,
			allocated_tax      NUMERIC(18,4) NOT NULL DEFAULT 0,
			allocated_discount NUMERIC(18,4) NOT NULL DEFAULT 0,
			merged_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := e.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure warehouse schema: %w", err)
		}
	}
	return nil
}

// MergeChunk upserts one validated batch into the facts. The dimension
// seeding and the fact upsert run inside a single transaction, so a crash
// mid-merge leaves the previous committed state intact.
func (e *Engine) MergeChunk(ctx context.Context, sch *source.Schema, batchID string) (*Result, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	var merged int64
	switch sch.Resource {
	case "tx_header":
		merged, err = e.mergeHeaders(ctx, tx, batchID)
	case "tx_line":
		merged, err = e.mergeLines(ctx, tx, batchID)
	case "tx_payment":
		merged, err = e.mergePayments(ctx, tx, batchID)
	default:
		err = fmt.Errorf("no merge mapping for resource %q", sch.Resource)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit merge of batch %s: %w", batchID, err)
	}

	if sch.Resource == "tx_payment" {
		e.allocationCrossCheck(ctx, batchID)
	}

	e.log.WithFields(logrus.Fields{
		"resource": sch.Resource,
		"batch":    batchID,
		"rows":     merged,
	}).Info("chunk merged")
	return &Result{RowsMerged: merged}, nil
}

func (e *Engine) mergeHeaders(ctx context.Context, tx pgx.Tx, batchID string) (int64, error) {
	// Seed unseen dimension members first so the join below always resolves.
	_, err := tx.Exec(ctx, `
		INSERT INTO dim_store (store_code)
		SELECT DISTINCT store_code FROM staging_tx_header WHERE batch_id = $1
		ON CONFLICT (store_code) DO NOTHING`, batchID)
	if err != nil {
		return 0, fmt.Errorf("seed dim_store: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO fact_sales
			(transaction_id, store_key, business_date, total_amount, tax_amount,
			 discount_amount, is_reversal, channel, merged_at)
		SELECT s.transaction_id,
		       COALESCE(d.store_key, -1),
		       s.business_date,
		       s.total_amount,
		       s.tax_amount,
		       s.discount_amount,
		       COALESCE(s.is_reversal, false),
		       s.channel,
		       now()
		FROM staging_tx_header s
		LEFT JOIN dim_store d ON d.store_code = s.store_code
		WHERE s.batch_id = $1
		ON CONFLICT (transaction_id) DO UPDATE SET
			store_key       = EXCLUDED.store_key,
			business_date   = EXCLUDED.business_date,
			total_amount    = EXCLUDED.total_amount,
			tax_amount      = EXCLUDED.tax_amount,
			discount_amount = EXCLUDED.discount_amount,
			is_reversal     = EXCLUDED.is_reversal,
			channel         = EXCLUDED.channel,
			merged_at       = now()`, batchID)
	if err != nil {
		return 0, fmt.Errorf("merge headers for batch %s: %w", batchID, err)
	}

	// Payments referencing these transactions may have merged before the
	// header existed, carrying zero allocations. Recompute them so the
	// header and payment jobs can run in either order.
	if _, err := tx.Exec(ctx, reallocatePaymentsSQL(), batchID); err != nil {
		return 0, fmt.Errorf("reallocate payments for batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

func (e *Engine) mergeLines(ctx context.Context, tx pgx.Tx, batchID string) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO dim_product (product_code)
		SELECT DISTINCT product_code FROM staging_tx_line WHERE batch_id = $1
		ON CONFLICT (product_code) DO NOTHING`, batchID)
	if err != nil {
		return 0, fmt.Errorf("seed dim_product: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO fact_sales_line
			(line_id, transaction_id, product_key, business_date, quantity, line_amount, merged_at)
		SELECT s.line_id,
		       s.transaction_id,
		       COALESCE(d.product_key, -1),
		       s.business_date,
		       s.quantity,
		       s.line_amount,
		       now()
		FROM staging_tx_line s
		LEFT JOIN dim_product d ON d.product_code = s.product_code
		WHERE s.batch_id = $1
		ON CONFLICT (line_id) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			product_key    = EXCLUDED.product_key,
			business_date  = EXCLUDED.business_date,
			quantity       = EXCLUDED.quantity,
			line_amount    = EXCLUDED.line_amount,
			merged_at      = now()`, batchID)
	if err != nil {
		return 0, fmt.Errorf("merge lines for batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

// mergePayments resolves tender keys and allocates header-level measures
// (tax, discount) across each transaction's payments, weighted by the
// payment's share of the header total. Reversal headers flow through with
// their negative amounts intact.
func (e *Engine) mergePayments(ctx context.Context, tx pgx.Tx, batchID string) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO dim_tender (tender_type)
		SELECT DISTINCT tender_type FROM staging_tx_payment WHERE batch_id = $1
		ON CONFLICT (tender_type) DO NOTHING`, batchID)
	if err != nil {
		return 0, fmt.Errorf("seed dim_tender: %w", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO fact_payment
			(payment_id, transaction_id, tender_key, business_date, amount,
			 allocated_tax, allocated_discount, merged_at)
		SELECT s.payment_id,
		       s.transaction_id,
		       COALESCE(d.tender_key, -1),
		       s.business_date,
		       s.amount,
		       %s,
		       %s,
		       now()
		FROM staging_tx_payment s
		LEFT JOIN dim_tender d ON d.tender_type = s.tender_type
		LEFT JOIN fact_sales h ON h.transaction_id = s.transaction_id
		WHERE s.batch_id = $1
		ON CONFLICT (payment_id) DO UPDATE SET
			transaction_id     = EXCLUDED.transaction_id,
			tender_key         = EXCLUDED.tender_key,
			business_date      = EXCLUDED.business_date,
			amount             = EXCLUDED.amount,
			allocated_tax      = EXCLUDED.allocated_tax,
			allocated_discount = EXCLUDED.allocated_discount,
			merged_at          = now()`,
		allocationExpr("COALESCE(h.tax_amount, 0)", "s.amount", "COALESCE(h.total_amount, 0)"),
		allocationExpr("COALESCE(h.discount_amount, 0)", "s.amount", "COALESCE(h.total_amount, 0)"))

	tag, err := tx.Exec(ctx, stmt, batchID)
	if err != nil {
		return 0, fmt.Errorf("merge payments for batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

// allocationCrossCheck samples merged transactions from the batch and
// replays the allocation in Go, logging a warning when the warehouse
// arithmetic drifts past epsilon. Advisory only; the merge has committed.
func (e *Engine) allocationCrossCheck(ctx context.Context, batchID string) {
	rows, err := e.pool.Query(ctx, `
		SELECT h.total_amount::float8,
		       h.tax_amount::float8,
		       array_agg(s.amount ORDER BY s.payment_id)::float8[],
		       SUM(f.allocated_tax)::float8
		FROM staging_tx_payment s
		JOIN fact_sales h ON h.transaction_id = s.transaction_id
		JOIN fact_payment f ON f.payment_id = s.payment_id
		WHERE s.batch_id = $1
		GROUP BY h.transaction_id, h.total_amount, h.tax_amount
		LIMIT 50`, batchID)
	if err != nil {
		e.log.WithError(err).Warn("allocation cross-check query failed")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var total, tax, allocatedSum float64
		var amounts []float64
		if err := rows.Scan(&total, &tax, &amounts, &allocatedSum); err != nil {
			e.log.WithError(err).Warn("allocation cross-check scan failed")
			return
		}

		var want float64
		for _, share := range AllocateShares(total, amounts, tax) {
			want += share
		}
		if math.Abs(want-allocatedSum) > e.epsilon {
			e.log.WithFields(logrus.Fields{
				"batch":    batchID,
				"expected": want,
				"actual":   allocatedSum,
			}).Warn("allocated tax drifts from reference allocation")
		}
	}
}

// Prune archives (when configured) and purges staging rows older than the
// retention window. Archive failure skips the purge so no data is lost.
func (e *Engine) Prune(ctx context.Context, sch *source.Schema) (int64, error) {
	if e.retention <= 0 {
		return 0, nil
	}

	if e.archiver != nil {
		const archiveLimit = 50000
		cutoff := time.Now().Add(-e.retention)
		batch, err := e.loader.RowsOlderThan(ctx, sch, cutoff, archiveLimit)
		if err != nil {
			return 0, fmt.Errorf("collect rows for archive: %w", err)
		}
		if len(batch) == archiveLimit {
			// More stale rows than one archive object should hold; retain
			// everything and let the next prune cycle catch up.
			e.log.WithField("resource", sch.Resource).Warn("archive backlog exceeds batch limit, deferring purge")
			return 0, nil
		}
		if len(batch) > 0 {
			path, err := e.archiver.ArchiveRows(ctx, sch, batch)
			if err != nil {
				e.log.WithError(err).Warn("staging archive failed, retaining rows")
				return 0, nil
			}
			e.log.WithFields(logrus.Fields{
				"resource": sch.Resource,
				"rows":     len(batch),
				"path":     path,
			}).Info("staging rows archived")
		}
	}

	return e.loader.PurgeOlderThan(ctx, sch, e.retention)
}
