package merge

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlift/ledgerlift-core/internal/source"
	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

func TestReallocatePaymentsSQL_Shape(t *testing.T) {
	sql := reallocatePaymentsSQL()

	assert.Contains(t, sql, "UPDATE fact_payment f")
	assert.Contains(t, sql, "FROM fact_sales h")
	assert.Contains(t, sql, "allocated_tax")
	assert.Contains(t, sql, "allocated_discount")
	// Scoped to the header batch being merged, never the whole table.
	assert.Contains(t, sql, "SELECT transaction_id FROM staging_tx_header WHERE batch_id = $1")
	// Zero-total headers must not divide.
	assert.Contains(t, sql, "CASE WHEN h.total_amount <> 0")
}

// Integration tests below need a real Postgres; they are skipped unless
// LEDGERLIFT_TEST_DATABASE_URL is set.

type mergeHarness struct {
	pool   *pgxpool.Pool
	loader *staging.Loader
	engine *Engine
}

func testEngine(t *testing.T) *mergeHarness {
	t.Helper()
	dsn := os.Getenv("LEDGERLIFT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGERLIFT_TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)

	loader := staging.NewLoader(pool, 100, entry)
	for _, res := range source.Resources() {
		sch, err := source.SchemaFor(res)
		require.NoError(t, err)
		require.NoError(t, loader.EnsureSchema(context.Background(), sch))
	}

	engine := NewEngine(pool, loader, 0, 0.01, nil, entry)
	require.NoError(t, engine.EnsureWarehouse(context.Background()))
	return &mergeHarness{pool: pool, loader: loader, engine: engine}
}

func (h *mergeHarness) stageAndMerge(t *testing.T, resource string, recs []source.Record) {
	t.Helper()
	sch, err := source.SchemaFor(resource)
	require.NoError(t, err)

	batchID := "test-" + uuid.NewString()
	_, err = h.loader.StageBatch(context.Background(), sch, batchID, recs)
	require.NoError(t, err)
	_, err = h.engine.MergeChunk(context.Background(), sch, batchID)
	require.NoError(t, err)
}

func (h *mergeHarness) paymentAllocations(t *testing.T, paymentID string) (tax, discount float64) {
	t.Helper()
	err := h.pool.QueryRow(context.Background(), `
		SELECT allocated_tax::float8, allocated_discount::float8
		FROM fact_payment WHERE payment_id = $1`, paymentID).Scan(&tax, &discount)
	require.NoError(t, err)
	return tax, discount
}

func headerRecord(txID string, total, tax, discount float64) source.Record {
	return source.Record{
		"transaction_id":  txID,
		"store_code":      "S001",
		"business_date":   "2025-03-01T10:00:00Z",
		"total_amount":    total,
		"tax_amount":      tax,
		"discount_amount": discount,
		"is_reversal":     false,
		"channel":         "pos",
	}
}

func paymentRecord(payID, txID string, amount float64) source.Record {
	return source.Record{
		"payment_id":     payID,
		"transaction_id": txID,
		"business_date":  "2025-03-01T10:00:00Z",
		"tender_type":    "card",
		"amount":         amount,
	}
}

func TestEngine_Integration_PaymentsMergedBeforeHeaderConverge(t *testing.T) {
	h := testEngine(t)
	txID := "tx-" + uuid.NewString()[:8]
	payA := txID + "-p1"
	payB := txID + "-p2"

	// Payments arrive first: no header row exists yet, so the merge can
	// only record zero allocations.
	h.stageAndMerge(t, "tx_payment", []source.Record{
		paymentRecord(payA, txID, 60.0),
		paymentRecord(payB, txID, 40.0),
	})

	tax, discount := h.paymentAllocations(t, payA)
	assert.Zero(t, tax)
	assert.Zero(t, discount)

	// The header merge must repair the earlier payments, not leave them
	// frozen at zero.
	h.stageAndMerge(t, "tx_header", []source.Record{
		headerRecord(txID, 100.0, 10.0, 5.0),
	})

	tax, discount = h.paymentAllocations(t, payA)
	assert.InDelta(t, 6.0, tax, 1e-6)
	assert.InDelta(t, 3.0, discount, 1e-6)

	tax, discount = h.paymentAllocations(t, payB)
	assert.InDelta(t, 4.0, tax, 1e-6)
	assert.InDelta(t, 2.0, discount, 1e-6)
}

func TestEngine_Integration_HeaderFirstOrderMatchesPaymentFirst(t *testing.T) {
	h := testEngine(t)
	txID := "tx-" + uuid.NewString()[:8]
	payID := txID + "-p1"

	h.stageAndMerge(t, "tx_header", []source.Record{
		headerRecord(txID, 200.0, 16.0, 0.0),
	})
	h.stageAndMerge(t, "tx_payment", []source.Record{
		paymentRecord(payID, txID, 200.0),
	})

	tax, discount := h.paymentAllocations(t, payID)
	assert.InDelta(t, 16.0, tax, 1e-6)
	assert.Zero(t, discount)
}

func TestEngine_Integration_RemergedHeaderRecomputesAllocations(t *testing.T) {
	h := testEngine(t)
	txID := "tx-" + uuid.NewString()[:8]
	payID := txID + "-p1"

	h.stageAndMerge(t, "tx_payment", []source.Record{paymentRecord(payID, txID, 50.0)})
	h.stageAndMerge(t, "tx_header", []source.Record{headerRecord(txID, 50.0, 4.0, 0.0)})

	tax, _ := h.paymentAllocations(t, payID)
	require.InDelta(t, 4.0, tax, 1e-6)

	// A corrected header re-extracted later must flow through to the
	// payment allocations as well.
	h.stageAndMerge(t, "tx_header", []source.Record{headerRecord(txID, 50.0, 5.0, 0.0)})

	tax, _ = h.paymentAllocations(t, payID)
	assert.InDelta(t, 5.0, tax, 1e-6)
}

func TestEngine_Integration_ZeroTotalHeaderAllocatesNothing(t *testing.T) {
	h := testEngine(t)
	txID := "tx-" + uuid.NewString()[:8]
	payID := txID + "-p1"

	h.stageAndMerge(t, "tx_payment", []source.Record{paymentRecord(payID, txID, 0.0)})
	h.stageAndMerge(t, "tx_header", []source.Record{headerRecord(txID, 0.0, 0.0, 0.0)})

	tax, discount := h.paymentAllocations(t, payID)
	assert.Zero(t, tax)
	assert.Zero(t, discount)
}
