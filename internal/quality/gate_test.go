package quality

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

func newGate(epsilon float64) *Gate {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewGate(epsilon, logrus.NewEntry(log))
}

func TestValidate_AllChecksPass(t *testing.T) {
	g := newGate(0.01)

	staged := &staging.Stats{
		Rows:        2400,
		DistinctIDs: 2400,
		Sums:        map[string]float64{"total_amount": 1234.56},
	}
	results, err := g.Validate("batch-1", staged, Expected{
		Rows: 2400,
		Sums: map[string]float64{"total_amount": 1234.56},
	})

	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Passed, r.CheckName)
	}
}

func TestValidate_DuplicateIDsBlock(t *testing.T) {
	g := newGate(0.01)

	staged := &staging.Stats{Rows: 100, DistinctIDs: 98, Sums: map[string]float64{}}
	_, err := g.Validate("batch-1", staged, Expected{Rows: 100})

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Error(), "natural_id_uniqueness")
}

func TestValidate_RowCountMismatchBlocks(t *testing.T) {
	g := newGate(0.01)

	staged := &staging.Stats{Rows: 99, DistinctIDs: 99, Sums: map[string]float64{}}
	_, err := g.Validate("batch-1", staged, Expected{Rows: 100})

	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Error(), "row_count_reconciliation")
}

func TestValidate_SumToleranceIsConfigurable(t *testing.T) {
	staged := &staging.Stats{
		Rows:        10,
		DistinctIDs: 10,
		Sums:        map[string]float64{"total_amount": 100.004},
	}
	expected := Expected{Rows: 10, Sums: map[string]float64{"total_amount": 100.0}}

	_, err := newGate(0.01).Validate("b", staged, expected)
	assert.NoError(t, err, "within epsilon must pass")

	_, err = newGate(0.001).Validate("b", staged, expected)
	var violation *Violation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Error(), "measure_sum:total_amount")
}

func TestValidate_NegativeReversalsCountAsIs(t *testing.T) {
	// Reversal transactions carry negative amounts; their contribution is
	// part of correct totals, not an anomaly.
	g := newGate(0.01)
	staged := &staging.Stats{
		Rows:        2,
		DistinctIDs: 2,
		Sums:        map[string]float64{"total_amount": 50.0 - 20.0},
	}
	_, err := g.Validate("b", staged, Expected{
		Rows: 2,
		Sums: map[string]float64{"total_amount": 30.0},
	})
	assert.NoError(t, err)
}

func TestValidate_AllChecksReportedEvenAfterFailure(t *testing.T) {
	g := newGate(0.01)
	staged := &staging.Stats{
		Rows:        5,
		DistinctIDs: 4,
		Sums:        map[string]float64{"total_amount": 1.0},
	}
	results, err := g.Validate("b", staged, Expected{
		Rows: 6,
		Sums: map[string]float64{"total_amount": 99.0},
	})

	require.Error(t, err)
	assert.Len(t, results, 3, "every check runs for the audit log")
}
