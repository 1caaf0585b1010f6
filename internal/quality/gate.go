// Package quality validates staged data before it may be promoted into
// the warehouse. The gate is hard: any failed check blocks the merge,
// leaves staged rows in place, and keeps the checkpoint where it was.
package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

// CheckResult is one named validation outcome. Results live only in audit
// logs; they are never persisted.
type CheckResult struct {
	CheckName string
	Passed    bool
	Expected  string
	Actual    string
}

// Violation aggregates the failed checks for a chunk. It halts promotion:
// the run exits non-zero and the operator triages against the retained
// staged rows.
type Violation struct {
	BatchID string
	Results []CheckResult
}

func (v *Violation) Error() string {
	var failed []string
	for _, r := range v.Results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s (expected %s, got %s)", r.CheckName, r.Expected, r.Actual))
		}
	}
	return fmt.Sprintf("data quality violation in batch %s: %s", v.BatchID, strings.Join(failed, "; "))
}

// Expected carries what the cursor client reported for the chunk, to be
// reconciled against what actually landed in staging.
type Expected struct {
	Rows int64
	// Sums are the per-measure totals computed from the fetched records.
	Sums map[string]float64
}

// Gate runs the structural checks for one chunk.
type Gate struct {
	// Epsilon is the tolerance for aggregate-sum comparisons. Exposed as
	// config rather than a fixed business threshold.
	Epsilon float64

	log *logrus.Entry
}

// NewGate builds a gate with the configured sum tolerance.
func NewGate(epsilon float64, log *logrus.Entry) *Gate {
	if epsilon <= 0 {
		epsilon = 0.01
	}
	return &Gate{Epsilon: epsilon, log: log}
}

// Validate reconciles a staged batch against the client-reported expected
// values. All checks run even after a failure so the audit log shows the
// full picture; any failure returns a *Violation.
func (g *Gate) Validate(batchID string, staged *staging.Stats, expected Expected) ([]CheckResult, error) {
	results := []CheckResult{
		{
			CheckName: "natural_id_uniqueness",
			Passed:    staged.DistinctIDs == staged.Rows,
			Expected:  fmt.Sprintf("%d distinct ids", staged.Rows),
			Actual:    fmt.Sprintf("%d distinct ids", staged.DistinctIDs),
		},
		{
			CheckName: "row_count_reconciliation",
			Passed:    staged.Rows == expected.Rows,
			Expected:  fmt.Sprintf("%d rows", expected.Rows),
			Actual:    fmt.Sprintf("%d rows", staged.Rows),
		},
	}

	for measure, want := range expected.Sums {
		got := staged.Sums[measure]
		results = append(results, CheckResult{
			CheckName: "measure_sum:" + measure,
			Passed:    math.Abs(got-want) <= g.Epsilon,
			Expected:  fmt.Sprintf("%.4f", want),
			Actual:    fmt.Sprintf("%.4f", got),
		})
	}

	violated := false
	for _, r := range results {
		entry := g.log.WithFields(logrus.Fields{
			"batch":    batchID,
			"check":    r.CheckName,
			"expected": r.Expected,
			"actual":   r.Actual,
		})
		if r.Passed {
			entry.Debug("quality check passed")
		} else {
			violated = true
			entry.Error("quality check failed")
		}
	}

	if violated {
		return results, &Violation{BatchID: batchID, Results: results}
	}
	return results, nil
}
