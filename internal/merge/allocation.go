package merge

import "fmt"

// AllocateShares distributes a parent-level measure across sub-records in
// proportion to each sub-record's share of the parent total:
//
//	weight    = subAmount / parentTotal
//	allocated = measure * weight
//
// A zero parent total yields zero allocations; negative amounts (reversals)
// participate with their sign intact.
func AllocateShares(parentTotal float64, subAmounts []float64, measure float64) []float64 {
	out := make([]float64, len(subAmounts))
	if parentTotal == 0 {
		return out
	}
	for i, amount := range subAmounts {
		out[i] = measure * (amount / parentTotal)
	}
	return out
}

// allocationExpr renders the SQL form of AllocateShares for the set-based
// payment merge. measure and total are header columns, amount the payment
// column.
func allocationExpr(measure, amount, total string) string {
	return "CASE WHEN " + total + " <> 0 THEN " + measure + " * (" + amount + " / " + total + ") ELSE 0 END"
}

// reallocatePaymentsSQL recomputes payment allocations for every
// transaction in a header batch. Payment chunks can merge before their
// header is known (jobs for different resources run concurrently), in
// which case the payment row lands with zero allocations; this statement
// makes the header merge repair them, so either arrival order converges
// to the same facts.
func reallocatePaymentsSQL() string {
	return fmt.Sprintf(`
		UPDATE fact_payment f
		SET allocated_tax      = %s,
		    allocated_discount = %s,
		    merged_at          = now()
		FROM fact_sales h
		WHERE h.transaction_id = f.transaction_id
		  AND h.transaction_id IN (
			SELECT transaction_id FROM staging_tx_header WHERE batch_id = $1)`,
		allocationExpr("h.tax_amount", "f.amount", "h.total_amount"),
		allocationExpr("COALESCE(h.discount_amount, 0)", "f.amount", "h.total_amount"))
}
