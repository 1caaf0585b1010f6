package bulkload

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// LockConflictError marks a destination write that lost to a concurrent
// lock holder. Partition-local: the worker retries with backoff, and
// exhaustion fails only that partition.
type LockConflictError struct {
	Partition string
	Err       error
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on partition %s: %v", e.Partition, e.Err)
}

func (e *LockConflictError) Unwrap() error { return e.Err }

// ResumeInconsistencyError reports a partition whose destination data
// stops short of its declared upper bound on resume. Never silently
// accepted: the partition is reprocessed.
type ResumeInconsistencyError struct {
	Partition string
	MaxSeen   time.Time
	Want      time.Time
}

func (e *ResumeInconsistencyError) Error() string {
	return fmt.Sprintf("partition %s is incomplete on resume: max timestamp %s short of %s",
		e.Partition, e.MaxSeen.Format(time.RFC3339), e.Want.Format(time.RFC3339))
}

// Postgres SQLSTATEs that indicate lock contention between concurrent
// partition writers rather than a real failure.
var lockConflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// isLockConflict classifies driver errors from either connection stack.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return lockConflictCodes[pgErr.Code]
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return lockConflictCodes[string(pqErr.Code)]
	}
	return false
}
