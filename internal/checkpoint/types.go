package checkpoint

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a replication job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Identity names a replication job. Two invocations with the same identity
// resume the same checkpoint row.
type Identity struct {
	Resource   string
	RangeStart time.Time
	RangeEnd   time.Time
}

// Key renders the identity as a stable string for logs and metrics.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%s:%s",
		id.Resource,
		id.RangeStart.UTC().Format("2006-01-02"),
		id.RangeEnd.UTC().Format("2006-01-02"))
}

// Job is the durable per-identity progress record. LastCursor is owned
// exclusively by the store and only advances through CommitChunk.
type Job struct {
	ID                  int64
	Identity            Identity
	LastCursor          string
	Status              Status
	RowsProcessed       int64
	LastChunkDurationMs int64
	UpdatedAt           time.Time
}

// Chunk is the ephemeral unit of work between two checkpoint commits. Its
// success is what advances the job's cursor.
type Chunk struct {
	JobID       int64
	Sequence    int
	APICalls    int
	Retries     int
	Rows        int64
	Duration    time.Duration
	StartCursor string
	EndCursor   string
}
