// Package metrics emits per-chunk and per-partition operational samples.
// The primary sink is the structured log; a Pusher can forward the same
// samples to an external collector.
package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChunkSample is one committed cursor-mode chunk.
type ChunkSample struct {
	Job      string
	Sequence int
	APICalls int
	Rows     int64
	Retries  int
	Duration time.Duration
}

// PartitionSample is one terminal bulk-load partition.
type PartitionSample struct {
	Partition string
	State     string
	Rows      int64
	Attempts  int
	Duration  time.Duration
}

// Pusher forwards samples to an external collector. Push failures are the
// pusher's problem; the emitter never blocks a replication run on them.
type Pusher interface {
	PushChunk(s ChunkSample)
	PushPartition(s PartitionSample)
}

// Emitter aggregates run totals and logs every sample.
type Emitter struct {
	mu     sync.Mutex
	log    *logrus.Entry
	pusher Pusher

	chunks     int
	rows       int64
	apiCalls   int
	partitions int
}

// NewEmitter builds an emitter. pusher may be nil.
func NewEmitter(log *logrus.Entry, pusher Pusher) *Emitter {
	return &Emitter{log: log, pusher: pusher}
}

// Chunk records one committed chunk.
func (e *Emitter) Chunk(s ChunkSample) {
	e.mu.Lock()
	e.chunks++
	e.rows += s.Rows
	e.apiCalls += s.APICalls
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"job":       s.Job,
		"sequence":  s.Sequence,
		"api_calls": s.APICalls,
		"rows":      s.Rows,
		"retries":   s.Retries,
		"duration":  s.Duration.String(),
	}).Info("chunk committed")

	if e.pusher != nil {
		e.pusher.PushChunk(s)
	}
}

// Partition records one terminal partition.
func (e *Emitter) Partition(s PartitionSample) {
	e.mu.Lock()
	e.partitions++
	e.rows += s.Rows
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"partition": s.Partition,
		"state":     s.State,
		"rows":      s.Rows,
		"attempts":  s.Attempts,
		"duration":  s.Duration.String(),
	}).Info("partition finished")

	if e.pusher != nil {
		e.pusher.PushPartition(s)
	}
}

// Summary holds whole-run totals for the exit report.
type Summary struct {
	Chunks     int
	Partitions int
	Rows       int64
	APICalls   int
}

// Summary returns the totals accumulated so far.
func (e *Emitter) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{
		Chunks:     e.chunks,
		Partitions: e.partitions,
		Rows:       e.rows,
		APICalls:   e.apiCalls,
	}
}
