package bulkload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/retrypolicy"
)

// Report summarizes one replication run.
type Report struct {
	Partitions []*Partition
	Done       int
	Skipped    int
	Failed     int
	Rows       int64
}

// Ok reports whether every partition finished.
func (r *Report) Ok() bool { return r.Failed == 0 }

// Replicator streams partitions from source to destination with a bounded
// worker pool. The pool is kept deliberately small: concurrent writers to
// one destination table raise lock-contention and deadlock probability, so
// contention is handled by bounded concurrency plus retry-on-conflict
// rather than fine-grained locking.
type Replicator struct {
	src       SourceReader
	dst       DestWriter
	policy    *retrypolicy.Policy
	workers   int
	batchSize int
	log       *logrus.Entry

	// Observe, when set, receives each partition's terminal state.
	Observe func(p *Partition, d time.Duration)
}

// NewReplicator builds a replicator with the given worker cap.
func NewReplicator(src SourceReader, dst DestWriter, policy *retrypolicy.Policy, workers, batchSize int, log *logrus.Entry) *Replicator {
	if workers <= 0 {
		workers = 2
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Replicator{
		src:       src,
		dst:       dst,
		policy:    policy,
		workers:   workers,
		batchSize: batchSize,
		log:       log,
	}
}

// Run replicates all partitions. With resume set, partitions whose
// destination data already reaches their upper bound are skipped; a
// partition whose data stops mid-range is treated as incomplete and
// reprocessed. Partition failures are contained: siblings continue, and
// the report lists every terminal state.
func (r *Replicator) Run(ctx context.Context, spec TableSpec, parts []*Partition, resume bool) (*Report, error) {
	if len(parts) == 0 {
		return &Report{}, nil
	}

	// Index suspension is a throughput aid only; a failure here must not
	// stop the load.
	if err := r.dst.SuspendIndexes(ctx, spec); err != nil {
		r.log.WithError(err).Warn("index suspension failed, loading with indexes in place")
	}
	defer func() {
		if err := r.dst.RebuildIndexes(context.WithoutCancel(ctx), spec); err != nil {
			r.log.WithError(err).Warn("index rebuild failed, rebuild manually")
		}
	}()

	jobs := make(chan *Partition)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range jobs {
				r.runPartition(ctx, spec, part, resume)
			}
		}()
	}

	for _, part := range parts {
		select {
		case jobs <- part:
		case <-ctx.Done():
			// In-flight partitions finish or abort whole; queued ones stay
			// pending for the next resume pass.
			close(jobs)
			wg.Wait()
			return r.report(parts), ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	report := r.report(parts)
	if report.Failed > 0 {
		return report, fmt.Errorf("%d of %d partitions failed", report.Failed, len(parts))
	}
	return report, nil
}

func (r *Replicator) report(parts []*Partition) *Report {
	rep := &Report{Partitions: parts}
	for _, p := range parts {
		switch p.State {
		case StateDone:
			if p.Attempts == 0 {
				rep.Skipped++
			} else {
				rep.Done++
			}
			rep.Rows += p.Rows
		case StateFailed:
			rep.Failed++
		}
	}
	return rep
}

func (r *Replicator) runPartition(ctx context.Context, spec TableSpec, part *Partition, resume bool) {
	start := time.Now()
	plog := r.log.WithFields(logrus.Fields{"table": spec.Dest, "partition": part.ID})

	if resume {
		complete, err := r.alreadyComplete(ctx, spec, part, plog)
		if err != nil {
			part.State = StateFailed
			part.Err = err
			plog.WithError(err).Error("resume verification failed")
			r.observed(part, start)
			return
		}
		if complete {
			part.State = StateDone
			plog.Info("partition already complete, skipping")
			r.observed(part, start)
			return
		}
	}

	err := r.policy.Retry(ctx, retrypolicy.ClassLockConflict, func(ctx context.Context) error {
		part.Attempts++
		return r.streamPartition(ctx, spec, part)
	})
	if err != nil {
		part.State = StateFailed
		part.Err = err
		if isLockConflict(err) {
			part.Err = &LockConflictError{Partition: part.ID, Err: err}
		}
		plog.WithError(part.Err).WithField("attempts", part.Attempts).Error("partition failed")
		r.observed(part, start)
		return
	}

	part.State = StateVerifying
	if err := r.verify(ctx, spec, part); err != nil {
		part.State = StateFailed
		part.Err = err
		plog.WithError(err).Error("partition verification failed")
		r.observed(part, start)
		return
	}

	part.State = StateDone
	plog.WithFields(logrus.Fields{
		"rows":     part.Rows,
		"attempts": part.Attempts,
		"duration": time.Since(start).String(),
	}).Info("partition replicated")
	r.observed(part, start)
}

// streamPartition is one full delete-then-insert attempt. The delete and
// the streamed inserts together make the attempt idempotent: a retry
// starts from a clean slate.
func (r *Replicator) streamPartition(ctx context.Context, spec TableSpec, part *Partition) error {
	part.State = StateStreaming
	part.Rows = 0

	if _, err := r.dst.DeleteRange(ctx, spec, part.Lower, part.Upper); err != nil {
		return classifyAttemptErr(err)
	}

	_, err := r.src.StreamRange(ctx, spec, part.Lower, part.Upper, r.batchSize, func(batch [][]any) error {
		n, err := r.dst.InsertBatch(ctx, spec, batch)
		if err != nil {
			return classifyAttemptErr(err)
		}
		part.Rows += n
		return nil
	})
	return err
}

// classifyAttemptErr keeps lock conflicts retryable and marks everything
// else permanent for the retry policy.
func classifyAttemptErr(err error) error {
	if err == nil || isLockConflict(err) {
		return err
	}
	return retrypolicy.Permanent(err)
}

// alreadyComplete re-derives completeness from the destination itself: a
// partition counts as done only when its max timestamp reaches the
// partition tail. Partial data is reported and reprocessed.
func (r *Replicator) alreadyComplete(ctx context.Context, spec TableSpec, part *Partition, plog *logrus.Entry) (bool, error) {
	max, err := r.dst.MaxTime(ctx, spec, part.Lower, part.Upper)
	if err != nil {
		return false, err
	}
	if max == nil {
		return false, nil
	}
	if !max.Before(part.Tail()) {
		return true, nil
	}
	plog.WithError(&ResumeInconsistencyError{
		Partition: part.ID,
		MaxSeen:   *max,
		Want:      part.Tail(),
	}).Warn("partition data stops mid-range, reprocessing")
	return false, nil
}

func (r *Replicator) verify(ctx context.Context, spec TableSpec, part *Partition) error {
	if part.Rows == 0 {
		// An empty source range is a legitimately empty partition.
		return nil
	}
	max, err := r.dst.MaxTime(ctx, spec, part.Lower, part.Upper)
	if err != nil {
		return err
	}
	if max == nil {
		return &ResumeInconsistencyError{Partition: part.ID, Want: part.Tail()}
	}
	return nil
}

func (r *Replicator) observed(part *Partition, start time.Time) {
	if r.Observe != nil {
		r.Observe(part, time.Since(start))
	}
}
