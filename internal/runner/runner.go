// Package runner drives cursor-mode replication: extract pages into
// chunks, stage, gate, merge, checkpoint. Extraction within one job is
// strictly sequential because every continuation token depends on the
// previous response; parallelism happens only across independent jobs.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/checkpoint"
	"github.com/ledgerlift/ledgerlift-core/internal/chunker"
	"github.com/ledgerlift/ledgerlift-core/internal/merge"
	"github.com/ledgerlift/ledgerlift-core/internal/quality"
	"github.com/ledgerlift/ledgerlift-core/internal/source"
	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

// PageFetcher is the cursor client surface the runner needs. The sample
// carries per-call retry and row counts, which the runner aggregates per
// chunk for the checkpoint history and the observer.
type PageFetcher interface {
	FetchPageSample(ctx context.Context, resource, cursor string) (*source.Page, source.Sample, error)
}

// Stager is the staging loader surface the runner needs.
type Stager interface {
	StageBatch(ctx context.Context, sch *source.Schema, batchID string, recs []source.Record) (int64, error)
	BatchStats(ctx context.Context, sch *source.Schema, batchID string) (*staging.Stats, error)
}

// Gate validates a staged chunk before promotion.
type Gate interface {
	Validate(batchID string, staged *staging.Stats, expected quality.Expected) ([]quality.CheckResult, error)
}

// Merger promotes a validated chunk and prunes stale staging rows.
type Merger interface {
	MergeChunk(ctx context.Context, sch *source.Schema, batchID string) (*merge.Result, error)
	Prune(ctx context.Context, sch *source.Schema) (int64, error)
}

// CheckpointStore persists job progress.
type CheckpointStore interface {
	LoadJob(ctx context.Context, id checkpoint.Identity) (*checkpoint.Job, error)
	CreateJob(ctx context.Context, id checkpoint.Identity) (*checkpoint.Job, error)
	CommitChunk(ctx context.Context, chunk checkpoint.Chunk, status checkpoint.Status) error
	SetStatus(ctx context.Context, jobID int64, status checkpoint.Status) error
	ResetCursor(ctx context.Context, jobID int64) error
}

// ChunkObserver receives one record per committed chunk.
type ChunkObserver func(jobKey string, chunk checkpoint.Chunk)

// Runner executes one or more cursor-mode jobs.
type Runner struct {
	fetcher PageFetcher
	stager  Stager
	gate    Gate
	merger  Merger
	store   CheckpointStore
	log     *logrus.Entry

	// ChunkMin/ChunkMax/Target configure the per-job adaptive controller.
	ChunkMin int
	ChunkMax int
	Target   time.Duration

	// Fresh discards any existing checkpoint and re-extracts the window
	// from the beginning. Safe because staging and merge upsert by
	// natural id.
	Fresh bool

	// Observe, when set, is called after every committed chunk.
	Observe ChunkObserver
}

// New builds a runner over the injected pipeline stages.
func New(fetcher PageFetcher, stager Stager, gate Gate, merger Merger, store CheckpointStore, log *logrus.Entry) *Runner {
	return &Runner{
		fetcher:  fetcher,
		stager:   stager,
		gate:     gate,
		merger:   merger,
		store:    store,
		log:      log,
		ChunkMin: 1,
		ChunkMax: 16,
		Target:   30 * time.Second,
	}
}

// Result reports one finished job.
type Result struct {
	Job    *checkpoint.Job
	Chunks int
	Rows   int64
}

// Run executes one job identity to completion, resuming from the last
// committed cursor. The API has no server-side range filter, so items
// outside the job's window are discarded client-side after fetching.
func (r *Runner) Run(ctx context.Context, id checkpoint.Identity) (*Result, error) {
	sch, err := source.SchemaFor(id.Resource)
	if err != nil {
		return nil, err
	}

	job, err := r.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		if job, err = r.store.CreateJob(ctx, id); err != nil {
			return nil, err
		}
	}
	if r.Fresh && (job.LastCursor != "" || job.Status != checkpoint.StatusPending) {
		if err := r.store.ResetCursor(ctx, job.ID); err != nil {
			return nil, err
		}
		job.LastCursor = ""
		job.Status = checkpoint.StatusPending
	}
	if job.Status == checkpoint.StatusSucceeded {
		r.log.WithField("job", id.Key()).Info("job already succeeded, nothing to do")
		return &Result{Job: job}, nil
	}
	if err := r.store.SetStatus(ctx, job.ID, checkpoint.StatusRunning); err != nil {
		return nil, err
	}

	jlog := r.log.WithField("job", id.Key())
	ctrl := chunker.New(r.ChunkMin, r.ChunkMax, r.Target)
	cursor := job.LastCursor
	result := &Result{Job: job}
	sequence := 0

	for {
		sequence++
		chunk, done, err := r.runChunk(ctx, sch, id, job.ID, sequence, cursor, ctrl.Size())
		if err != nil {
			// Chunk-level failures leave the checkpoint at the previous
			// chunk; the next invocation resumes from there.
			_ = r.store.SetStatus(ctx, job.ID, checkpoint.StatusFailed)
			return result, err
		}

		status := checkpoint.StatusRunning
		if done {
			status = checkpoint.StatusSucceeded
		}
		if err := r.store.CommitChunk(ctx, *chunk, status); err != nil {
			_ = r.store.SetStatus(ctx, job.ID, checkpoint.StatusFailed)
			return result, err
		}

		result.Chunks++
		result.Rows += chunk.Rows
		if r.Observe != nil {
			r.Observe(id.Key(), *chunk)
		}
		ctrl.Observe(chunk.Duration)
		cursor = chunk.EndCursor

		if done {
			break
		}
	}

	if _, err := r.merger.Prune(ctx, sch); err != nil {
		jlog.WithError(err).Warn("staging prune failed")
	}

	jlog.WithFields(logrus.Fields{
		"chunks": result.Chunks,
		"rows":   result.Rows,
	}).Info("job succeeded")
	return result, nil
}

// runChunk performs one extract-stage-gate-merge cycle. done reports that
// the upstream signalled end-of-data inside this chunk.
func (r *Runner) runChunk(ctx context.Context, sch *source.Schema, id checkpoint.Identity, jobID int64, sequence int, startCursor string, calls int) (*checkpoint.Chunk, bool, error) {
	start := time.Now()
	batchID := "chunk-" + uuid.NewString()

	var (
		records  []source.Record
		cursor   = startCursor
		done     bool
		apiCalls int
		retries  int
		expected = quality.Expected{Sums: make(map[string]float64)}
	)

	for call := 0; call < calls; call++ {
		page, sample, err := r.fetcher.FetchPageSample(ctx, id.Resource, cursor)
		if err != nil {
			return nil, false, fmt.Errorf("fetch page for %s: %w", id.Key(), err)
		}
		apiCalls++
		retries += sample.Retries

		if len(page.Items) == 0 || page.NextCursor == "" {
			done = true
		}
		if page.NextCursor != "" {
			cursor = page.NextCursor
		}

		for _, item := range page.Items {
			if !r.inWindow(item, sch, id) {
				continue
			}
			records = append(records, item)
			for _, m := range sch.MeasureFields() {
				expected.Sums[m] += measureValue(item[m])
			}
		}
		if done {
			break
		}
	}
	expected.Rows = int64(len(records))

	if len(records) > 0 {
		if _, err := r.stager.StageBatch(ctx, sch, batchID, records); err != nil {
			return nil, false, err
		}

		stats, err := r.stager.BatchStats(ctx, sch, batchID)
		if err != nil {
			return nil, false, err
		}

		// The gate is hard: on violation the staged rows stay for triage
		// and the checkpoint is never advanced past this chunk.
		if _, err := r.gate.Validate(batchID, stats, expected); err != nil {
			return nil, false, err
		}

		if _, err := r.merger.MergeChunk(ctx, sch, batchID); err != nil {
			return nil, false, err
		}
	}

	return &checkpoint.Chunk{
		JobID:       jobID,
		Sequence:    sequence,
		APICalls:    apiCalls,
		Retries:     retries,
		Rows:        int64(len(records)),
		Duration:    time.Since(start),
		StartCursor: startCursor,
		EndCursor:   cursor,
	}, done, nil
}

// inWindow applies the client-side date filter for the job's range.
func (r *Runner) inWindow(item source.Record, sch *source.Schema, id checkpoint.Identity) bool {
	raw, ok := item[sch.TimeField]
	if !ok {
		return true
	}
	s, ok := raw.(string)
	if !ok {
		return true
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return true
	}
	return !ts.Before(id.RangeStart) && ts.Before(id.RangeEnd)
}

func measureValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// RunMany executes independent job identities with bounded parallelism.
// Each job is internally sequential; the cap bounds concurrent jobs.
func (r *Runner) RunMany(ctx context.Context, ids []checkpoint.Identity, cap int) ([]*Result, error) {
	if cap <= 0 {
		cap = 1
	}

	type outcome struct {
		idx int
		res *Result
		err error
	}

	jobs := make(chan int)
	results := make(chan outcome, len(ids))
	var wg sync.WaitGroup

	for w := 0; w < cap; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res, err := r.Run(ctx, ids[idx])
				results <- outcome{idx: idx, res: res, err: err}
			}
		}()
	}

	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]*Result, len(ids))
	var firstErr error
	for o := range results {
		out[o.idx] = o.res
		if o.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("job %s: %w", ids[o.idx].Key(), o.err)
		}
	}
	return out, firstErr
}
