package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlift/ledgerlift-core/internal/checkpoint"
	"github.com/ledgerlift/ledgerlift-core/internal/merge"
	"github.com/ledgerlift/ledgerlift-core/internal/quality"
	"github.com/ledgerlift/ledgerlift-core/internal/source"
	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

// fakeFetcher replays a fixed cursor walk: each key is a cursor, each
// value the page served for it. retries optionally reports per-cursor
// retry counts in the returned sample.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*source.Page
	calls   []string
	fail    map[string]error
	retries map[string]int
}

func (f *fakeFetcher) FetchPageSample(ctx context.Context, resource, cursor string) (*source.Page, source.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cursor)
	if err := f.fail[cursor]; err != nil {
		return nil, source.Sample{Retries: f.retries[cursor]}, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		page = &source.Page{}
	}
	return page, source.Sample{Rows: len(page.Items), Retries: f.retries[cursor]}, nil
}

// fakeStager keeps staged records in memory and derives stats from them,
// optionally dropping rows to provoke gate failures.
type fakeStager struct {
	mu      sync.Mutex
	batches map[string][]source.Record
	drop    int // silently lose N rows per batch
}

func (f *fakeStager) StageBatch(ctx context.Context, sch *source.Schema, batchID string, recs []source.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batches == nil {
		f.batches = make(map[string][]source.Record)
	}
	kept := recs
	if f.drop > 0 && len(recs) > f.drop {
		kept = recs[:len(recs)-f.drop]
	}
	f.batches[batchID] = kept
	return int64(len(kept)), nil
}

func (f *fakeStager) BatchStats(ctx context.Context, sch *source.Schema, batchID string) (*staging.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &staging.Stats{Sums: make(map[string]float64)}
	seen := make(map[string]bool)
	for _, rec := range f.batches[batchID] {
		stats.Rows++
		seen[fmt.Sprint(rec[sch.NaturalKey])] = true
		for _, m := range sch.MeasureFields() {
			if v, ok := rec[m].(float64); ok {
				stats.Sums[m] += v
			}
		}
	}
	stats.DistinctIDs = int64(len(seen))
	return stats, nil
}

// fakeMerger counts promotions per batch.
type fakeMerger struct {
	mu     sync.Mutex
	merged []string
	prunes int
}

func (f *fakeMerger) MergeChunk(ctx context.Context, sch *source.Schema, batchID string) (*merge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, batchID)
	return &merge.Result{}, nil
}

func (f *fakeMerger) Prune(ctx context.Context, sch *source.Schema) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return 0, nil
}

// fakeStore is an in-memory checkpoint store enforcing the same cursor
// guard as the real one.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[string]*checkpoint.Job
	commits []checkpoint.Chunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*checkpoint.Job)}
}

func (f *fakeStore) LoadJob(ctx context.Context, id checkpoint.Identity) (*checkpoint.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id.Key()]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, id checkpoint.Identity) (*checkpoint.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id.Key()]; ok {
		cp := *job
		return &cp, nil
	}
	f.nextID++
	job := &checkpoint.Job{
		ID:       f.nextID,
		Identity: id,
		Status:   checkpoint.StatusPending,
	}
	f.jobs[id.Key()] = job
	cp := *job
	return &cp, nil
}

func (f *fakeStore) CommitChunk(ctx context.Context, chunk checkpoint.Chunk, status checkpoint.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.ID != chunk.JobID {
			continue
		}
		if job.LastCursor != chunk.StartCursor {
			return fmt.Errorf("refusing to regress cursor for job %d", chunk.JobID)
		}
		job.LastCursor = chunk.EndCursor
		job.Status = status
		f.commits = append(f.commits, chunk)
		return nil
	}
	return fmt.Errorf("no job %d", chunk.JobID)
}

func (f *fakeStore) ResetCursor(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.ID == jobID {
			job.LastCursor = ""
			job.Status = checkpoint.StatusPending
			return nil
		}
	}
	return fmt.Errorf("no job %d", jobID)
}

func (f *fakeStore) SetStatus(ctx context.Context, jobID int64, status checkpoint.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.ID == jobID {
			job.Status = status
			return nil
		}
	}
	return fmt.Errorf("no job %d", jobID)
}

func headerRecords(n int, day time.Time, prefix string) []source.Record {
	recs := make([]source.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, source.Record{
			"transaction_id":  fmt.Sprintf("%s-%d", prefix, i),
			"store_code":      "S001",
			"business_date":   day.Format(time.RFC3339),
			"total_amount":    100.0,
			"tax_amount":      8.0,
			"discount_amount": 0.0,
			"is_reversal":     false,
			"channel":         "pos",
		})
	}
	return recs
}

func testIdentity() checkpoint.Identity {
	return checkpoint.Identity{
		Resource:   "tx_header",
		RangeStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testRunner(fetcher PageFetcher, stager Stager, merger Merger, store CheckpointStore) *Runner {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)
	// A real gate: it has its own unit tests, here it only has to pass
	// honest data through and reject dishonest stagers.
	r := New(fetcher, stager, quality.NewGate(0.01, entry), merger, store, entry)
	r.ChunkMin = 3
	r.ChunkMax = 8
	return r
}

func TestRun_DrainsCursorWalkInChunks(t *testing.T) {
	day := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{
		"":   {Items: headerRecords(1000, day, "a"), NextCursor: "c1"},
		"c1": {Items: headerRecords(1000, day, "b"), NextCursor: "c2"},
		"c2": {Items: headerRecords(400, day, "c"), NextCursor: ""},
	}}
	stager := &fakeStager{}
	merger := &fakeMerger{}
	store := newFakeStore()

	r := testRunner(fetcher, stager, merger, store)
	res, err := r.Run(context.Background(), testIdentity())
	require.NoError(t, err)

	assert.Equal(t, int64(2400), res.Rows)
	assert.Equal(t, 1, res.Chunks, "three pages fit in one chunk of three calls")
	assert.Equal(t, []string{"", "c1", "c2"}, fetcher.calls, "cursors replayed in order")
	assert.Len(t, merger.merged, 1)
	assert.Equal(t, 1, merger.prunes)

	job := store.jobs[testIdentity().Key()]
	assert.Equal(t, checkpoint.StatusSucceeded, job.Status)
	assert.Equal(t, "c2", job.LastCursor)
}

func TestRun_DiscardsItemsOutsideWindow(t *testing.T) {
	inDay := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	outDay := time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC)

	page := &source.Page{Items: headerRecords(10, inDay, "in")}
	page.Items = append(page.Items, headerRecords(5, outDay, "out")...)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{"": page}}
	stager := &fakeStager{}
	store := newFakeStore()

	r := testRunner(fetcher, stager, &fakeMerger{}, store)
	res, err := r.Run(context.Background(), testIdentity())
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Rows, "out-of-window items are filtered client-side")
}

func TestRun_GateViolationBlocksPromotion(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{
		"": {Items: headerRecords(100, day, "a")},
	}}
	stager := &fakeStager{drop: 3} // staged count will not reconcile
	merger := &fakeMerger{}
	store := newFakeStore()

	r := testRunner(fetcher, stager, merger, store)
	_, err := r.Run(context.Background(), testIdentity())
	require.Error(t, err)

	var violation *quality.Violation
	require.ErrorAs(t, err, &violation)

	assert.Empty(t, merger.merged, "violating chunk must not be merged")
	assert.Empty(t, store.commits, "checkpoint must not advance past a violation")
	assert.Equal(t, checkpoint.StatusFailed, store.jobs[testIdentity().Key()].Status)
}

func TestRun_ResumesFromCommittedCursor(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{
		"":   {Items: headerRecords(10, day, "a"), NextCursor: "c1"},
		"c1": {Items: headerRecords(10, day, "b"), NextCursor: ""},
	}}
	store := newFakeStore()

	// A prior run committed through c1.
	id := testIdentity()
	job, err := store.CreateJob(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, store.CommitChunk(context.Background(), checkpoint.Chunk{
		JobID: job.ID, Sequence: 1, StartCursor: "", EndCursor: "c1",
	}, checkpoint.StatusFailed))

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	res, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, fetcher.calls, "resume must not refetch committed pages")
	assert.Equal(t, int64(10), res.Rows)
}

func TestRun_SucceededJobIsNotRerun(t *testing.T) {
	fetcher := &fakeFetcher{}
	store := newFakeStore()

	id := testIdentity()
	job, _ := store.CreateJob(context.Background(), id)
	require.NoError(t, store.SetStatus(context.Background(), job.ID, checkpoint.StatusSucceeded))

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	res, err := r.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls, "a succeeded job makes no API calls")
	assert.Equal(t, 0, res.Chunks)
}

func TestRun_FetchFailureLeavesCheckpointIntact(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		pages: map[string]*source.Page{
			"": {Items: headerRecords(10, day, "a"), NextCursor: "c1"},
		},
		fail: map[string]error{"c1": fmt.Errorf("connection reset")},
	}
	store := newFakeStore()

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	r.ChunkMin = 1 // commit after every page so the first page lands

	_, err := r.Run(context.Background(), testIdentity())
	require.Error(t, err)

	job := store.jobs[testIdentity().Key()]
	assert.Equal(t, "c1", job.LastCursor, "progress through the last good chunk survives")
	assert.Equal(t, checkpoint.StatusFailed, job.Status)
}

func TestRun_FreshDiscardsCheckpoint(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{
		"":   {Items: headerRecords(10, day, "a"), NextCursor: "c1"},
		"c1": {Items: headerRecords(10, day, "b"), NextCursor: ""},
	}}
	store := newFakeStore()

	id := testIdentity()
	job, _ := store.CreateJob(context.Background(), id)
	require.NoError(t, store.CommitChunk(context.Background(), checkpoint.Chunk{
		JobID: job.ID, Sequence: 1, StartCursor: "", EndCursor: "c1",
	}, checkpoint.StatusSucceeded))

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	r.Fresh = true
	res, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "c1"}, fetcher.calls, "fresh run walks the whole window again")
	assert.Equal(t, int64(20), res.Rows)
}

func TestRun_ObserverReceivesChunkRetries(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		pages: map[string]*source.Page{
			"":   {Items: headerRecords(10, day, "a"), NextCursor: "c1"},
			"c1": {Items: headerRecords(10, day, "b"), NextCursor: ""},
		},
		retries: map[string]int{"": 2, "c1": 1},
	}
	store := newFakeStore()

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	var observed []checkpoint.Chunk
	r.Observe = func(jobKey string, chunk checkpoint.Chunk) {
		observed = append(observed, chunk)
	}

	_, err := r.Run(context.Background(), testIdentity())
	require.NoError(t, err)

	require.Len(t, observed, 1, "both pages fit in one chunk")
	assert.Equal(t, 3, observed[0].Retries, "chunk retries sum the per-call retry counts")
	assert.Equal(t, 2, observed[0].APICalls)

	require.Len(t, store.commits, 1)
	assert.Equal(t, 3, store.commits[0].Retries, "retries persist with the chunk history")
}

func TestRunMany_RunsIndependentWindows(t *testing.T) {
	day1 := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*source.Page{
		"": {Items: append(headerRecords(5, day1, "may"), headerRecords(7, day2, "jun")...)},
	}}
	store := newFakeStore()

	ids := []checkpoint.Identity{
		testIdentity(),
		{
			Resource:   "tx_header",
			RangeStart: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			RangeEnd:   time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	r := testRunner(fetcher, &fakeStager{}, &fakeMerger{}, store)
	results, err := r.RunMany(context.Background(), ids, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, int64(5), results[0].Rows)
	assert.Equal(t, int64(7), results[1].Rows)
	for _, id := range ids {
		assert.Equal(t, checkpoint.StatusSucceeded, store.jobs[id.Key()].Status)
	}
}
