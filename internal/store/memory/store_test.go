package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func newJob(id, owner string) jobs.Job {
	return jobs.Job{
		ID:          id,
		OwnerID:     owner,
		CrawlerType: jobs.CrawlerHTTPClient,
		Priority:    jobs.PriorityNormal,
		Targets:     []string{"https://example.com"},
	}
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore(stubClock{now: time.Unix(1000, 0).UTC()})
	ctx := context.Background()

	if err := store.CreateJob(ctx, newJob("job-1", "owner-a")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, newJob("job-1", "owner-a")); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("duplicate CreateJob() error = %v, want ErrConflict", err)
	}

	job, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != jobs.StatePending || job.Seq != 0 {
		t.Fatalf("new job = %s seq %d, want pending seq 0", job.State, job.Seq)
	}

	job, tr, err := store.ApplyTransition(ctx, "job-1", jobs.StatePending, jobs.StateQueued, nil)
	if err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}
	if job.Seq != 1 || tr.Seq != 1 || tr.From != jobs.StatePending || tr.To != jobs.StateQueued {
		t.Fatalf("unexpected transition %+v job seq %d", tr, job.Seq)
	}

	if _, _, err := store.ApplyTransition(ctx, "job-1", jobs.StatePending, jobs.StateQueued, nil); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("stale transition error = %v, want ErrConflict", err)
	}
	if _, _, err := store.ApplyTransition(ctx, "job-1", jobs.StateQueued, jobs.StateCompleted, nil); !errors.Is(err, jobs.ErrIllegalTransition) {
		t.Fatalf("illegal transition error = %v, want ErrIllegalTransition", err)
	}

	history, err := store.ListTransitions(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(history) != 2 || history[0].Seq != 0 || history[1].Seq != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestStoreConcurrentTransitionsAtMostOneWins(t *testing.T) {
	t.Parallel()

	store := NewStore(stubClock{now: time.Unix(1000, 0).UTC()})
	ctx := context.Background()
	if err := store.CreateJob(ctx, newJob("job-1", "owner-a")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.ApplyTransition(ctx, "job-1", jobs.StatePending, jobs.StateQueued, nil); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	job, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Seq != 1 {
		t.Fatalf("final seq = %d, want 1 (number of successful transitions)", job.Seq)
	}
}

func TestStoreSeqGapless(t *testing.T) {
	t.Parallel()

	store := NewStore(stubClock{now: time.Unix(1000, 0).UTC()})
	ctx := context.Background()
	if err := store.CreateJob(ctx, newJob("job-1", "owner-a")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	path := []jobs.State{
		jobs.StateQueued, jobs.StateAssigned, jobs.StateInProgress,
		jobs.StateRunning, jobs.StatePaused, jobs.StateRunning, jobs.StateCompleted,
	}
	from := jobs.StatePending
	for _, to := range path {
		if _, _, err := store.ApplyTransition(ctx, "job-1", from, to, nil); err != nil {
			t.Fatalf("ApplyTransition(%s->%s) error = %v", from, to, err)
		}
		from = to
	}

	history, err := store.ListTransitions(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	for i, tr := range history {
		if tr.Seq != int64(i) {
			t.Fatalf("history[%d].Seq = %d, want %d (gapless)", i, tr.Seq, i)
		}
	}
}

func TestStoreListJobsFilterAndPage(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0).UTC()
	store := NewStore(stubClock{now: now})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateJob(ctx, newJob("job-"+id, "owner-1")); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}
	if err := store.CreateJob(ctx, newJob("job-x", "owner-2")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, _, err := store.ApplyTransition(ctx, "job-a", jobs.StatePending, jobs.StateQueued, nil); err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}

	queued := jobs.StateQueued
	got, err := store.ListJobs(ctx, jobs.ListQuery{OwnerID: "owner-1", State: &queued})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-a" {
		t.Fatalf("filtered list = %+v, want only job-a", got)
	}

	page, err := store.ListJobs(ctx, jobs.ListQuery{OwnerID: "owner-1", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListJobs() page error = %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page len = %d, want 1", len(page))
	}

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState() error = %v", err)
	}
	if counts[jobs.StatePending] != 3 || counts[jobs.StateQueued] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestStoreOutcomeStoredOnTerminal(t *testing.T) {
	t.Parallel()

	store := NewStore(stubClock{now: time.Unix(1000, 0).UTC()})
	ctx := context.Background()
	if err := store.CreateJob(ctx, newJob("job-1", "owner-a")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	steps := []jobs.State{jobs.StateQueued, jobs.StateAssigned, jobs.StateInProgress, jobs.StateRunning}
	from := jobs.StatePending
	for _, to := range steps {
		if _, _, err := store.ApplyTransition(ctx, "job-1", from, to, nil); err != nil {
			t.Fatalf("ApplyTransition() error = %v", err)
		}
		from = to
	}
	outcome := &jobs.Outcome{Result: []byte(`{"pages":3}`), ContentType: "application/json"}
	job, _, err := store.ApplyTransition(ctx, "job-1", jobs.StateRunning, jobs.StateCompleted, outcome)
	if err != nil {
		t.Fatalf("terminal ApplyTransition() error = %v", err)
	}
	if string(job.Outcome.Result) != `{"pages":3}` || job.Outcome.ContentType != "application/json" {
		t.Fatalf("outcome not stored: %+v", job.Outcome)
	}
}
