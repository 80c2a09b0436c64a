package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/bus"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/quota"
	"github.com/nexlearn/crawlsync/internal/scheduler"
	storememory "github.com/nexlearn/crawlsync/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	engine *Engine
	store  *storememory.Store
	ledger *quota.Ledger
	sched  *scheduler.Scheduler
	hub    *bus.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := fixedClock{now: time.Unix(1000, 0).UTC()}
	store := storememory.NewStore(clock)
	ledger := quota.NewLedger(100, time.Hour, clock)
	sched := scheduler.New()
	hub := bus.NewHub(bus.Config{BufferSize: 64})
	t.Cleanup(func() {
		require.NoError(t, hub.Close(context.Background()))
	})
	eng := New(store, ledger, quota.NewDefaultPolicy(), hub, sched, zap.NewNop())
	return &fixture{engine: eng, store: store, ledger: ledger, sched: sched, hub: hub}
}

func createJob(t *testing.T, f *fixture, id string) jobs.Job {
	t.Helper()
	job := jobs.Job{
		ID:          id,
		OwnerID:     "owner-a",
		CrawlerType: jobs.CrawlerHTTPClient,
		Priority:    jobs.PriorityNormal,
		Targets:     []string{"https://example.com"},
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestEnqueueMovesPendingToQueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")

	require.NoError(t, f.engine.Enqueue(context.Background(), "job-1"))

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StateQueued, job.State)
	require.Equal(t, int64(1), job.Seq)
	require.Equal(t, 1, f.sched.Len())
}

func TestTransitionPublishesAfterCommit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	sub := f.hub.Subscribe("job-1")
	defer sub.Close()

	_, err := f.engine.Transition(context.Background(), "job-1", jobs.StatePending, jobs.StateQueued, nil)
	require.NoError(t, err)

	select {
	case tr := <-sub.Events():
		require.Equal(t, int64(1), tr.Seq)
		// The store must already reflect what was published.
		job, getErr := f.store.GetJob(context.Background(), "job-1")
		require.NoError(t, getErr)
		require.GreaterOrEqual(t, job.Seq, tr.Seq)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestTerminalChargesQuotaOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()

	path := []jobs.State{
		jobs.StateQueued, jobs.StateAssigned, jobs.StateInProgress, jobs.StateRunning,
	}
	from := jobs.StatePending
	for _, to := range path {
		_, err := f.engine.Transition(ctx, "job-1", from, to, nil)
		require.NoError(t, err)
		from = to
	}
	_, err := f.engine.Transition(ctx, "job-1", jobs.StateRunning, jobs.StateCompleted, nil)
	require.NoError(t, err)

	require.Equal(t, int64(1), f.ledger.Status("owner-a").Used)
}

func TestCancelledJobDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()
	require.NoError(t, f.engine.Enqueue(ctx, "job-1"))

	require.NoError(t, f.engine.RequestCancel(ctx, "job-1"))
	require.Equal(t, int64(0), f.ledger.Status("owner-a").Used)
}

func TestRequestCancelQueuedSkipsAssigned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()
	require.NoError(t, f.engine.Enqueue(ctx, "job-1"))

	require.NoError(t, f.engine.RequestCancel(ctx, "job-1"))

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StateCancelled, job.State)
	require.True(t, job.CancelRequested)
	require.Equal(t, 0, f.sched.Len())

	history, err := f.store.ListTransitions(ctx, "job-1")
	require.NoError(t, err)
	for _, tr := range history {
		require.NotEqual(t, jobs.StateAssigned, tr.To, "cancelled queued job must never reach assigned")
	}
}

func TestRequestCancelPendingImmediate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()

	require.NoError(t, f.engine.RequestCancel(ctx, "job-1"))
	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StateCancelled, job.State)
}

func TestRequestCancelRunningOnlySetsFlag(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()
	path := []jobs.State{jobs.StateQueued, jobs.StateAssigned, jobs.StateInProgress, jobs.StateRunning}
	from := jobs.StatePending
	for _, to := range path {
		_, err := f.engine.Transition(ctx, "job-1", from, to, nil)
		require.NoError(t, err)
		from = to
	}

	require.NoError(t, f.engine.RequestCancel(ctx, "job-1"))
	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StateRunning, job.State, "running job is cancelled cooperatively, not immediately")
	require.True(t, job.CancelRequested)
}

func TestRequestCancelTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	createJob(t, f, "job-1")
	ctx := context.Background()
	_, err := f.engine.Transition(ctx, "job-1", jobs.StatePending, jobs.StateCancelled, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.RequestCancel(ctx, "job-1"))
	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), job.Seq)
}
