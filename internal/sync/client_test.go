package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

type fakeFetcher struct {
	mu    stdsync.Mutex
	snaps map[string]jobs.Job
	errs  map[string]error
	calls int
	// afterRead runs after the snapshot value is taken but before it is
	// returned, to model state advancing while the fetch is in flight.
	afterRead func(jobID string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{snaps: make(map[string]jobs.Job), errs: make(map[string]error)}
}

func (f *fakeFetcher) Snapshot(_ context.Context, jobID string) (jobs.Job, error) {
	f.mu.Lock()
	f.calls++
	err := f.errs[jobID]
	snap, ok := f.snaps[jobID]
	hook := f.afterRead
	f.mu.Unlock()
	if err != nil {
		return jobs.Job{}, err
	}
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if hook != nil {
		hook(jobID)
	}
	return snap, nil
}

func (f *fakeFetcher) set(snap jobs.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.ID] = snap
	delete(f.errs, snap.ID)
}

func (f *fakeFetcher) fail(jobID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[jobID] = err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSub struct {
	jobID string
	ch    chan jobs.Transition
	once  stdsync.Once
}

func (s *fakeSub) Events() <-chan jobs.Transition { return s.ch }

func (s *fakeSub) Close() { s.once.Do(func() { close(s.ch) }) }

// drop simulates a transport disconnect.
func (s *fakeSub) drop() { s.Close() }

type fakeStream struct {
	mu   stdsync.Mutex
	subs []*fakeSub
	err  error
}

func (s *fakeStream) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sub := &fakeSub{jobID: jobID, ch: make(chan jobs.Transition, 32)}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeStream) latest() *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

func (s *fakeStream) latestFor(jobID string) *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.subs) - 1; i >= 0; i-- {
		if s.subs[i].jobID == jobID {
			return s.subs[i]
		}
	}
	return nil
}

func (s *fakeStream) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func testConfig() Config {
	return Config{
		BackoffBase:     time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
		MaxAttempts:     3,
		SnapshotTimeout: 100 * time.Millisecond,
		UpdateBuffer:    64,
	}
}

func snapshot(jobID string, state jobs.State, seq int64) jobs.Job {
	return jobs.Job{ID: jobID, State: state, Seq: seq, UpdatedAt: time.Unix(seq, 0).UTC()}
}

func transition(jobID string, seq int64, to jobs.State) jobs.Transition {
	return jobs.Transition{JobID: jobID, Seq: seq, To: to, At: time.Unix(seq, 0).UTC()}
}

func waitConnected(t *testing.T, w *Watch) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.Current().Connection == Connected
	}, 2*time.Second, time.Millisecond)
}

func TestWatchAppliesOrderedEventsAndDropsDuplicates(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	waitConnected(t, w)
	require.Equal(t, jobs.StateQueued, w.Current().State)

	sub := stream.latest()
	sub.ch <- transition("job-1", 2, jobs.StateAssigned)
	sub.ch <- transition("job-1", 2, jobs.StateAssigned) // duplicate
	sub.ch <- transition("job-1", 3, jobs.StateInProgress)

	require.Eventually(t, func() bool {
		cur := w.Current()
		return cur.Seq == 3 && cur.State == jobs.StateInProgress
	}, 2*time.Second, time.Millisecond)
}

func TestWatchSeqGapTriggersResync(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	waitConnected(t, w)

	sub := stream.latest()
	sub.ch <- transition("job-1", 2, jobs.StateAssigned)
	require.Eventually(t, func() bool { return w.Current().Seq == 2 }, 2*time.Second, time.Millisecond)

	// Events 3 and 4 are lost; the snapshot has advanced past them.
	fetcher.set(snapshot("job-1", jobs.StateRunning, 4))
	sub.ch <- transition("job-1", 6, jobs.StateCompleted)

	require.Eventually(t, func() bool {
		cur := w.Current()
		return cur.Seq == 4 && cur.State == jobs.StateRunning && cur.Connection == Connected
	}, 2*time.Second, time.Millisecond)

	// Stale buffered event at or below the new baseline is discarded.
	sub.ch <- transition("job-1", 3, jobs.StateInProgress)
	sub.ch <- transition("job-1", 5, jobs.StatePaused)

	require.Eventually(t, func() bool {
		cur := w.Current()
		return cur.Seq == 5 && cur.State == jobs.StatePaused
	}, 2*time.Second, time.Millisecond)
}

func TestWatchTerminalEventEndsWatchWithOutcome(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateRunning, 4))
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	waitConnected(t, w)

	final := snapshot("job-1", jobs.StateCompleted, 5)
	final.Outcome = jobs.Outcome{Result: []byte(`{"pages":3}`), ContentType: "application/json"}
	fetcher.set(final)
	stream.latest().ch <- transition("job-1", 5, jobs.StateCompleted)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish after terminal event")
	}
	cur := w.Current()
	require.True(t, cur.Done)
	require.Equal(t, jobs.StateCompleted, cur.State)
	require.Equal(t, []byte(`{"pages":3}`), cur.Result)
	require.Equal(t, "application/json", cur.ContentType)
}

func TestWatchTerminalSnapshotEndsWatch(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	done := snapshot("job-1", jobs.StateFailed, 6)
	done.Outcome = jobs.Outcome{ErrorText: "target unreachable"}
	fetcher.set(done)
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish from terminal snapshot")
	}
	require.Equal(t, "target unreachable", w.Current().ErrorText)
	require.Equal(t, 1, stream.subscribeCount(), "one short-lived feed from the initial connect")
}

func TestWatchTerminalEventDuringSnapshotFetchStillEndsWatch(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	stream := &fakeStream{}

	// The job is cancelled while the baseline snapshot is in flight: the
	// stale snapshot is returned, and the terminal transition is only
	// visible through the already-open push feed.
	var once stdsync.Once
	fetcher.afterRead = func(string) {
		once.Do(func() {
			final := snapshot("job-1", jobs.StateCancelled, 2)
			fetcher.set(final)
			stream.latest().ch <- transition("job-1", 2, jobs.StateCancelled)
		})
	}

	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch missed a terminal event raced with the snapshot fetch")
	}
	cur := w.Current()
	require.True(t, cur.Done)
	require.Equal(t, jobs.StateCancelled, cur.State)
	require.Equal(t, int64(2), cur.Seq)
}

func TestWatchReconnectRefetchesSnapshot(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	waitConnected(t, w)
	callsBefore := fetcher.callCount()

	// The job advanced while the transport was down.
	fetcher.set(snapshot("job-1", jobs.StateInProgress, 3))
	stream.latest().drop()

	require.Eventually(t, func() bool {
		cur := w.Current()
		return cur.Seq == 3 && cur.Connection == Connected
	}, 2*time.Second, time.Millisecond)
	require.Greater(t, fetcher.callCount(), callsBefore, "reconnect must refetch, not assume nothing changed")
	require.Equal(t, 2, stream.subscribeCount())
}

func TestWatchSnapshotNeverRegressesView(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	stream := &fakeStream{}
	client := NewClient(fetcher, stream, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	waitConnected(t, w)

	sub := stream.latest()
	sub.ch <- transition("job-1", 2, jobs.StateAssigned)
	sub.ch <- transition("job-1", 3, jobs.StateInProgress)
	require.Eventually(t, func() bool { return w.Current().Seq == 3 }, 2*time.Second, time.Millisecond)

	// Reconnect against a stale replica snapshot: the view must hold.
	sub.drop()
	require.Eventually(t, func() bool {
		return w.Current().Connection == Connected && stream.subscribeCount() == 2
	}, 2*time.Second, time.Millisecond)
	cur := w.Current()
	require.Equal(t, int64(3), cur.Seq)
	require.Equal(t, jobs.StateInProgress, cur.State)
}

func TestWatchDegradedAfterExhaustedRetriesThenRetry(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.fail("job-1", errors.New("gateway down"))
	stream := &fakeStream{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	client := NewClient(fetcher, stream, cfg)
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return w.Current().Degraded
	}, 2*time.Second, time.Millisecond)

	fetcher.set(snapshot("job-1", jobs.StateRunning, 4))
	w.Retry()

	require.Eventually(t, func() bool {
		cur := w.Current()
		return !cur.Degraded && cur.Connection == Connected && cur.Seq == 4
	}, 2*time.Second, time.Millisecond)
}

func TestWatchIsolationAcrossJobs(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.fail("job-bad", errors.New("gateway down"))
	fetcher.set(snapshot("job-good", jobs.StateQueued, 1))
	stream := &fakeStream{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	client := NewClient(fetcher, stream, cfg)
	defer client.Close()

	bad, err := client.Watch(context.Background(), "job-bad")
	require.NoError(t, err)
	good, err := client.Watch(context.Background(), "job-good")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bad.Current().Degraded }, 2*time.Second, time.Millisecond)
	waitConnected(t, good)

	stream.latestFor("job-good").ch <- transition("job-good", 2, jobs.StateAssigned)
	require.Eventually(t, func() bool { return good.Current().Seq == 2 }, 2*time.Second, time.Millisecond)
	require.True(t, bad.Current().Degraded, "one job's outage must not leak into another watch")
}

func TestWatchSameJobReturnsSameWatch(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	client := NewClient(fetcher, &fakeStream{}, testConfig())
	defer client.Close()

	first, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	second, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestUnwatchStopsTheWatch(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.set(snapshot("job-1", jobs.StateQueued, 1))
	client := NewClient(fetcher, &fakeStream{}, testConfig())
	defer client.Close()

	w, err := client.Watch(context.Background(), "job-1")
	require.NoError(t, err)
	client.Unwatch("job-1")

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("unwatch did not stop the watch")
	}
}
