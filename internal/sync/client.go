package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
)

// ConnectionState reflects the health of a watch's transport.
type ConnectionState int32

// Connection states surfaced to consumers.
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Resyncing
)

// String returns the lowercase label for UI affordances.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Resyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// View is the consumer-facing projection of one job.
type View struct {
	JobID       string
	State       jobs.State
	Seq         int64
	UpdatedAt   time.Time
	Result      []byte
	ContentType string
	ErrorText   string
	Connection  ConnectionState
	// Degraded is set after retries are exhausted; the view stops
	// advancing until Retry is called. It is never silently stale.
	Degraded bool
	// Done is set once the true terminal state has been observed.
	Done bool
}

// SnapshotFetcher pulls a point-in-time job snapshot, typically over REST.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, jobID string) (jobs.Job, error)
}

// Subscription is one job's push feed. Events is closed on transport
// disconnect; the client then reconnects with backoff.
type Subscription interface {
	Events() <-chan jobs.Transition
	Close()
}

// Stream opens push subscriptions.
type Stream interface {
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// Config tunes the client. Zero values fall back to the defaults below.
type Config struct {
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffFactor   float64
	MaxAttempts     int
	SnapshotTimeout time.Duration
	UpdateBuffer    int
	Logger          *zap.Logger
}

const (
	defaultMaxAttempts     = 6
	defaultSnapshotTimeout = 5 * time.Second
	defaultUpdateBuffer    = 16
)

// Client multiplexes any number of watched jobs over one snapshot source
// and one push stream. Each watch runs its own goroutine so a slow
// resync for one job never stalls another.
type Client struct {
	fetcher SnapshotFetcher
	stream  Stream
	cfg     Config
	bo      backoff
	logger  *zap.Logger

	mu      sync.Mutex
	watches map[string]*Watch
	closed  bool
}

// NewClient constructs a Client.
func NewClient(fetcher SnapshotFetcher, stream Stream, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Client{
		fetcher: fetcher,
		stream:  stream,
		cfg:     cfg,
		bo:      newBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffFactor),
		logger:  logger,
		watches: make(map[string]*Watch),
	}
}

// Watch starts (or returns the existing) live view for a job.
func (c *Client) Watch(ctx context.Context, jobID string) (*Watch, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required: %w", jobs.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("sync client is closed")
	}
	if w, ok := c.watches[jobID]; ok {
		return w, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &Watch{
		jobID:   jobID,
		updates: make(chan View, c.cfg.UpdateBuffer),
		retryCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
		cancel:  cancel,
	}
	w.current = View{JobID: jobID, Connection: Disconnected}
	c.watches[jobID] = w
	go c.run(runCtx, w)
	return w, nil
}

// Unwatch stops the live view and releases its resources.
func (c *Client) Unwatch(jobID string) {
	c.mu.Lock()
	w, ok := c.watches[jobID]
	if ok {
		delete(c.watches, jobID)
	}
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Close stops every watch.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	watches := make([]*Watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.watches = make(map[string]*Watch)
	c.mu.Unlock()
	for _, w := range watches {
		w.cancel()
	}
}

// run is the per-job reducer. It is the only goroutine that mutates the
// watch, so event application is serialized per job by construction.
func (c *Client) run(ctx context.Context, w *Watch) {
	defer close(w.doneCh)
	defer func() {
		c.mu.Lock()
		if c.watches[w.jobID] == w {
			delete(c.watches, w.jobID)
		}
		c.mu.Unlock()
	}()

	for {
		w.publish(w.withConnection(Connecting))

		// Subscribe before baselining. A transition committed while the
		// snapshot is in flight then lands in the subscription buffer
		// instead of vanishing; anything at or below the snapshot seq is
		// discarded by the duplicate check in consume.
		sub, err := c.subscribe(ctx, w.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.degradeAndWait(ctx, w) {
				return
			}
			continue
		}

		snap, err := c.fetchSnapshot(ctx, w.jobID)
		if err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			if !c.degradeAndWait(ctx, w) {
				return
			}
			continue
		}
		w.applySnapshot(snap)
		if jobs.IsTerminal(snap.State) {
			sub.Close()
			w.finish()
			return
		}
		w.publish(w.withConnection(Connected))

		done, degraded := c.consume(ctx, w, sub)
		sub.Close()
		switch {
		case done:
			return
		case ctx.Err() != nil:
			return
		case degraded:
			if !c.degradeAndWait(ctx, w) {
				return
			}
		default:
			// Transport dropped: reconnect, and never assume nothing
			// happened while disconnected.
			w.publish(w.withConnection(Disconnected))
		}
	}
}

// consume applies events from one subscription until the job finishes,
// the transport drops, or a resync inside the loop exhausts retries.
func (c *Client) consume(ctx context.Context, w *Watch, sub Subscription) (done, degraded bool) {
	for {
		select {
		case <-ctx.Done():
			return false, false
		case tr, ok := <-sub.Events():
			if !ok {
				return false, false
			}
			switch {
			case tr.Seq <= w.current.Seq:
				// Duplicate or superseded: idempotent no-op.
			case tr.Seq == w.current.Seq+1:
				w.applyTransition(tr)
				if jobs.IsTerminal(tr.To) {
					c.finalize(ctx, w)
					w.finish()
					return true, false
				}
			default:
				// Gap: events were missed. Re-baseline from a snapshot;
				// anything buffered at or below the new seq is discarded
				// by the duplicate check above.
				metrics.ObserveResync()
				w.publish(w.withConnection(Resyncing))
				snap, err := c.fetchSnapshot(ctx, w.jobID)
				if err != nil {
					if ctx.Err() != nil {
						return false, false
					}
					return false, true
				}
				w.applySnapshot(snap)
				if jobs.IsTerminal(snap.State) {
					w.finish()
					return true, false
				}
				w.publish(w.withConnection(Connected))
			}
		}
	}
}

// fetchSnapshot pulls a snapshot with per-attempt timeouts and jittered
// backoff between attempts.
func (c *Client) fetchSnapshot(ctx context.Context, jobID string) (jobs.Job, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, c.bo.Delay(attempt-1)) {
				return jobs.Job{}, fmt.Errorf("snapshot wait: %w", ctx.Err())
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
		snap, err := c.fetcher.Snapshot(attemptCtx, jobID)
		cancel()
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return jobs.Job{}, fmt.Errorf("snapshot fetch: %w", ctx.Err())
		}
		c.logger.Debug("snapshot fetch failed",
			zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return jobs.Job{}, fmt.Errorf("snapshot fetch after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// subscribe opens the push feed with the same backoff policy.
func (c *Client) subscribe(ctx context.Context, jobID string) (Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, c.bo.Delay(attempt-1)) {
				return nil, fmt.Errorf("subscribe wait: %w", ctx.Err())
			}
		}
		sub, err := c.stream.Subscribe(ctx, jobID)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("subscribe: %w", ctx.Err())
		}
		c.logger.Debug("subscribe failed",
			zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("subscribe after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// finalize refreshes the terminal snapshot so the view carries the
// outcome payload, which transition events do not. Best effort: the
// terminal state itself is already applied.
func (c *Client) finalize(ctx context.Context, w *Watch) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()
	snap, err := c.fetcher.Snapshot(attemptCtx, w.jobID)
	if err != nil {
		c.logger.Debug("terminal snapshot refresh failed",
			zap.String("job_id", w.jobID), zap.Error(err))
		return
	}
	w.applySnapshot(snap)
}

// degradeAndWait surfaces SyncDegraded and blocks until the consumer
// retries or the watch is cancelled. Returns false when the watch ends.
func (c *Client) degradeAndWait(ctx context.Context, w *Watch) bool {
	c.logger.Warn("sync degraded; awaiting manual retry", zap.String("job_id", w.jobID))
	w.markDegraded()
	select {
	case <-ctx.Done():
		return false
	case <-w.retryCh:
		w.clearDegraded()
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
