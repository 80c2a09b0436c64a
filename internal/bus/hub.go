package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
)

// Sink consumes committed transition events. Implementations must honor
// ctx deadlines and may be invoked from the hub goroutine only.
type Sink interface {
	Consume(ctx context.Context, tr jobs.Transition) error
	Close(ctx context.Context) error
}

// Config controls buffering for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - SinkTimeout: per-sink timeout while delivering (default 10s).
//   - SubBuffer: per-subscription channel depth (default 64).
//   - BaseContext: parent context passed to sink calls.
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	SubBuffer   int
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 4096
	defaultSinkTimeout = 10 * time.Second
	defaultSubBuffer   = 64
	dropLogInterval    = 5 * time.Second
)

// Hub fans committed transitions out to sinks and subscriptions. It is
// safe for concurrent use and never blocks publishers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan jobs.Transition
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	subMu sync.Mutex
	subs  map[string]map[*Subscription]struct{}

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background delivery goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SubBuffer <= 0 {
		cfg.SubBuffer = defaultSubBuffer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan jobs.Transition, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[string]map[*Subscription]struct{}),
	}
	go h.run()
	return h
}

// Publish enqueues a committed transition for delivery. It never blocks;
// if the buffer is full the event is dropped and a rate-limited warning
// is logged. Dropped events surface downstream as sequence gaps.
func (h *Hub) Publish(tr jobs.Transition) {
	if h == nil || h.closed.Load() {
		return
	}
	select {
	case h.events <- tr:
	default:
		h.dropped.Add(1)
		metrics.ObserveDroppedEvents(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("transition events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Subscribe registers for transitions of one job, or every job when jobID
// is empty. The returned subscription must be closed by the consumer.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan jobs.Transition, h.cfg.SubBuffer),
	}
	if h.closed.Load() {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	h.subMu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	h.subMu.Unlock()
	return sub
}

// Close drains remaining events, closes sinks and subscriptions, and
// blocks until the background goroutine exits.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case tr := <-h.events:
			h.deliver(tr)
		case <-h.stopCh:
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case tr := <-h.events:
			h.deliver(tr)
		default:
			h.closeSinks()
			h.closeSubscriptions()
			return
		}
	}
}

func (h *Hub) deliver(tr jobs.Transition) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, tr); err != nil {
			h.logger.Warn("bus sink consume failed",
				zap.String("job_id", tr.JobID), zap.Error(err))
		}
		cancel()
	}

	h.subMu.Lock()
	targets := make([]*Subscription, 0, 4)
	for sub := range h.subs[tr.JobID] {
		targets = append(targets, sub)
	}
	for sub := range h.subs[""] {
		targets = append(targets, sub)
	}
	h.subMu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- tr:
		default:
			// Slow subscriber: skip rather than block delivery. The
			// consumer detects the resulting seq gap and resyncs.
			metrics.ObserveDroppedEvents(1)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("bus sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) closeSubscriptions() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	set, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Subscription is one consumer's event feed. Events() is closed when the
// subscription or the hub shuts down.
type Subscription struct {
	hub       *Hub
	jobID     string
	ch        chan jobs.Transition
	closeOnce sync.Once
}

// Events returns the receive channel for transitions.
func (s *Subscription) Events() <-chan jobs.Transition {
	return s.ch
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
