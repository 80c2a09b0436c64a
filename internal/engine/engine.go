// Package engine enforces the job lifecycle: it applies optimistic
// transitions against the store, publishes each committed transition to
// the bus, settles quota on terminal states, and handles cancellation
// requests at their next safe point.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/bus"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
	"github.com/nexlearn/crawlsync/internal/quota"
	"github.com/nexlearn/crawlsync/internal/scheduler"
)

// Engine is the single writer of job state transitions.
type Engine struct {
	store  jobs.Store
	ledger *quota.Ledger
	cost   quota.CostPolicy
	hub    *bus.Hub
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// New constructs an Engine.
func New(
	store jobs.Store,
	ledger *quota.Ledger,
	cost quota.CostPolicy,
	hub *bus.Hub,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{
		store:  store,
		ledger: ledger,
		cost:   cost,
		hub:    hub,
		sched:  sched,
		logger: logger,
	}
}

// EmitCreated publishes the seq-0 creation event for a freshly stored job.
func (e *Engine) EmitCreated(job jobs.Job) {
	e.hub.Publish(jobs.Transition{
		JobID: job.ID,
		Seq:   0,
		To:    jobs.StatePending,
		At:    job.CreatedAt,
	})
}

// Enqueue admits a pending job into the scheduler wait set, recording the
// pending -> queued transition first so the wait set never holds a job
// the store does not consider queued.
func (e *Engine) Enqueue(ctx context.Context, jobID string) error {
	job, err := e.Transition(ctx, jobID, jobs.StatePending, jobs.StateQueued, nil)
	if err != nil {
		return err
	}
	if err := e.sched.Enqueue(job); err != nil {
		return fmt.Errorf("scheduler enqueue: %w", err)
	}
	metrics.SetQueueDepth(e.sched.Len())
	return nil
}

// Transition applies fromExpected -> to and publishes the committed event.
// The store commit happens strictly before publication; an event is never
// visible to consumers ahead of durable state. Terminal quota-consuming
// states settle the owner's ledger exactly once per job.
func (e *Engine) Transition(
	ctx context.Context,
	jobID string,
	fromExpected, to jobs.State,
	outcome *jobs.Outcome,
) (jobs.Job, error) {
	job, tr, err := e.store.ApplyTransition(ctx, jobID, fromExpected, to, outcome)
	if err != nil {
		return jobs.Job{}, err
	}
	e.hub.Publish(tr)
	e.logger.Debug("transition committed",
		zap.String("job_id", jobID),
		zap.Int64("seq", tr.Seq),
		zap.String("from", string(fromExpected)),
		zap.String("to", string(to)),
	)
	if jobs.ConsumesQuota(to) {
		cost := e.cost.Cost(job.CrawlerType, len(job.Targets))
		if chargeErr := e.ledger.Charge(job.OwnerID, job.ID, cost); chargeErr != nil {
			e.logger.Error("quota charge failed",
				zap.String("job_id", jobID),
				zap.String("owner_id", job.OwnerID),
				zap.Error(chargeErr),
			)
		}
	}
	return job, nil
}

// RequestCancel sets the cancellation flag and, when the job has not yet
// been handed to a worker, performs the cancel transition immediately. A
// queued job is pulled from the wait set so it can never reach assigned.
// Jobs already executing are cancelled cooperatively by their worker at
// the next safe point; the caller never blocks on that.
func (e *Engine) RequestCancel(ctx context.Context, jobID string) error {
	job, err := e.store.SetCancelRequested(ctx, jobID)
	if err != nil {
		return err
	}
	if jobs.IsTerminal(job.State) {
		return nil
	}
	switch job.State {
	case jobs.StatePending:
		_, err = e.Transition(ctx, jobID, jobs.StatePending, jobs.StateCancelled, nil)
	case jobs.StateQueued:
		e.sched.Remove(jobID)
		metrics.SetQueueDepth(e.sched.Len())
		_, err = e.Transition(ctx, jobID, jobs.StateQueued, jobs.StateCancelled, nil)
	default:
		// Assigned or beyond: the executing worker owns the next safe point.
		return nil
	}
	if err != nil && errors.Is(err, jobs.ErrConflict) {
		// The job moved under us (a worker claimed it between the flag and
		// the transition); the flag stays set and the worker will honor it.
		return nil
	}
	return err
}
