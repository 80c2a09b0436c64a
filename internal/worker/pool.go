// Package worker drives claimed jobs through execution to a terminal state.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/engine"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
	"github.com/nexlearn/crawlsync/internal/scheduler"
)

// Config controls Pool behavior.
type Config struct {
	// Workers is the number of concurrent execution loops (default 4).
	Workers int
	// CancelPollInterval is how often a running job's cancellation flag is
	// re-checked (default 500ms).
	CancelPollInterval time.Duration
	Logger             *zap.Logger
}

const (
	defaultWorkers            = 4
	defaultCancelPollInterval = 500 * time.Millisecond
)

// Pool pulls queued jobs from the scheduler and walks each through
// assigned, in_progress, running, and a terminal state. Cancellation is
// cooperative: the flag is consulted at every phase boundary and polled
// during execution, and the executor's context is cancelled when it is
// raised.
type Pool struct {
	engine *engine.Engine
	store  jobs.Store
	sched  *scheduler.Scheduler
	exec   Executor
	cfg    Config
	logger *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(eng *engine.Engine, store jobs.Store, sched *scheduler.Scheduler, exec Executor, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaultCancelPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		engine: eng,
		store:  store,
		sched:  sched,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the worker loops and blocks until the context finishes and
// in-flight jobs have settled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		entry, err := p.sched.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		metrics.ObserveDequeue()
		metrics.SetQueueDepth(p.sched.Len())
		metrics.IncActiveWorkers()
		p.process(ctx, entry.JobID)
		metrics.DecActiveWorkers()
	}
}

// process owns one job from claim to terminal state. Each transition uses
// the expected-from guard, so a concurrent cancel can never be overwritten
// and a job is executed by at most one worker.
func (p *Pool) process(ctx context.Context, jobID string) {
	job, err := p.engine.Transition(ctx, jobID, jobs.StateQueued, jobs.StateAssigned, nil)
	if err != nil {
		// Lost the claim: the job was cancelled or moved concurrently.
		if errors.Is(err, jobs.ErrConflict) || errors.Is(err, jobs.ErrIllegalTransition) {
			p.logger.Debug("claim lost", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		p.logger.Error("claim failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if p.settleIfCancelRequested(ctx, job, jobs.StateAssigned) {
		return
	}

	job, err = p.engine.Transition(ctx, jobID, jobs.StateAssigned, jobs.StateInProgress, nil)
	if err != nil {
		p.logger.Error("start failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if p.settleIfCancelRequested(ctx, job, jobs.StateInProgress) {
		return
	}

	job, err = p.engine.Transition(ctx, jobID, jobs.StateInProgress, jobs.StateRunning, nil)
	if err != nil {
		p.logger.Error("run transition failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	outcome, execErr := p.execute(ctx, job)
	switch {
	case execErr != nil && p.cancelled(context.WithoutCancel(ctx), jobID):
		p.finish(ctx, jobID, jobs.StateRunning, jobs.StateCancelled, nil)
	case execErr != nil && ctx.Err() != nil:
		p.finish(ctx, jobID, jobs.StateRunning, jobs.StateFailed,
			&jobs.Outcome{ErrorText: "interrupted by shutdown"})
	case execErr != nil:
		p.finish(ctx, jobID, jobs.StateRunning, jobs.StateFailed, &jobs.Outcome{ErrorText: execErr.Error()})
	default:
		p.finish(ctx, jobID, jobs.StateRunning, jobs.StateCompleted, &outcome)
	}
}

// execute runs the executor under a context that is cancelled as soon as
// the job's cancellation flag is raised.
func (p *Pool) execute(ctx context.Context, job jobs.Job) (jobs.Outcome, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(p.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if p.cancelled(ctx, job.ID) {
					cancel()
					return
				}
			}
		}
	}()

	outcome, err := p.exec.Execute(execCtx, job)
	cancel()
	<-watchDone
	return outcome, err
}

func (p *Pool) cancelled(ctx context.Context, jobID string) bool {
	current, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return current.CancelRequested
}

func (p *Pool) settleIfCancelRequested(ctx context.Context, job jobs.Job, from jobs.State) bool {
	if !job.CancelRequested {
		return false
	}
	p.finish(ctx, job.ID, from, jobs.StateCancelled, nil)
	return true
}

func (p *Pool) finish(ctx context.Context, jobID string, from, to jobs.State, outcome *jobs.Outcome) {
	// Settlement must commit even when the pool itself is shutting down.
	ctx = context.WithoutCancel(ctx)
	if _, err := p.engine.Transition(ctx, jobID, from, to, outcome); err != nil {
		p.logger.Error("terminal transition failed",
			zap.String("job_id", jobID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("job settled", zap.String("job_id", jobID), zap.String("state", string(to)))
}
