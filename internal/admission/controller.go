// Package admission validates submissions against input constraints and
// the owner's quota before a job record exists.
package admission

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/engine"
	"github.com/nexlearn/crawlsync/internal/idempotency"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
	"github.com/nexlearn/crawlsync/internal/quota"
)

// SubmitRequest carries everything a caller provides at submission.
type SubmitRequest struct {
	OwnerID        string
	CrawlerType    jobs.CrawlerType
	Priority       jobs.Priority
	Targets        []string
	Config         []byte
	ConfigType     string
	Tags           map[string]string
	IdempotencyKey string
}

// Controller performs admission control and creates job records. Quota is
// checked for headroom here but charged only on the terminal outcome, so
// jobs cancelled before any work stay free.
type Controller struct {
	store  jobs.Store
	ledger *quota.Ledger
	cost   quota.CostPolicy
	engine *engine.Engine
	idem   idempotency.Store
	idGen  jobs.IDGenerator
	clock  jobs.Clock
	logger *zap.Logger
}

// NewController wires the admission dependencies.
func NewController(
	store jobs.Store,
	ledger *quota.Ledger,
	cost quota.CostPolicy,
	eng *engine.Engine,
	idem idempotency.Store,
	idGen jobs.IDGenerator,
	clock jobs.Clock,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Controller{
		store:  store,
		ledger: ledger,
		cost:   cost,
		engine: eng,
		idem:   idem,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
}

// Submit validates the request, checks quota headroom, creates the job in
// pending state, publishes the creation event, and admits it into the
// scheduler. A repeated idempotency key within the retention window
// returns the original handle without creating a second job.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (jobs.Handle, error) {
	if err := validate(req); err != nil {
		metrics.ObserveAdmission("invalid")
		return jobs.Handle{}, err
	}

	if req.IdempotencyKey != "" {
		jobID, found, err := c.idem.Lookup(ctx, req.OwnerID, req.IdempotencyKey)
		if err != nil {
			c.logger.Warn("idempotency lookup failed; proceeding without dedup",
				zap.String("owner_id", req.OwnerID), zap.Error(err))
		} else if found {
			existing, getErr := c.store.GetJob(ctx, jobID)
			if getErr == nil {
				metrics.ObserveAdmission("duplicate")
				return handleFor(existing), nil
			}
		}
	}

	cost := c.cost.Cost(req.CrawlerType, len(req.Targets))
	if c.ledger.Remaining(req.OwnerID) < cost {
		status := c.ledger.Status(req.OwnerID)
		metrics.ObserveAdmission("quota_exceeded")
		metrics.ObserveQuotaRejection()
		return jobs.Handle{}, fmt.Errorf(
			"owner %s used %d of %d, submission costs %d (%s): %w",
			req.OwnerID, status.Used, status.Limit, cost,
			c.cost.Describe(req.CrawlerType), jobs.ErrQuotaExceeded)
	}

	jobID, err := c.idGen.NewID()
	if err != nil {
		metrics.ObserveAdmission("error")
		return jobs.Handle{}, fmt.Errorf("generate job id: %w", err)
	}
	now := c.clock.Now()
	job := jobs.Job{
		ID:          jobID,
		OwnerID:     req.OwnerID,
		CrawlerType: req.CrawlerType,
		Priority:    req.Priority,
		Targets:     append([]string(nil), req.Targets...),
		Config:      req.Config,
		ConfigType:  req.ConfigType,
		Tags:        req.Tags,
		CreatedAt:   now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		metrics.ObserveAdmission("error")
		return jobs.Handle{}, fmt.Errorf("create job: %w", err)
	}
	job.State = jobs.StatePending
	c.engine.EmitCreated(job)

	if err := c.engine.Enqueue(ctx, jobID); err != nil {
		metrics.ObserveAdmission("error")
		return jobs.Handle{}, fmt.Errorf("admit job %s: %w", jobID, err)
	}

	// Remember the key only once the job is queued; a failed admission
	// must let the caller retry with the same key.
	if req.IdempotencyKey != "" {
		if err := c.idem.Remember(ctx, req.OwnerID, req.IdempotencyKey, jobID); err != nil {
			c.logger.Warn("idempotency remember failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}

	admitted, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return jobs.Handle{}, err
	}
	metrics.ObserveAdmission("accepted")
	return handleFor(admitted), nil
}

func validate(req SubmitRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("owner id is required: %w", jobs.ErrInvalidInput)
	}
	if !jobs.KnownCrawlerType(req.CrawlerType) {
		return fmt.Errorf("unknown crawler type %q: %w", req.CrawlerType, jobs.ErrInvalidInput)
	}
	if req.Priority < jobs.PriorityLow || req.Priority > jobs.PriorityCritical {
		return fmt.Errorf("unknown priority %d: %w", req.Priority, jobs.ErrInvalidInput)
	}
	if len(req.Targets) == 0 {
		return fmt.Errorf("at least one target is required: %w", jobs.ErrInvalidInput)
	}
	for _, target := range req.Targets {
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("malformed target %q: %w", target, jobs.ErrInvalidInput)
		}
	}
	return nil
}

func handleFor(job jobs.Job) jobs.Handle {
	return jobs.Handle{
		JobID:     job.ID,
		State:     job.State,
		Seq:       job.Seq,
		CreatedAt: job.CreatedAt,
	}
}
