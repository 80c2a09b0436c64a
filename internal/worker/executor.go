package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Executor performs the actual work for one claimed job. Implementations
// must honor ctx cancellation promptly; the pool cancels the context when
// the job's cancellation flag is raised.
type Executor interface {
	Execute(ctx context.Context, job jobs.Job) (jobs.Outcome, error)
}

// EchoExecutor is the built-in executor for environments without a crawl
// backend. It acknowledges each target and returns a JSON summary, which
// keeps the full lifecycle exercisable end to end.
type EchoExecutor struct {
	// Delay per target, to make cancellation windows observable.
	Delay time.Duration
}

type echoSummary struct {
	CrawlerType jobs.CrawlerType `json:"crawler_type"`
	Targets     []string         `json:"targets"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Execute sleeps Delay per target and reports the accepted targets.
func (e *EchoExecutor) Execute(ctx context.Context, job jobs.Job) (jobs.Outcome, error) {
	for range job.Targets {
		if e.Delay <= 0 {
			continue
		}
		timer := time.NewTimer(e.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return jobs.Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}
	summary, err := json.Marshal(echoSummary{
		CrawlerType: job.CrawlerType,
		Targets:     job.Targets,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return jobs.Outcome{}, fmt.Errorf("marshal summary: %w", err)
	}
	return jobs.Outcome{Result: summary, ContentType: "application/json"}, nil
}
