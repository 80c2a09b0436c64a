// Package jobs defines core types shared across the job engine subsystems.
package jobs

import (
	"time"
)

// State represents the lifecycle state of a crawl job.
type State string

// Job states persisted in the job store.
const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateAssigned   State = "assigned"
	StateInProgress State = "in_progress"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StatePaused     State = "paused"
)

// Priority orders queued jobs for dispatch; higher dispatches first.
type Priority int

// Priority levels accepted at submission.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase label used on the wire.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire label to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// CrawlerType selects the execution backend; opaque to the engine.
type CrawlerType string

// Supported crawler types.
const (
	CrawlerHTTPClient     CrawlerType = "http_client"
	CrawlerSelenium       CrawlerType = "selenium"
	CrawlerPlaywright     CrawlerType = "playwright"
	CrawlerScrapy         CrawlerType = "scrapy"
	CrawlerUniversal      CrawlerType = "universal"
	CrawlerAppSpecificAPI CrawlerType = "app_specific_api"
	CrawlerMobileMCP      CrawlerType = "mobile_mcp"
	CrawlerCrawl4AI       CrawlerType = "crawl4ai"
)

// KnownCrawlerType reports whether t is a member of the fixed enumeration.
func KnownCrawlerType(t CrawlerType) bool {
	switch t {
	case CrawlerHTTPClient, CrawlerSelenium, CrawlerPlaywright, CrawlerScrapy,
		CrawlerUniversal, CrawlerAppSpecificAPI, CrawlerMobileMCP, CrawlerCrawl4AI:
		return true
	default:
		return false
	}
}

// Outcome carries the opaque terminal payload of a job. Result is stored
// verbatim with a content-type tag so crawler-specific shapes never leak
// into the engine.
type Outcome struct {
	Result      []byte `json:"result,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ErrorText   string `json:"error_text,omitempty"`
}

// Job is the authoritative record for one crawl submission.
type Job struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	CrawlerType     CrawlerType       `json:"crawler_type"`
	Priority        Priority          `json:"priority"`
	State           State             `json:"state"`
	Seq             int64             `json:"seq"`
	Targets         []string          `json:"targets"`
	Config          []byte            `json:"config,omitempty"`
	ConfigType      string            `json:"config_type,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	Outcome         Outcome           `json:"outcome"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Transition is the push-delivered record of one state change. Seq is
// strictly increasing and gapless per job; consumers detect missed events
// by comparing it against their last applied value. The creation event
// carries Seq 0 and an empty From.
type Transition struct {
	JobID string    `json:"job_id"`
	Seq   int64     `json:"seq"`
	From  State     `json:"from,omitempty"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
}

// Handle is returned by admission and identifies a submitted job.
type Handle struct {
	JobID     string    `json:"job_id"`
	State     State     `json:"state"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaStatus is the read-only view of an owner's quota account.
type QuotaStatus struct {
	OwnerID string    `json:"owner_id"`
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// ListQuery filters and pages ListJobs results.
type ListQuery struct {
	OwnerID string
	State   *State
	Limit   int
	Offset  int
}
