// Package quota tracks per-owner job cost against a reset-windowed limit.
package quota

import (
	"fmt"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// CostPolicy prices a submission. Implementations must be deterministic:
// the same crawler type and target count always yield the same cost, and
// Describe states the pricing to the caller.
type CostPolicy interface {
	Cost(crawlerType jobs.CrawlerType, targetCount int) int64
	Describe(crawlerType jobs.CrawlerType) string
}

// PerTargetPolicy charges a base cost per target, with a multiplier for
// browser-driven crawler types that hold capacity longer.
type PerTargetPolicy struct {
	PerTarget         int64
	BrowserMultiplier int64
}

// NewDefaultPolicy prices one unit per target and doubles browser crawls.
func NewDefaultPolicy() *PerTargetPolicy {
	return &PerTargetPolicy{PerTarget: 1, BrowserMultiplier: 2}
}

// Cost returns the deterministic price of a submission.
func (p *PerTargetPolicy) Cost(crawlerType jobs.CrawlerType, targetCount int) int64 {
	cost := p.PerTarget * int64(targetCount)
	if browserDriven(crawlerType) {
		cost *= p.BrowserMultiplier
	}
	if cost < 1 {
		cost = 1
	}
	return cost
}

// Describe states the pricing rule for admission error detail.
func (p *PerTargetPolicy) Describe(crawlerType jobs.CrawlerType) string {
	if browserDriven(crawlerType) {
		return fmt.Sprintf("%d per target (x%d for %s)", p.PerTarget, p.BrowserMultiplier, crawlerType)
	}
	return fmt.Sprintf("%d per target", p.PerTarget)
}

func browserDriven(t jobs.CrawlerType) bool {
	switch t {
	case jobs.CrawlerSelenium, jobs.CrawlerPlaywright, jobs.CrawlerMobileMCP:
		return true
	default:
		return false
	}
}
