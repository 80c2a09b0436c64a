package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Ledger keeps per-owner usage counters. Accounts are created lazily with
// the default limit and reset their used counter when the window elapses.
// Charge is idempotent per job ID, guarding against duplicate delivery of
// terminal transitions.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	defaultLimit int64
	window       time.Duration
	clock        jobs.Clock
}

type account struct {
	used    int64
	limit   int64
	resetAt time.Time
	charged map[string]struct{}
}

// NewLedger constructs a Ledger. window is the quota reset period.
func NewLedger(defaultLimit int64, window time.Duration, clock jobs.Clock) *Ledger {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Ledger{
		accounts:     make(map[string]*account),
		defaultLimit: defaultLimit,
		window:       window,
		clock:        clock,
	}
}

// Status returns the current counters for an owner.
func (l *Ledger) Status(ownerID string) jobs.QuotaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(ownerID)
	return jobs.QuotaStatus{
		OwnerID: ownerID,
		Used:    acct.used,
		Limit:   acct.limit,
		ResetAt: acct.resetAt,
	}
}

// Remaining returns the headroom available to an owner at admission time.
func (l *Ledger) Remaining(ownerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(ownerID)
	return acct.limit - acct.used
}

// Charge adds cost to the owner's usage exactly once per job ID. A repeat
// charge for the same job is a no-op so duplicate terminal transitions
// cannot double-bill.
func (l *Ledger) Charge(ownerID, jobID string, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("%w: negative cost %d", jobs.ErrInvalidInput, cost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(ownerID)
	if _, done := acct.charged[jobID]; done {
		return nil
	}
	acct.charged[jobID] = struct{}{}
	acct.used += cost
	return nil
}

// SetLimit overrides the owner's limit; used by the external tier source.
func (l *Ledger) SetLimit(ownerID string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(ownerID).limit = limit
}

// account returns the owner's record, creating it and applying any due
// window reset. Callers must hold l.mu.
func (l *Ledger) account(ownerID string) *account {
	now := l.clock.Now()
	acct, ok := l.accounts[ownerID]
	if !ok {
		acct = &account{
			limit:   l.defaultLimit,
			resetAt: now.Add(l.window),
			charged: make(map[string]struct{}),
		}
		l.accounts[ownerID] = acct
		return acct
	}
	if !now.Before(acct.resetAt) {
		acct.used = 0
		acct.charged = make(map[string]struct{})
		for !now.Before(acct.resetAt) {
			acct.resetAt = acct.resetAt.Add(l.window)
		}
	}
	return acct
}
