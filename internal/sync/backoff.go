package sync

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential delays for reconnect and snapshot
// retry attempts.
type backoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
}

func newBackoff(base, max time.Duration, factor float64) backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if factor <= 1 {
		factor = 2
	}
	return backoff{base: base, max: max, factor: factor}
}

// Delay returns the wait duration before the given zero-based attempt.
// Half the delay is deterministic and half is random jitter, keeping
// reconnect storms from synchronizing.
func (b backoff) Delay(attempt int) time.Duration {
	delay := float64(b.base) * math.Pow(b.factor, float64(attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
