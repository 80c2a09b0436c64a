package sinks

import (
	"context"

	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/metrics"
)

// PrometheusSink counts committed transitions by target state.
type PrometheusSink struct{}

// NewPrometheusSink initializes the collectors and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{}
}

// Consume records the transition.
func (s *PrometheusSink) Consume(_ context.Context, tr jobs.Transition) error {
	metrics.ObserveTransition(string(tr.To))
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error { return nil }
