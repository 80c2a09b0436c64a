package sinks

import (
	"context"
	"fmt"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// PublisherSink forwards transitions to an external push transport
// (Pub/Sub, AMQP). Publish failures are returned to the hub for logging;
// consumers that missed the event recover via snapshot resync.
type PublisherSink struct {
	publisher jobs.Publisher
	topic     string
}

// NewPublisherSink wires the transport and topic.
func NewPublisherSink(publisher jobs.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes the transition payload.
func (s *PublisherSink) Consume(ctx context.Context, tr jobs.Transition) error {
	if s.publisher == nil {
		return nil
	}
	if _, err := s.publisher.Publish(ctx, s.topic, tr); err != nil {
		return fmt.Errorf("publish transition seq %d for job %s: %w", tr.Seq, tr.JobID, err)
	}
	return nil
}

// Close shuts down the transport client.
func (s *PublisherSink) Close(context.Context) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
