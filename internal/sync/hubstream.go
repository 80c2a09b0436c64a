package sync

import (
	"context"

	"github.com/nexlearn/crawlsync/internal/bus"
)

// HubStream adapts an in-process event hub to the Stream interface, for
// consumers embedded in the same process as the server.
type HubStream struct {
	hub *bus.Hub
}

// NewHubStream wraps a hub.
func NewHubStream(hub *bus.Hub) *HubStream {
	return &HubStream{hub: hub}
}

// Subscribe opens a per-job feed on the hub.
func (s *HubStream) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	return s.hub.Subscribe(jobID), nil
}
