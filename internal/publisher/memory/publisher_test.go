package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "jobs.events", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = p.Publish(context.Background(), "jobs.events", map[string]string{"job_id": "job-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "jobs.events", msgs[0].Topic)
	require.NoError(t, p.Close())
}
