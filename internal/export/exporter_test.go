package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexlearn/crawlsync/internal/jobs"
	blobmemory "github.com/nexlearn/crawlsync/internal/storage/memory"
	storememory "github.com/nexlearn/crawlsync/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedJob(t *testing.T, store *storememory.Store) {
	t.Helper()
	ctx := context.Background()
	err := store.CreateJob(ctx, jobs.Job{
		ID:          "job-1",
		OwnerID:     "owner-a",
		CrawlerType: jobs.CrawlerHTTPClient,
		Priority:    jobs.PriorityHigh,
		Targets:     []string{"https://example.com/a"},
		CreatedAt:   time.Unix(1000, 0).UTC(),
	})
	require.NoError(t, err)
	_, _, err = store.ApplyTransition(ctx, "job-1", jobs.StatePending, jobs.StateQueued, nil)
	require.NoError(t, err)
}

func TestExportJSONContainsJobAndHistory(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore(fixedClock{now: time.Unix(1000, 0).UTC()})
	seedJob(t, store)
	blobs := blobmemory.NewBlobStore()
	exporter := New(store, blobs, "")

	uri, err := exporter.Export(context.Background(), "job-1", FormatJSON)
	require.NoError(t, err)
	require.Equal(t, "memory://exports/job-1.json", uri)

	data, ok := blobs.Object("exports/job-1.json")
	require.True(t, ok)

	var doc struct {
		Job     jobs.Job          `json:"job"`
		History []jobs.Transition `json:"history"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "job-1", doc.Job.ID)
	require.Equal(t, jobs.StateQueued, doc.Job.State)
	require.Len(t, doc.History, 2)
	require.Equal(t, int64(0), doc.History[0].Seq)
	require.Equal(t, int64(1), doc.History[1].Seq)
}

func TestExportCSVRendersOneRowPerTransition(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore(fixedClock{now: time.Unix(1000, 0).UTC()})
	seedJob(t, store)
	blobs := blobmemory.NewBlobStore()
	exporter := New(store, blobs, "artifacts")

	uri, err := exporter.Export(context.Background(), "job-1", FormatCSV)
	require.NoError(t, err)
	require.Equal(t, "memory://artifacts/job-1.csv", uri)

	data, ok := blobs.Object("artifacts/job-1.csv")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3, "header plus one row per transition")
	require.Contains(t, lines[0], "job_id")
	require.Contains(t, lines[2], "queued")
}

func TestExportUnknownJob(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore(fixedClock{now: time.Unix(1000, 0).UTC()})
	exporter := New(store, blobmemory.NewBlobStore(), "")

	_, err := exporter.Export(context.Background(), "missing", FormatJSON)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = ParseFormat("CSV")
	require.NoError(t, err)
	require.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	require.ErrorIs(t, err, jobs.ErrInvalidInput)
}
