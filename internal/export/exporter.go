// Package export renders a job's record and transition history into an
// artifact stored in the configured blob store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/storage"
)

// Format selects the export rendering.
type Format string

// Supported export formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat converts a wire label to a Format; empty defaults to JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q: %w", s, jobs.ErrInvalidInput)
	}
}

// Exporter writes job artifacts to a blob store.
type Exporter struct {
	store  jobs.Store
	blobs  storage.BlobStore
	prefix string
}

// New constructs an Exporter. prefix namespaces exported objects inside
// the blob store ("exports" by default).
func New(store jobs.Store, blobs storage.BlobStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = "exports"
	}
	return &Exporter{store: store, blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

type jsonDocument struct {
	Job     jobs.Job          `json:"job"`
	History []jobs.Transition `json:"history"`
}

// Export renders the job and its full history, stores the artifact, and
// returns its URI.
func (e *Exporter) Export(ctx context.Context, jobID string, format Format) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	history, err := e.store.ListTransitions(ctx, jobID)
	if err != nil {
		return "", err
	}

	var payload []byte
	var contentType string
	switch format {
	case FormatJSON:
		payload, err = json.MarshalIndent(jsonDocument{Job: job, History: history}, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json export: %w", err)
		}
		contentType = "application/json"
	case FormatCSV:
		payload, err = renderCSV(job, history)
		if err != nil {
			return "", fmt.Errorf("render csv export: %w", err)
		}
		contentType = "text/csv"
	default:
		return "", fmt.Errorf("unsupported export format %q: %w", format, jobs.ErrInvalidInput)
	}

	path := fmt.Sprintf("%s/%s.%s", e.prefix, jobID, format)
	uri, err := e.blobs.PutObject(ctx, path, contentType, payload)
	if err != nil {
		return "", fmt.Errorf("store export: %w", err)
	}
	return uri, nil
}

func renderCSV(job jobs.Job, history []jobs.Transition) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"job_id", "owner_id", "crawler_type", "priority", "state", "seq", "from", "to", "at"},
	}
	for _, tr := range history {
		rows = append(rows, []string{
			job.ID,
			job.OwnerID,
			string(job.CrawlerType),
			job.Priority.String(),
			string(job.State),
			strconv.FormatInt(tr.Seq, 10),
			string(tr.From),
			string(tr.To),
			tr.At.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
