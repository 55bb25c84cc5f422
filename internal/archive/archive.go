// Package archive persists one JSONL record per terminal job
// transition to an append-only local directory, rotated daily by UTC
// date. The database row stays authoritative; the archive is an export
// feed for offline analysis.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gridworks/dispatch/internal/domain"
)

// record is the serialized archive line. It mirrors the result entity.
type record struct {
	ResultID    string  `json:"result_id"`
	JobID       string  `json:"job_id"`
	A           int64   `json:"a"`
	B           int64   `json:"b"`
	Operation   string  `json:"operation"`
	Value       *int64  `json:"value,omitempty"`
	Status      string  `json:"status"`
	Error       *string `json:"error,omitempty"`
	ProcessedBy string  `json:"processed_by"`
	DurationMS  int64   `json:"duration_ms"`
	ProcessedAt string  `json:"processed_at"`
}

// Writer appends result records to one file per UTC day under a base
// directory. Safe for concurrent use.
type Writer struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewWriter creates the archive directory if needed and returns a
// writer rooted there.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// Append writes one result as a single JSON line to the current day's
// file.
func (w *Writer) Append(_ context.Context, r domain.Result) error {
	line, err := json.Marshal(record{
		ResultID:    r.ID.String(),
		JobID:       r.JobID.String(),
		A:           r.A,
		B:           r.B,
		Operation:   r.Operation,
		Value:       r.Value,
		Status:      string(r.Status),
		Error:       r.Error,
		ProcessedBy: r.ProcessedBy.String(),
		DurationMS:  r.DurationMS,
		ProcessedAt: r.ProcessedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal archive record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, fmt.Sprintf("results-%s.jsonl", w.now().UTC().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append archive record: %w", err)
	}
	return nil
}
