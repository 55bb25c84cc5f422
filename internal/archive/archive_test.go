package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/dispatch/internal/domain"
)

func TestAppendWritesOneLinePerResult(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	w.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	value := int64(42)
	r := domain.Result{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		A:           40,
		B:           2,
		Operation:   "sum",
		Value:       &value,
		Status:      domain.JobStatusSucceeded,
		ProcessedBy: uuid.New(),
		DurationMS:  120,
		ProcessedAt: time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC),
	}
	require.NoError(t, w.Append(context.Background(), r))

	errMsg := "division by zero"
	require.NoError(t, w.Append(context.Background(), domain.Result{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		Operation:   "divide",
		Status:      domain.JobStatusFailed,
		Error:       &errMsg,
		ProcessedBy: r.ProcessedBy,
		ProcessedAt: time.Now(),
	}))

	data, err := os.ReadFile(filepath.Join(dir, "results-2026-03-01.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, r.ID.String(), first["result_id"])
	assert.Equal(t, "sum", first["operation"])
	assert.Equal(t, float64(42), first["value"])
	assert.Equal(t, "succeeded", first["status"])
	assert.NotContains(t, first, "error")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "failed", second["status"])
	assert.Equal(t, errMsg, second["error"])
	assert.NotContains(t, second, "value")
}

func TestAppendRotatesByUTCDay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	require.NoError(t, w.Append(context.Background(), domain.Result{ProcessedAt: day}))

	day = day.Add(2 * time.Minute)
	require.NoError(t, w.Append(context.Background(), domain.Result{ProcessedAt: day}))

	assert.FileExists(t, filepath.Join(dir, "results-2026-03-01.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "results-2026-03-02.jsonl"))
}
