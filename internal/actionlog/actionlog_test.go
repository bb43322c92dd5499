package actionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "actions.ndjson")
	l := New(path, nil, nil)
	require.NoError(t, l.Append(domain.ActionLogEntry{
		Timestamp: "2024-01-01T00:00:00Z", PlanID: "PLAN_1", Tool: "gmail", Operation: "send_email",
		Parameters: map[string]any{"to": "carol@example.com"}, Mode: domain.ModeDryRun, Success: true,
		ResponseSummary: "would send to carol@example.com",
	}))
	require.NoError(t, l.Append(domain.ActionLogEntry{
		Timestamp: "2024-01-01T00:00:01Z", PlanID: "PLAN_1", Tool: "gmail", Operation: "send_email",
		Mode: domain.ModeExecute, Success: true, DurationMS: 12, ResponseSummary: "sent",
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))
	assert.NotContains(t, string(raw), "carol@example.com")

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "[REDACTED_EMAIL]", entries[0].Parameters["to"])
	assert.Equal(t, domain.ModeExecute, entries[1].Mode)

	last, err := Tail(path, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, int64(12), last[0].DurationMS)
}

func TestReadAllMissingFile(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "none.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
