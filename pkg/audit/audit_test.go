package audit_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"archivault/pkg/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractionStarted_WritesOneJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := audit.Open(path, audit.Config{Enabled: true, Format: audit.FormatJSON, LogSecurityEvents: true}, nil)
	require.NoError(t, err)
	defer l.Close()

	l.ExtractionStarted("ws1", "/a.zip", "user-1", "default")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "extraction_started", rec["event_type"])
	assert.Equal(t, "ws1", rec["workspace_id"])
	assert.Equal(t, "user-1", rec["user_id"])
}

func TestDisabled_IsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := audit.Open(path, audit.Config{Enabled: false}, nil)
	require.NoError(t, err)
	defer l.Close()

	l.ExtractionStarted("ws1", "/a.zip", "", "")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSecurityEvent_SuppressedWhenDisabledIndependently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := audit.Open(path, audit.Config{Enabled: true, Format: audit.FormatJSON, LogSecurityEvents: false}, nil)
	require.NoError(t, err)
	defer l.Close()

	l.SecurityEvent("ws1", "/a.zip", "zip_bomb", "critical", "inner.zip", 250, 1e9, 3, nil)
	l.ExtractionCompleted("ws1", "/a.zip", time.Second, 3, 100, nil, 0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "extraction_completed")
}

func TestTextFormat_ProducesKeyValueLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := audit.Open(path, audit.Config{Enabled: true, Format: audit.FormatText, LogSecurityEvents: true}, nil)
	require.NoError(t, err)
	defer l.Close()

	l.ExtractionFailed("ws1", "/a.zip", time.Second, "disk full", 10, 1024)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, "event_type=extraction_failed")
	assert.Contains(t, line, "reason=disk full")
}

func TestExtractionCompleted_IncludesErrorHistogram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := audit.Open(path, audit.Config{Enabled: true, Format: audit.FormatJSON, LogSecurityEvents: true}, nil)
	require.NoError(t, err)
	defer l.Close()

	l.ExtractionCompleted("ws1", "/a.zip", 2*time.Second, 5, 500, map[string]int{"IoError": 1}, 0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, float64(5), rec["files_extracted"])
}

func TestFailureCount_StartsAtZero(t *testing.T) {
	l, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"), audit.Config{Enabled: true, Format: audit.FormatJSON}, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int64(0), l.FailureCount())
}
