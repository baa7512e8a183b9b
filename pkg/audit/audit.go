// Package audit implements the AuditLogger component: an append-only,
// structured record of extraction lifecycle and security events,
// written as JSONL or key=value text. Modeled on the teacher's journal
// writer (mutex-guarded *os.File, one fsync'd record per call), audit
// logging is kept separate from the operational hclog stream so the
// two concerns never interleave in one file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Format selects the on-disk record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Record is one audit entry. Fields is the type-specific payload; its
// keys are written in sorted order in text mode for deterministic output.
type Record struct {
	Timestamp   time.Time
	EventType   string
	WorkspaceID string
	ArchivePath string
	Fields      map[string]any
}

// Config mirrors the [audit] section of ExtractionPolicy.
type Config struct {
	Enabled            bool
	Format             Format
	LogSecurityEvents  bool
}

// Logger is the append-only audit writer. When disabled, every method
// is a no-op; it never panics on a serialization failure, instead
// incrementing an internal counter and falling back to the operational
// logger so the failure is still observable.
type Logger struct {
	cfg Config

	mu   sync.Mutex
	file *os.File

	failures int64
	diag     hclog.Logger
}

// Open creates or appends to the audit log file at path.
func Open(path string, cfg Config, diag hclog.Logger) (*Logger, error) {
	if diag == nil {
		diag = hclog.NewNullLogger()
	}
	l := &Logger{cfg: cfg, diag: diag.Named("audit")}
	if !cfg.Enabled {
		return l, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// Close closes the underlying file, if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// FailureCount returns how many records failed to serialize.
func (l *Logger) FailureCount() int64 {
	return atomic.LoadInt64(&l.failures)
}

// ExtractionStarted logs the start of one extraction frame.
func (l *Logger) ExtractionStarted(workspaceID, archivePath string, userID, policyName string) {
	fields := map[string]any{}
	if userID != "" {
		fields["user_id"] = userID
	}
	if policyName != "" {
		fields["policy_name"] = policyName
	}
	l.write(Record{Timestamp: time.Now(), EventType: "extraction_started", WorkspaceID: workspaceID, ArchivePath: archivePath, Fields: fields})
}

// ExtractionCompleted logs a successful extraction frame.
func (l *Logger) ExtractionCompleted(workspaceID, archivePath string, duration time.Duration, filesExtracted int, bytesExtracted int64, errorsByCategory map[string]int, securityFlagsRaised int) {
	l.write(Record{
		Timestamp:   time.Now(),
		EventType:   "extraction_completed",
		WorkspaceID: workspaceID,
		ArchivePath: archivePath,
		Fields: map[string]any{
			"duration_ms":           duration.Milliseconds(),
			"files_extracted":       filesExtracted,
			"bytes_extracted":       bytesExtracted,
			"errors_by_category":    errorsByCategory,
			"security_flags_raised": securityFlagsRaised,
		},
	})
}

// ExtractionFailed logs a terminal failure of an extraction frame.
func (l *Logger) ExtractionFailed(workspaceID, archivePath string, duration time.Duration, reason string, filesSoFar int, bytesSoFar int64) {
	l.write(Record{
		Timestamp:   time.Now(),
		EventType:   "extraction_failed",
		WorkspaceID: workspaceID,
		ArchivePath: archivePath,
		Fields: map[string]any{
			"duration_ms":           duration.Milliseconds(),
			"reason":                reason,
			"files_extracted_so_far": filesSoFar,
			"bytes_extracted_so_far": bytesSoFar,
		},
	})
}

// SecurityEvent logs a security-relevant observation. It is suppressed
// independently of the general enable flag via LogSecurityEvents.
func (l *Logger) SecurityEvent(workspaceID, archivePath, eventType, severity string, filePath string, compressionRatio, riskScore float64, nestingDepth int, details map[string]string) {
	if !l.cfg.LogSecurityEvents {
		return
	}

	fields := map[string]any{
		"event_type": eventType,
		"severity":   severity,
	}
	if filePath != "" {
		fields["file_path"] = filePath
	}
	if compressionRatio != 0 {
		fields["compression_ratio"] = compressionRatio
	}
	if riskScore != 0 {
		fields["risk_score"] = riskScore
	}
	if nestingDepth != 0 {
		fields["nesting_depth"] = nestingDepth
	}
	for k, v := range details {
		fields["detail_"+k] = v
	}

	l.write(Record{Timestamp: time.Now(), EventType: "security_event", WorkspaceID: workspaceID, ArchivePath: archivePath, Fields: fields})
}

func (l *Logger) write(rec Record) {
	if !l.cfg.Enabled {
		return
	}

	var line string
	var err error
	if l.cfg.Format == FormatText {
		line, err = encodeText(rec)
	} else {
		line, err = encodeJSON(rec)
	}
	if err != nil {
		atomic.AddInt64(&l.failures, 1)
		l.diag.Error("audit record failed to serialize", "event_type", rec.EventType, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		atomic.AddInt64(&l.failures, 1)
		l.diag.Error("audit record failed to write", "event_type", rec.EventType, "error", err)
		return
	}
	_ = l.file.Sync()
}

func encodeJSON(rec Record) (string, error) {
	payload := map[string]any{
		"timestamp":    rec.Timestamp.Format(time.RFC3339Nano),
		"event_type":   rec.EventType,
		"workspace_id": rec.WorkspaceID,
		"archive_path": rec.ArchivePath,
	}
	for k, v := range rec.Fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	return string(data), err
}

func encodeText(rec Record) (string, error) {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("timestamp=%s event_type=%s workspace_id=%s archive_path=%s",
		rec.Timestamp.Format(time.RFC3339Nano), rec.EventType, rec.WorkspaceID, rec.ArchivePath)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, rec.Fields[k])
	}
	return line, nil
}
