// Package progresstracker implements the ProgressTracker component:
// thread-safe counters for an in-flight extraction, a non-blocking
// broadcast of progress events, and ETA estimation.
package progresstracker

import (
	"archivault/pkg/archiverr"
	"math"
	"sync"
	"time"
)

// ErrorCategory is the closed bucket set errors are classified into
// (spec §4.6).
type ErrorCategory string

const (
	CategoryPathTooLong           ErrorCategory = "PathTooLong"
	CategoryUnsupportedFormat     ErrorCategory = "UnsupportedFormat"
	CategoryCorruptedArchive      ErrorCategory = "CorruptedArchive"
	CategoryPermissionDenied      ErrorCategory = "PermissionDenied"
	CategoryZipBombDetected       ErrorCategory = "ZipBombDetected"
	CategoryDepthLimitExceeded    ErrorCategory = "DepthLimitExceeded"
	CategoryDiskSpaceExhausted    ErrorCategory = "DiskSpaceExhausted"
	CategoryCancellationRequested ErrorCategory = "CancellationRequested"
	CategoryIoError               ErrorCategory = "IoError"
	CategoryOther                 ErrorCategory = "Other"
)

// CategorizeError maps a structured error (or any error) onto the
// closed category set by inspecting its archiverr.Kind when present.
func CategorizeError(err error) ErrorCategory {
	e, ok := archiverr.As(err)
	if !ok {
		return CategoryOther
	}
	switch e.Kind {
	case archiverr.KindUnsupportedFormat:
		return CategoryUnsupportedFormat
	case archiverr.KindCorruptArchive:
		return CategoryCorruptedArchive
	case archiverr.KindZipBomb:
		return CategoryZipBombDetected
	case archiverr.KindDepthExceeded:
		return CategoryDepthLimitExceeded
	case archiverr.KindSizeExceeded, archiverr.KindFileCountExceeded:
		return CategoryDiskSpaceExhausted
	case archiverr.KindCancelled:
		return CategoryCancellationRequested
	case archiverr.KindIO:
		return CategoryIoError
	case archiverr.KindPathTraversal:
		return CategoryPathTooLong
	default:
		return CategoryOther
	}
}

// ProgressEvent is published to subscribers after each processed entry.
type ProgressEvent struct {
	WorkspaceID         string
	CurrentFile         string
	FilesProcessed      int
	BytesProcessed      int64
	CurrentDepth        int
	EstimatedRemaining  time.Duration
	HasEstimate         bool
	HierarchicalPath    string
}

// Tracker holds mutable extraction counters and fans them out to
// subscribers. It is safe for concurrent use: Record* methods may be
// called from many entry-processing goroutines at once.
type Tracker struct {
	workspaceID string

	mu              sync.Mutex
	filesProcessed  int
	bytesProcessed  int64
	currentDepth    int
	maxDepthReached int
	pathShortenings int
	suspiciousFiles int
	errorsByCategory map[ErrorCategory]int
	startTime       time.Time
	accumulatedFiles int

	subMu       sync.Mutex
	subscribers map[chan ProgressEvent]struct{}
}

// New constructs a Tracker for one extraction operation.
func New(workspaceID string) *Tracker {
	return &Tracker{
		workspaceID:      workspaceID,
		errorsByCategory: make(map[ErrorCategory]int),
		startTime:        time.Now(),
		subscribers:      make(map[chan ProgressEvent]struct{}),
	}
}

// SetAccumulatedFiles records the total number of files this extraction
// is expected to process, if known in advance (e.g. from a prior
// Inspecting pass). Leaving it at zero disables ETA per spec §9 Open
// Question ii.
func (t *Tracker) SetAccumulatedFiles(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accumulatedFiles = n
}

// Subscribe returns a channel that receives a non-blocking feed of
// progress events; the caller must drain it, since full channels drop
// events rather than block the extractor.
func (t *Tracker) Subscribe() (ch <-chan ProgressEvent, unsubscribe func()) {
	c := make(chan ProgressEvent, 32)
	t.subMu.Lock()
	t.subscribers[c] = struct{}{}
	t.subMu.Unlock()

	return c, func() {
		t.subMu.Lock()
		delete(t.subscribers, c)
		t.subMu.Unlock()
		close(c)
	}
}

func (t *Tracker) publish(ev ProgressEvent) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for c := range t.subscribers {
		select {
		case c <- ev:
		default:
			// Drop: a slow or absent subscriber never blocks extraction.
		}
	}
}

// RecordFile updates counters for one completed entry and publishes a
// ProgressEvent.
func (t *Tracker) RecordFile(currentFile string, size int64, depth int, hierarchicalPath string) {
	t.mu.Lock()
	t.filesProcessed++
	t.bytesProcessed += size
	t.currentDepth = depth
	if depth > t.maxDepthReached {
		t.maxDepthReached = depth
	}
	filesProcessed := t.filesProcessed
	bytesProcessed := t.bytesProcessed
	remaining, hasEstimate := t.etaLocked()
	t.mu.Unlock()

	t.publish(ProgressEvent{
		WorkspaceID:        t.workspaceID,
		CurrentFile:        currentFile,
		FilesProcessed:     filesProcessed,
		BytesProcessed:     bytesProcessed,
		CurrentDepth:       depth,
		EstimatedRemaining: remaining,
		HasEstimate:        hasEstimate,
		HierarchicalPath:   hierarchicalPath,
	})
}

// RecordError categorizes err and increments its bucket in the histogram.
func (t *Tracker) RecordError(err error) {
	cat := CategorizeError(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorsByCategory[cat]++
}

// RecordPathShortening increments the path-shortening counter.
func (t *Tracker) RecordPathShortening() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pathShortenings++
}

// RecordSuspiciousFile increments the suspicious-file counter.
func (t *Tracker) RecordSuspiciousFile() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspiciousFiles++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	FilesProcessed   int
	BytesProcessed   int64
	MaxDepthReached  int
	PathShortenings  int
	SuspiciousFiles  int
	ErrorsByCategory map[ErrorCategory]int
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := make(map[ErrorCategory]int, len(t.errorsByCategory))
	for k, v := range t.errorsByCategory {
		errs[k] = v
	}

	return Snapshot{
		FilesProcessed:   t.filesProcessed,
		BytesProcessed:   t.bytesProcessed,
		MaxDepthReached:  t.maxDepthReached,
		PathShortenings:  t.pathShortenings,
		SuspiciousFiles:  t.suspiciousFiles,
		ErrorsByCategory: errs,
	}
}

// ETA estimates remaining duration. It returns (0, false) when fewer
// than one file has been processed, less than one second has elapsed,
// or the total expected file count is unknown — an omitted ETA is
// preferred over a misleading one (spec §9 Open Question ii).
func (t *Tracker) ETA() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked()
}

func (t *Tracker) etaLocked() (time.Duration, bool) {
	if t.accumulatedFiles == 0 || t.filesProcessed == 0 {
		return 0, false
	}
	elapsed := time.Since(t.startTime).Seconds()
	if elapsed < 1 {
		return 0, false
	}

	rate := float64(t.filesProcessed) / elapsed
	remaining := t.accumulatedFiles - t.filesProcessed
	if remaining < 0 {
		remaining = 0
	}
	if rate <= 0 {
		return 0, false
	}

	secs := math.Ceil(float64(remaining) / rate)
	return time.Duration(secs) * time.Second, true
}
