// Package engine implements the ExtractionEngine component: the
// recursive state machine that opens archives, enumerates entries,
// consults the SecurityDetector, writes content through PathManager,
// CAS, and MetadataStore, drives the CheckpointManager, and emits to
// the ProgressTracker and AuditLogger.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"archivault/pkg/archivefmt"
	"archivault/pkg/archiverr"
	"archivault/pkg/audit"
	"archivault/pkg/cas"
	"archivault/pkg/checkpoint"
	"archivault/pkg/filelock"
	"archivault/pkg/metadatastore"
	"archivault/pkg/pathmanager"
	"archivault/pkg/policy"
	"archivault/pkg/progresstracker"
	"archivault/pkg/safepath"
	"archivault/pkg/security"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// CancelToken is the shared cooperative cancellation source threaded
// through every frame (spec §5). A zero-value token is never cancelled.
type CancelToken struct {
	cancelled int32
}

// Cancel signals every frame sharing this token to stop starting new
// entry tasks.
func (c *CancelToken) Cancel() { atomic.StoreInt32(&c.cancelled, 1) }

// Cancelled reports whether Cancel has been called.
func (c *CancelToken) Cancelled() bool { return atomic.LoadInt32(&c.cancelled) == 1 }

// sharedAccumulators tracks cumulative bytes/files across an entire
// recursive operation; child frames observe their parent's totals for
// cumulative-limit decisions (spec §3 ExtractionContext).
type sharedAccumulators struct {
	mu    sync.Mutex
	size  int64
	files int
}

func (a *sharedAccumulators) add(size int64, files int) (totalSize int64, totalFiles int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.size += size
	a.files += files
	return a.size, a.files
}

func (a *sharedAccumulators) snapshot() (int64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size, a.files
}

// visitedPaths guards against self-referential archives (spec §9): an
// archive that, at some depth, contains a byte-for-byte copy of itself
// or of an ancestor would otherwise recurse forever. Since bytes live in
// the CAS rather than at a stable on-disk path, the canonical identity
// checked here is the CAS content hash of each nested archive opened in
// this operation, not a filesystem path. It is shared across every
// frame in one Extract call the same way sharedAccumulators is.
type visitedPaths struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitedPaths() *visitedPaths {
	return &visitedPaths{seen: make(map[string]struct{})}
}

// markVisited reports whether key was already recorded, recording it if not.
func (v *visitedPaths) markVisited(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return true
	}
	v.seen[key] = struct{}{}
	return false
}

// ExtractionContext is the per-frame context threaded through recursion
// (spec §3). VirtualPrefix accumulates the nesting chain of archive
// names leading to this frame (e.g. "outer.zip/inner.tar") so entries
// extracted here can report a virtual_path that reflects the full
// nesting, not just their immediate containing archive.
type ExtractionContext struct {
	WorkspaceID   string
	CurrentDepth  int
	VirtualPrefix string
	StartTime     time.Time
	accumulators  *sharedAccumulators
	visited       *visitedPaths
}

// PerformanceConfig mirrors the subset of [performance] the engine consults directly.
type PerformanceConfig struct {
	ParallelFilesPerArchive int
}

// Result is the ExtractionResult produced at the end of the outermost frame (spec §6).
type Result struct {
	ExtractedFiles      []string
	MetadataMappings    map[string]string
	Warnings            []string
	SecurityEvents      []security.Warning
	TotalDuration        time.Duration
	FilesExtracted       int
	BytesExtracted       int64
	MaxDepthReached      int
	AverageExtractionSpeed float64 // bytes/sec
	Cancelled            bool
}

const maxEntryRetries = 3

// Engine wires together every leaf component to implement the §4.9
// state machine.
type Engine struct {
	Registry      *archivefmt.Registry
	Security      *security.Detector
	PathManager   *pathmanager.Manager
	CAS           *cas.Store
	MetadataStore *metadatastore.Store
	Validator     *metadatastore.Validator
	Checkpoints   *checkpoint.Manager
	CheckpointCfg checkpoint.Config
	Progress      *progresstracker.Tracker
	Audit         *audit.Logger
	Policy        policy.Policy
	Log           hclog.Logger
	LockDir       string
	// Symlinks validates that paths materialized for nested-archive
	// recursion never escape the workspace root and cleans them up
	// through the same containment check.
	Symlinks *safepath.Validator
}

// Extract runs the outermost frame for archivePath into workspaceID,
// returning the aggregate ExtractionResult once every nested frame has
// finished (or the operation was cancelled/aborted).
func (e *Engine) Extract(ctx context.Context, workspaceID, archivePath string, token *CancelToken) (*Result, error) {
	if token == nil {
		token = &CancelToken{}
	}
	if e.Log == nil {
		e.Log = hclog.NewNullLogger()
	}
	log := e.Log.Named("engine")

	lock, err := e.acquireFrameLock(workspaceID, archivePath)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	start := time.Now()
	e.Audit.ExtractionStarted(workspaceID, archivePath, "", "")

	root := &ExtractionContext{
		WorkspaceID:   workspaceID,
		CurrentDepth:  0,
		VirtualPrefix: filepath.ToSlash(filepath.Base(archivePath)),
		StartTime:     start,
		accumulators:  &sharedAccumulators{},
		visited:       newVisitedPaths(),
	}

	res := &Result{MetadataMappings: make(map[string]string)}

	err = e.extractFrame(ctx, root, archivePath, nil, token, res)

	res.TotalDuration = time.Since(start)
	snap := e.Progress.Snapshot()
	res.FilesExtracted = snap.FilesProcessed
	res.BytesExtracted = snap.BytesProcessed
	res.MaxDepthReached = snap.MaxDepthReached
	if res.TotalDuration > 0 {
		res.AverageExtractionSpeed = float64(res.BytesExtracted) / res.TotalDuration.Seconds()
	}

	if token.Cancelled() {
		res.Cancelled = true
		e.Audit.ExtractionFailed(workspaceID, archivePath, res.TotalDuration, "cancelled", res.FilesExtracted, res.BytesExtracted)
		return res, archiverr.Cancelled(archivePath)
	}
	if err != nil {
		e.Audit.ExtractionFailed(workspaceID, archivePath, res.TotalDuration, err.Error(), res.FilesExtracted, res.BytesExtracted)
		return res, err
	}

	errsByCategory := map[string]int{}
	for cat, n := range snap.ErrorsByCategory {
		errsByCategory[string(cat)] = n
	}
	e.Audit.ExtractionCompleted(workspaceID, archivePath, res.TotalDuration, res.FilesExtracted, res.BytesExtracted, errsByCategory, len(res.SecurityEvents))

	if e.Checkpoints != nil {
		_ = e.Checkpoints.Delete(workspaceID, archivePath)
	}

	log.Info("extraction finished", "archive", archivePath, "files", res.FilesExtracted, "bytes", res.BytesExtracted)
	return res, nil
}

func (e *Engine) acquireFrameLock(workspaceID, archivePath string) (*filelock.Lock, error) {
	if e.LockDir == "" {
		return &filelock.Lock{}, nil
	}
	name := filepath.Join(e.LockDir, workspaceID+"-"+sanitizeLockName(archivePath)+".lock")
	lock, err := filelock.Acquire(name)
	if err != nil {
		return nil, archiverr.IO(archivePath, "acquire extraction lock", err)
	}
	return lock, nil
}

func sanitizeLockName(path string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(path)
}

// extractFrame implements one activation of the recursive extraction
// routine (Opening → Inspecting → Planning → Extracting → Finalising).
// parentID is the metadata row id of the archive file this frame is
// unpacking (nil for the outermost, user-supplied archive); every entry
// extracted in this frame records it as its ParentArchiveID.
func (e *Engine) extractFrame(ctx context.Context, frame *ExtractionContext, archivePath string, parentID *uint, token *CancelToken, res *Result) error {
	log := e.Log.Named("frame")

	// Opening.
	reader, err := e.Registry.Open(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	// Inspecting.
	rawEntries, err := reader.Entries()
	if err != nil {
		return archiverr.CorruptArchive(archivePath, err)
	}

	secEntries := make([]security.Entry, len(rawEntries))
	var totalCompressed, totalUncompressed int64
	for i, re := range rawEntries {
		secEntries[i] = security.Entry{Path: re.Path, CompressedSize: re.CompressedSize, UncompressedSize: re.UncompressedSize}
		totalCompressed += re.CompressedSize
		totalUncompressed += re.UncompressedSize
	}
	for _, w := range e.Security.ScanPatterns(secEntries) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s (%s)", w.Kind, w.Detail, w.Path))
	}

	frameDecision := e.Security.ShouldHalt(totalCompressed, totalUncompressed, frame.CurrentDepth, func() int64 { s, _ := frame.accumulators.snapshot(); return s }())
	if frameDecision.Halt {
		e.Audit.SecurityEvent(frame.WorkspaceID, archivePath, "zip_bomb", "critical", "", frameDecision.Ratio, frameDecision.RiskScore, frame.CurrentDepth, nil)
		res.SecurityEvents = append(res.SecurityEvents, security.Warning{Kind: "zip_bomb", Detail: frameDecision.Reason})
		return frameDecision.HaltError(archivePath)
	}

	// Planning: load or create the checkpoint for this frame.
	var ckpt *checkpoint.Checkpoint
	if e.Checkpoints != nil {
		loaded, ok, lerr := e.Checkpoints.Load(frame.WorkspaceID, archivePath)
		if lerr != nil {
			return lerr
		}
		if ok {
			ckpt = loaded
			if e.Validator != nil {
				report, verr := e.Validator.Validate(frame.WorkspaceID)
				if verr != nil {
					return verr
				}
				if report.InvalidCount > 0 {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"metadata_validation: %d row(s) reference CAS objects missing after checkpoint recovery", report.InvalidCount))
					e.Audit.SecurityEvent(frame.WorkspaceID, archivePath, "metadata_inconsistency", "warning", "",
						0, 0, frame.CurrentDepth, map[string]string{"invalid_count": fmt.Sprint(report.InvalidCount)})
				}
			}
		}
	}
	if ckpt == nil {
		ckpt = checkpoint.New(frame.WorkspaceID, archivePath, "")
	}

	// Planning: enforce the cumulative file-count budget (spec §4.9)
	// before committing to extract this frame's remaining entries.
	if e.Policy.MaxFileCount > 0 {
		_, currentFiles := frame.accumulators.snapshot()
		pending := 0
		for _, re := range rawEntries {
			if !re.IsDirectory && !ckpt.IsExtracted(re.Path) {
				pending++
			}
		}
		if currentFiles+pending > e.Policy.MaxFileCount {
			return archiverr.FileCountExceeded(archivePath, currentFiles+pending, e.Policy.MaxFileCount)
		}
	}

	// Extracting.
	sem := make(chan struct{}, max(1, e.performanceParallelism()))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var filesSinceCkpt, bytesSinceCkpt int

	for _, re := range rawEntries {
		if token.Cancelled() {
			break
		}
		if re.IsDirectory || ckpt.IsExtracted(re.Path) {
			continue
		}

		select {
		case <-ctx.Done():
			token.Cancel()
		default:
		}
		if token.Cancelled() {
			break
		}

		entry := re
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.extractEntry(ctx, frame, archivePath, reader, entry, token, ckpt, parentID, res); err != nil {
				e.Progress.RecordError(err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			filesSinceCkpt++
			bytesSinceCkpt += int(entry.UncompressedSize)
			shouldSave := e.Checkpoints != nil && e.CheckpointCfg.ShouldWriteCheckpoint(filesSinceCkpt, int64(bytesSinceCkpt))
			if shouldSave {
				filesSinceCkpt, bytesSinceCkpt = 0, 0
			}
			mu.Unlock()

			if shouldSave {
				if err := e.Checkpoints.Save(ckpt); err != nil {
					log.Warn("checkpoint save failed", "error", err)
				}
			}
		}()
	}
	wg.Wait()

	if e.Checkpoints != nil {
		_ = e.Checkpoints.Save(ckpt)
	}

	if token.Cancelled() {
		return archiverr.Cancelled(archivePath)
	}

	return firstErr
}

func (e *Engine) performanceParallelism() int {
	if e.Policy.Performance.ParallelFilesPerArchive > 0 {
		return e.Policy.Performance.ParallelFilesPerArchive
	}
	return 4
}

// extractEntry implements the ordering guarantee of spec §5: plan →
// security-check → write-to-CAS → insert-metadata → update-checkpoint
// → emit-progress, with a bounded linear-backoff retry around the
// write.
func (e *Engine) extractEntry(
	ctx context.Context,
	frame *ExtractionContext,
	archivePath string,
	reader archivefmt.Reader,
	entry archivefmt.Entry,
	token *CancelToken,
	ckpt *checkpoint.Checkpoint,
	parentID *uint,
	res *Result,
) error {
	fsPath, err := e.PathManager.ResolveExtractionPath(ctx, frame.WorkspaceID, entry.Path)
	if err != nil {
		return err
	}
	if strings.Contains(fsPath, "_0") {
		e.Progress.RecordPathShortening()
	}

	decision := e.Security.ShouldHalt(entry.CompressedSize, entry.UncompressedSize, frame.CurrentDepth, func() int64 { s, _ := frame.accumulators.snapshot(); return s }())
	if decision.Halt {
		e.Audit.SecurityEvent(frame.WorkspaceID, archivePath, "zip_bomb", "critical", entry.Path, decision.Ratio, decision.RiskScore, frame.CurrentDepth, nil)
		return decision.HaltError(entry.Path)
	}

	var lastErr error
	var hash string
	for attempt := 0; attempt <= maxEntryRetries; attempt++ {
		if attempt > 0 {
			if e.Checkpoints != nil {
				_ = e.Checkpoints.Save(ckpt)
			}
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}

		stream, openErr := reader.Open(entry)
		if openErr != nil {
			lastErr = openErr
			continue
		}

		h, _, storeErr := e.CAS.StoreStreaming(stream)
		_ = stream.Close()
		if storeErr != nil {
			lastErr = storeErr
			continue
		}
		hash = h
		lastErr = nil
		break
	}
	if lastErr != nil {
		return lastErr
	}

	virtualPath := filepath.ToSlash(filepath.Join(frame.VirtualPrefix, entry.Path))
	rec := metadatastore.FileMetadata{
		WorkspaceID:     frame.WorkspaceID,
		SHA256Hash:      hash,
		VirtualPath:     virtualPath,
		OriginalName:    filepath.Base(entry.Path),
		Size:            entry.UncompressedSize,
		ModifiedTime:    entry.ModTime,
		ParentArchiveID: parentID,
		DepthLevel:      frame.CurrentDepth,
	}
	entryID, err := e.MetadataStore.Insert(rec)
	if err != nil {
		return err
	}

	ckpt.UpdateFile(entry.Path, entry.UncompressedSize)
	frame.accumulators.add(entry.UncompressedSize, 1)
	e.Progress.RecordFile(entry.Path, entry.UncompressedSize, frame.CurrentDepth, virtualPath)

	res.ExtractedFiles = append(res.ExtractedFiles, fsPath)
	res.MetadataMappings[fsPath] = entry.Path

	if isNestedArchive(entry.Path) && frame.CurrentDepth+1 <= e.Policy.MaxDepth {
		if err := e.recurseIntoNestedArchive(ctx, frame, hash, virtualPath, entryID, token, res); err != nil {
			return err
		}
	}

	return nil
}

// recurseIntoNestedArchive materializes the nested archive's bytes out
// of the CAS onto disk (archive/zip needs a seekable file, not the
// hash-addressed stream CAS keeps them as), guards against
// self-referential archives, and recurses extractFrame over it.
func (e *Engine) recurseIntoNestedArchive(
	ctx context.Context,
	frame *ExtractionContext,
	hash string,
	virtualPath string,
	entryID uint,
	token *CancelToken,
	res *Result,
) error {
	if frame.visited.markVisited(hash) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("cycle_detected: %s skipped (self-referential archive)", virtualPath))
		return nil
	}

	openPath, err := e.CAS.MaterializeTemp(hash)
	if err != nil {
		return err
	}
	defer func() {
		if e.Symlinks != nil {
			_ = e.Symlinks.SafeRemove(openPath)
		}
	}()

	// The registry picks a reader by extension and the materialized temp
	// file has none, so give it the nested archive's own extension.
	lowerVP := strings.ToLower(virtualPath)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".tar"} {
		if strings.HasSuffix(lowerVP, ext) {
			if rerr := os.Rename(openPath, openPath+ext); rerr != nil {
				return archiverr.IO(openPath, "rename materialized nested archive", rerr)
			}
			openPath += ext
			break
		}
	}

	if e.Symlinks != nil {
		if verr := e.Symlinks.ValidateSymlink(openPath); verr != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("symlink_escape: %s (%s)", virtualPath, verr))
			return nil
		}
		resolved, rerr := e.Symlinks.ResolveSafePath(filepath.Dir(openPath), filepath.Base(openPath))
		if rerr != nil {
			return archiverr.PathTraversal(openPath, rerr)
		}
		openPath = resolved
	}

	child := &ExtractionContext{
		WorkspaceID:   frame.WorkspaceID,
		CurrentDepth:  frame.CurrentDepth + 1,
		VirtualPrefix: virtualPath,
		StartTime:     frame.StartTime,
		accumulators:  frame.accumulators,
		visited:       frame.visited,
	}
	childID := entryID
	return e.extractFrame(ctx, child, openPath, &childID, token, res)
}

func isNestedArchive(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".zip", ".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// NewWorkspaceID generates a random workspace identifier for callers
// that do not supply one. cmd/archivault generates its own id with
// hashicorp/go-uuid and does not call this.
func NewWorkspaceID() string {
	return uuid.NewString()
}
