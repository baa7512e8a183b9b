// Package pathmanager implements the PathManager component: it turns
// unsafe or overlong archive entry paths into filesystem-safe,
// collision-free paths under a workspace root and remembers the
// short↔original mapping so repeated calls are stable.
package pathmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"archivault/pkg/archiverr"
	"archivault/pkg/safepath"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
)

// Config mirrors the [paths] section of ExtractionPolicy.
type Config struct {
	MaxPathLength       int
	ShorteningThreshold float64 // fraction of MaxPathLength, (0,1]
	EnableLongPaths     bool
	HashAlgorithm       string // only "sha256" is supported today
	HashLength          int    // hex characters kept from the digest, [8,64]
}

func (c Config) shorteningTriggerLength() int {
	return int(float64(c.MaxPathLength) * c.ShorteningThreshold)
}

// pathMapRow is the persisted row backing the bijective short↔original
// mapping table described in spec §6 (`path_map`).
type pathMapRow struct {
	ID           uint `gorm:"primaryKey"`
	WorkspaceID  string `gorm:"uniqueIndex:idx_ws_short;index:idx_ws_original"`
	ShortPath    string `gorm:"uniqueIndex:idx_ws_short"`
	OriginalPath string `gorm:"index:idx_ws_original"`
}

func (pathMapRow) TableName() string { return "path_map" }

// Manager implements PathManager. Its mapping cache is safe for
// concurrent use; cold misses for the same cache key serialize through a
// per-key mutex so two goroutines resolving the same original path never
// both perform the shortening work and race on the persisted insert.
type Manager struct {
	root     string
	db       *gorm.DB
	cfg      Config
	log      hclog.Logger
	cache    sync.Map // cacheKey -> string
	keyLocks sync.Map // cacheKey -> *sync.Mutex
}

type cacheKey struct {
	workspaceID string
	value       string
	reverse     bool
}

// New opens (creating if necessary) the pathmanager backed by db, rooted
// at workspaceRoot. db is expected to already have its connection pool
// configured by the caller; New runs the schema migration.
func New(workspaceRoot string, db *gorm.DB, cfg Config, log hclog.Logger) (*Manager, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := db.AutoMigrate(&pathMapRow{}); err != nil {
		return nil, archiverr.IO(workspaceRoot, "path_map migrate", err)
	}
	return &Manager{
		root: filepath.Clean(workspaceRoot),
		db:   db,
		cfg:  cfg,
		log:  log.Named("pathmanager"),
	}, nil
}

// ResolveExtractionPath implements the §4.2 algorithm end to end,
// returning a filesystem path guaranteed to be within the workspace
// root and to fit OS path-length limits.
func (m *Manager) ResolveExtractionPath(ctx context.Context, workspaceID, fullPath string) (string, error) {
	normalized, err := normalizeAndValidate(fullPath)
	if err != nil {
		return "", err
	}

	key := cacheKey{workspaceID: workspaceID, value: normalized}
	if v, ok := m.cache.Load(key); ok {
		return v.(string), nil
	}

	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	// Re-check the cache: another goroutine may have resolved this
	// exact key while we waited for the lock.
	if v, ok := m.cache.Load(key); ok {
		return v.(string), nil
	}

	var existing pathMapRow
	err = m.db.WithContext(ctx).
		Where("workspace_id = ? AND original_path = ?", workspaceID, normalized).
		First(&existing).Error
	if err == nil {
		m.cache.Store(key, existing.ShortPath)
		m.cache.Store(cacheKey{workspaceID: workspaceID, value: existing.ShortPath, reverse: true}, normalized)
		return existing.ShortPath, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", archiverr.IO(normalized, "path_map lookup", err)
	}

	candidate := normalized
	if m.triggersShortening(normalized) {
		candidate, err = m.createShortenedPath(normalized)
		if err != nil {
			return "", err
		}
	}

	relPath, err := m.resolveCollision(workspaceID, candidate)
	if err != nil {
		return "", err
	}

	fsPath := filepath.Join(m.root, filepath.FromSlash(relPath))
	displayPath := m.applyLongPathPrefix(fsPath)

	row := pathMapRow{WorkspaceID: workspaceID, ShortPath: displayPath, OriginalPath: normalized}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", archiverr.IO(normalized, "path_map insert", err)
	}

	m.cache.Store(key, displayPath)
	m.cache.Store(cacheKey{workspaceID: workspaceID, value: displayPath, reverse: true}, normalized)

	return displayPath, nil
}

// ResolveOriginalPath implements the §4.2 reverse lookup.
func (m *Manager) ResolveOriginalPath(ctx context.Context, workspaceID, shortPath string) (string, error) {
	key := cacheKey{workspaceID: workspaceID, value: shortPath, reverse: true}
	if v, ok := m.cache.Load(key); ok {
		return v.(string), nil
	}

	var row pathMapRow
	err := m.db.WithContext(ctx).
		Where("workspace_id = ? AND short_path = ?", workspaceID, shortPath).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", archiverr.IO(shortPath, "path_map reverse lookup", fmt.Errorf("no mapping for short path %q", shortPath))
	}
	if err != nil {
		return "", archiverr.IO(shortPath, "path_map reverse lookup", err)
	}

	m.cache.Store(key, row.OriginalPath)
	return row.OriginalPath, nil
}

func (m *Manager) lockFor(key cacheKey) *sync.Mutex {
	v, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) triggersShortening(path string) bool {
	return len(path) > m.cfg.shorteningTriggerLength()
}

// reservedNames are the Windows device names that are unsafe regardless
// of extension or case.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

func normalizeAndValidate(path string) (string, error) {
	normalized := norm.NFC.String(path)
	slashed := strings.ReplaceAll(normalized, "\\", "/")

	if strings.Contains(slashed, "\x00") {
		return "", archiverr.PathTraversal(path, fmt.Errorf("path contains a null byte"))
	}
	if strings.HasPrefix(slashed, "/") {
		return "", archiverr.PathTraversal(path, fmt.Errorf("path has an absolute root"))
	}

	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", archiverr.PathTraversal(path, fmt.Errorf("path contains a parent-traversal component"))
		}
		base := part
		if idx := strings.IndexByte(base, '.'); idx >= 0 {
			base = base[:idx]
		}
		if reservedNames[strings.ToLower(base)] {
			return "", archiverr.PathTraversal(path, fmt.Errorf("path component %q is an OS-reserved name", part))
		}
	}

	return filepath.Clean(slashed), nil
}

// createShortenedPath implements §4.2d: find the longest path component,
// split it into stem+ext, replace the stem with a hex-truncated SHA-256
// digest, and rebuild the path. Per the original implementation this
// examines the longest component anywhere in the path, not necessarily
// the basename.
func (m *Manager) createShortenedPath(path string) (string, error) {
	parts := strings.Split(path, "/")

	longestIdx := 0
	for i, p := range parts {
		if len(p) > len(parts[longestIdx]) {
			longestIdx = i
		}
	}

	stem, ext := splitStemExt(parts[longestIdx])
	hashLen := m.cfg.HashLength
	if hashLen <= 0 || hashLen > 64 {
		hashLen = 16
	}
	sum := sha256.Sum256([]byte(stem))
	hashed := hex.EncodeToString(sum[:])[:hashLen]

	parts[longestIdx] = hashed + ext

	return strings.Join(parts, "/"), nil
}

func splitStemExt(component string) (stem, ext string) {
	ext = filepath.Ext(component)
	stem = strings.TrimSuffix(component, ext)
	if stem == "" {
		// A dotfile with no stem (".gitignore") keeps its name as the stem
		// rather than hashing an empty string.
		return component, ""
	}
	return stem, ext
}

// resolveCollision implements §4.2e: if the candidate filesystem path
// already exists on disk, append a zero-padded counter before the
// extension until a free name is found, up to 999 attempts.
func (m *Manager) resolveCollision(workspaceID, candidate string) (string, error) {
	fsPath := filepath.Join(m.root, filepath.FromSlash(candidate))
	if err := m.validateWithinRoot(fsPath); err != nil {
		return "", err
	}

	if _, err := os.Stat(fsPath); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)

	for n := 1; n <= 999; n++ {
		attempt := fmt.Sprintf("%s_%03d%s", base, n, ext)
		attemptFs := filepath.Join(m.root, filepath.FromSlash(attempt))
		if _, err := os.Stat(attemptFs); os.IsNotExist(err) {
			return attempt, nil
		}
	}

	return "", archiverr.PathTraversal(candidate, fmt.Errorf("exhausted 999 collision-resolution attempts"))
}

func (m *Manager) validateWithinRoot(fsPath string) error {
	v, err := safepath.New(m.root)
	if err != nil {
		return archiverr.IO(m.root, "open workspace root", err)
	}
	if !v.Contains(fsPath) {
		return archiverr.PathTraversal(fsPath, fmt.Errorf("resolved path escapes workspace root"))
	}
	return nil
}

// applyLongPathPrefix prepends the Windows `\\?\` UNC prefix to an
// absolute filesystem path when long paths are enabled and the platform
// needs it; it is a no-op elsewhere.
func (m *Manager) applyLongPathPrefix(absPath string) string {
	if !m.cfg.EnableLongPaths || os.PathSeparator != '\\' {
		return absPath
	}
	if strings.HasPrefix(absPath, `\\?\`) {
		return absPath
	}
	return `\\?\` + absPath
}
