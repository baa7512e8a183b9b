// Package policy implements the PolicyManager component: it loads,
// validates, and hot-swaps the ExtractionPolicy behind a read-preferring
// lock so that an in-flight extraction frame always sees a consistent
// snapshot even if the policy is reloaded concurrently.
package policy

import (
	"os"
	"sync"

	"archivault/pkg/archiverr"

	"github.com/pelletier/go-toml/v2"
)

// SecurityPolicy mirrors the [security] TOML section.
type SecurityPolicy struct {
	CompressionRatioThreshold   float64  `toml:"compression_ratio_threshold"`
	ExponentialBackoffThreshold float64  `toml:"exponential_backoff_threshold"`
	EnableZipBombDetection      bool     `toml:"enable_zip_bomb_detection"`
	AllowedExtensions           []string `toml:"allowed_extensions"`
	ForbiddenExtensions         []string `toml:"forbidden_extensions"`
	ValidateFilenames           bool     `toml:"validate_filenames"`
}

// PathsPolicy mirrors the [paths] TOML section.
type PathsPolicy struct {
	EnableLongPaths     bool    `toml:"enable_long_paths"`
	ShorteningThreshold float64 `toml:"shortening_threshold"`
	HashAlgorithm       string  `toml:"hash_algorithm"`
	HashLength          int     `toml:"hash_length"`
}

// PerformancePolicy mirrors the [performance] TOML section.
type PerformancePolicy struct {
	EnableStreaming          bool `toml:"enable_streaming"`
	DirectoryBatchSize       int  `toml:"directory_batch_size"`
	ParallelFilesPerArchive  int  `toml:"parallel_files_per_archive"`
	TempDirTTLSeconds        int  `toml:"temp_dir_ttl_seconds"`
	LogRetentionDays         int  `toml:"log_retention_days"`
}

// AuditPolicy mirrors the [audit] TOML section.
type AuditPolicy struct {
	EnableAuditLogging bool   `toml:"enable_audit_logging"`
	LogFormat          string `toml:"log_format"`
	LogLevel           string `toml:"log_level"`
	LogSecurityEvents  bool   `toml:"log_security_events"`
}

// Policy is the full ExtractionPolicy (spec §3).
type Policy struct {
	MaxDepth              int   `toml:"max_depth"`
	MaxFileSize           int64 `toml:"max_file_size"`
	MaxTotalSize          int64 `toml:"max_total_size"`
	MaxWorkspaceSize      int64 `toml:"max_workspace_size"`
	MaxFileCount          int   `toml:"max_file_count"`
	BufferSize            int   `toml:"buffer_size"`
	ConcurrentExtractions int   `toml:"concurrent_extractions"`

	Security    SecurityPolicy    `toml:"security"`
	Paths       PathsPolicy       `toml:"paths"`
	Performance PerformancePolicy `toml:"performance"`
	Audit       AuditPolicy       `toml:"audit"`
}

var validHashAlgorithms = map[string]bool{"sha256": true}
var validLogFormats = map[string]bool{"json": true, "text": true}

// Validate enforces the constraints spec §4.7 names. It never mutates
// the receiver.
func (p Policy) Validate() error {
	if p.MaxDepth < 1 || p.MaxDepth > 20 {
		return archiverr.PolicyInvalid("max_depth", "must be between 1 and 20")
	}
	if p.MaxFileSize <= 0 {
		return archiverr.PolicyInvalid("max_file_size", "must be positive")
	}
	if p.MaxTotalSize <= 0 {
		return archiverr.PolicyInvalid("max_total_size", "must be positive")
	}
	if p.MaxWorkspaceSize <= 0 {
		return archiverr.PolicyInvalid("max_workspace_size", "must be positive")
	}
	if p.MaxFileCount <= 0 {
		return archiverr.PolicyInvalid("max_file_count", "must be positive")
	}
	if p.Paths.ShorteningThreshold <= 0 || p.Paths.ShorteningThreshold > 1 {
		return archiverr.PolicyInvalid("paths.shortening_threshold", "must be in (0, 1]")
	}
	if p.Paths.HashLength < 8 || p.Paths.HashLength > 64 {
		return archiverr.PolicyInvalid("paths.hash_length", "must be between 8 and 64")
	}
	if !validHashAlgorithms[p.Paths.HashAlgorithm] {
		return archiverr.PolicyInvalid("paths.hash_algorithm", "must be one of: sha256")
	}
	if !validLogFormats[p.Audit.LogFormat] {
		return archiverr.PolicyInvalid("audit.log_format", "must be one of: json, text")
	}
	return nil
}

// Default returns a conservative, always-valid starting policy.
func Default() Policy {
	return Policy{
		MaxDepth:              10,
		MaxFileSize:           1 << 30,
		MaxTotalSize:          10 << 30,
		MaxWorkspaceSize:      100 << 30,
		MaxFileCount:          100_000,
		BufferSize:            64 * 1024,
		ConcurrentExtractions: 4,
		Security: SecurityPolicy{
			CompressionRatioThreshold:   100,
			ExponentialBackoffThreshold: 1_000_000,
			EnableZipBombDetection:      true,
			ForbiddenExtensions:         []string{".exe", ".dll", ".so"},
			ValidateFilenames:           true,
		},
		Paths: PathsPolicy{
			EnableLongPaths:     true,
			ShorteningThreshold: 0.8,
			HashAlgorithm:       "sha256",
			HashLength:          16,
		},
		Performance: PerformancePolicy{
			EnableStreaming:         true,
			DirectoryBatchSize:      100,
			ParallelFilesPerArchive: 4,
			TempDirTTLSeconds:       3600,
			LogRetentionDays:        30,
		},
		Audit: AuditPolicy{
			EnableAuditLogging: true,
			LogFormat:          "json",
			LogLevel:           "info",
			LogSecurityEvents:  true,
		},
	}
}

// Manager holds the active Policy behind a read-preferring RWMutex:
// Get takes a read lock and returns a deep copy, so a concurrent
// Load/Update can never mutate a value a caller is mid-extraction with.
type Manager struct {
	mu      sync.RWMutex
	current Policy
}

// NewManager constructs a Manager seeded with an already-validated policy.
func NewManager(initial Policy) (*Manager, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Manager{current: initial}, nil
}

// Load reads path as TOML, validates the result, and — only on success
// — swaps it in as the active policy. On validation failure the
// current policy is left unchanged.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return archiverr.IO(path, "policy load", err)
	}

	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return archiverr.IO(path, "policy parse", err)
	}

	return m.Update(p)
}

// Update validates p and, only on success, swaps it in as the active policy.
func (m *Manager) Update(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = p
	return nil
}

// Get returns a snapshot clone of the active policy.
func (m *Manager) Get() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

func (p Policy) clone() Policy {
	cp := p
	cp.Security.AllowedExtensions = append([]string(nil), p.Security.AllowedExtensions...)
	cp.Security.ForbiddenExtensions = append([]string(nil), p.Security.ForbiddenExtensions...)
	return cp
}
