// Package security implements the SecurityDetector component: a
// stateless evaluator that decides whether a recursion frame should
// halt for bomb-like behavior and scans an entry list for suspicious
// patterns worth a warning.
package security

import (
	"math"
	"strings"

	"archivault/pkg/archiverr"
)

// Config mirrors the [security] section of ExtractionPolicy.
type Config struct {
	CompressionRatioThreshold   float64
	ExponentialBackoffThreshold float64
	EnableZipBombDetection      bool
	MaxFileSize                 int64
	MaxTotalSize                int64
	MaxDepth                    int
	AllowedExtensions           []string
	ForbiddenExtensions         []string
	ValidateFilenames           bool
	SuspiciousEntryCountLimit   int
}

// Entry is the minimal view of an archive entry the detector needs.
type Entry struct {
	Path               string
	CompressedSize     int64
	UncompressedSize   int64
}

// Detector evaluates archive frames for zip-bomb and abuse patterns. It
// holds no mutable state and is safe for concurrent use.
type Detector struct {
	cfg Config
}

// New constructs a Detector bound to a fixed, validated policy snapshot.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Decision is the outcome of ShouldHalt.
type Decision struct {
	Halt      bool
	Ratio     float64
	RiskScore float64
	Reason    string
}

// ShouldHalt implements the §4.1 contract: given the compressed and
// uncompressed size of one frame, its nesting depth, and the cumulative
// bytes already extracted in this workspace, decide whether to halt.
func (d *Detector) ShouldHalt(compressed, uncompressed int64, depth int, cumulativeExtracted int64) Decision {
	ratio := compressionRatio(compressed, uncompressed)
	risk := riskScore(ratio, depth)

	if depth >= d.cfg.MaxDepth {
		return Decision{Halt: true, Ratio: ratio, RiskScore: risk, Reason: "max nesting depth reached"}
	}

	if d.cfg.MaxTotalSize > 0 && cumulativeExtracted+uncompressed > d.cfg.MaxTotalSize {
		return Decision{Halt: true, Ratio: ratio, RiskScore: risk, Reason: "cumulative extracted size would exceed maximum"}
	}

	if d.cfg.EnableZipBombDetection {
		if d.cfg.CompressionRatioThreshold > 0 && ratio > d.cfg.CompressionRatioThreshold {
			return Decision{Halt: true, Ratio: ratio, RiskScore: risk, Reason: "compression ratio exceeds threshold"}
		}
		if d.cfg.ExponentialBackoffThreshold > 0 && risk > d.cfg.ExponentialBackoffThreshold {
			return Decision{Halt: true, Ratio: ratio, RiskScore: risk, Reason: "depth-amplified risk score exceeds threshold"}
		}
	}

	return Decision{Halt: false, Ratio: ratio, RiskScore: risk}
}

// HaltError turns a halting Decision into a structured *archiverr.Error.
func (d *Decision) HaltError(path string) *archiverr.Error {
	return archiverr.ZipBomb(path, d.Ratio, d.RiskScore)
}

// compressionRatio implements the §4.1 edge cases around zero-sized entries.
func compressionRatio(compressed, uncompressed int64) float64 {
	switch {
	case compressed == 0 && uncompressed == 0:
		return 0
	case compressed == 0:
		return math.Inf(1)
	default:
		return float64(uncompressed) / float64(compressed)
	}
}

// riskScore is exponential in nesting depth so that a merely-suspicious
// ratio becomes disqualifying once nested a few archives deep.
func riskScore(ratio float64, depth int) float64 {
	if math.IsInf(ratio, 1) {
		return ratio
	}
	return math.Pow(ratio, float64(depth+1))
}

// Warning is a non-fatal observation surfaced to the caller for logging
// and audit purposes; it never halts extraction on its own.
type Warning struct {
	Kind    string
	Path    string
	Detail  string
}

const defaultSuspiciousEntryCountLimit = 10_000

// ScanPatterns scans an entry list once and returns warnings for
// suspicious characteristics: oversized entry counts, an aggregate
// compression ratio above threshold, path traversal components,
// forbidden extensions, and entries exceeding the per-file size cap.
func (d *Detector) ScanPatterns(entries []Entry) []Warning {
	var warnings []Warning

	limit := d.cfg.SuspiciousEntryCountLimit
	if limit <= 0 {
		limit = defaultSuspiciousEntryCountLimit
	}
	if len(entries) > limit {
		warnings = append(warnings, Warning{
			Kind:   "entry_count",
			Detail: "archive contains an unusually large number of entries",
		})
	}

	var totalCompressed, totalUncompressed int64
	for _, e := range entries {
		totalCompressed += e.CompressedSize
		totalUncompressed += e.UncompressedSize

		if containsTraversal(e.Path) {
			warnings = append(warnings, Warning{Kind: "path_traversal", Path: e.Path, Detail: "entry path contains a parent-traversal component"})
		}
		if d.hasForbiddenExtension(e.Path) {
			warnings = append(warnings, Warning{Kind: "forbidden_extension", Path: e.Path, Detail: "entry has a forbidden extension"})
		}
		if d.cfg.MaxFileSize > 0 && e.UncompressedSize > d.cfg.MaxFileSize {
			warnings = append(warnings, Warning{Kind: "oversized_entry", Path: e.Path, Detail: "entry uncompressed size exceeds max_file_size"})
		}
	}

	aggregateRatio := compressionRatio(totalCompressed, totalUncompressed)
	if d.cfg.CompressionRatioThreshold > 0 && aggregateRatio > d.cfg.CompressionRatioThreshold {
		warnings = append(warnings, Warning{Kind: "aggregate_ratio", Detail: "overall compressed/uncompressed ratio exceeds threshold"})
	}

	return warnings
}

func containsTraversal(path string) bool {
	path = strings.ReplaceAll(path, "\\", "/")
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func (d *Detector) hasForbiddenExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range d.cfg.ForbiddenExtensions {
		if ext == "" {
			continue
		}
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
