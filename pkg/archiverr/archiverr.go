// Package archiverr defines the closed error taxonomy shared by every
// component of the extraction engine. Every fallible operation returns an
// *Error (or wraps one), so callers can recover structured context with
// errors.As instead of parsing message strings.
package archiverr

import (
	"errors"
	"fmt"
)

// Kind identifies which class of failure occurred.
type Kind int

const (
	// KindUnknown is the zero value and should never be constructed deliberately.
	KindUnknown Kind = iota
	// KindPathTraversal indicates an entry path would escape its extraction root.
	KindPathTraversal
	// KindZipBomb indicates a frame was halted for exceeding a compression-ratio or risk-score threshold.
	KindZipBomb
	// KindDepthExceeded indicates the configured maximum nesting depth was reached.
	KindDepthExceeded
	// KindSizeExceeded indicates the cumulative extracted-size budget was exhausted.
	KindSizeExceeded
	// KindFileCountExceeded indicates the cumulative extracted-file-count budget was exhausted.
	KindFileCountExceeded
	// KindUnsupportedFormat indicates an archive or a compression method within it could not be read.
	KindUnsupportedFormat
	// KindCorruptArchive indicates the archive's structure could not be parsed.
	KindCorruptArchive
	// KindCASFailure indicates the content-addressable store could not complete an operation.
	KindCASFailure
	// KindCheckpointFailure indicates the checkpoint file could not be read or written.
	KindCheckpointFailure
	// KindPolicyInvalid indicates a policy failed validation and was rejected.
	KindPolicyInvalid
	// KindCancelled indicates the caller's cancellation token fired mid-extraction.
	KindCancelled
	// KindIO indicates an underlying filesystem operation failed for a reason unrelated to the above.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindPathTraversal:
		return "path_traversal"
	case KindZipBomb:
		return "zip_bomb"
	case KindDepthExceeded:
		return "depth_exceeded"
	case KindSizeExceeded:
		return "size_exceeded"
	case KindFileCountExceeded:
		return "file_count_exceeded"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindCorruptArchive:
		return "corrupt_archive"
	case KindCASFailure:
		return "cas_failure"
	case KindCheckpointFailure:
		return "checkpoint_failure"
	case KindPolicyInvalid:
		return "policy_invalid"
	case KindCancelled:
		return "cancelled"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the closed error type returned by every archivault component.
type Error struct {
	Kind                 Kind
	Message              string
	FailedFilePath        string
	SuggestedRemediation string
	Context              map[string]string
	Cause                error
}

func (e *Error) Error() string {
	if e.FailedFilePath != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.FailedFilePath)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithContext returns a copy of e with key set in its Context map.
func (e *Error) WithContext(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

func newError(kind Kind, path, message, remediation string, cause error) *Error {
	return &Error{
		Kind:                 kind,
		Message:              message,
		FailedFilePath:        path,
		SuggestedRemediation: remediation,
		Cause:                cause,
	}
}

// PathTraversal reports an entry whose resolved path would escape its root.
func PathTraversal(path string, cause error) *Error {
	return newError(KindPathTraversal, path,
		"entry path resolves outside the extraction root",
		"the archive is untrusted or corrupt; inspect it before retrying with a relaxed policy",
		cause)
}

// ZipBomb reports a frame halted for exceeding a compression-ratio or risk-score threshold.
func ZipBomb(path string, ratio, riskScore float64) *Error {
	return newError(KindZipBomb, path,
		fmt.Sprintf("compression ratio %.1f (risk score %.3f) exceeds the configured threshold", ratio, riskScore),
		"increase security.compression_ratio_threshold or security.exponential_backoff_threshold only if the source is trusted", nil).
		WithContext("compression_ratio", fmt.Sprintf("%.1f", ratio)).
		WithContext("risk_score", fmt.Sprintf("%.3f", riskScore))
}

// DepthExceeded reports that the configured maximum nesting depth was reached.
func DepthExceeded(path string, depth, max int) *Error {
	return newError(KindDepthExceeded, path,
		fmt.Sprintf("nesting depth %d exceeds maximum %d", depth, max),
		"increase max_depth if the archive is known-legitimate", nil)
}

// SizeExceeded reports that the cumulative extracted-size budget was exhausted.
func SizeExceeded(path string, extracted, max int64) *Error {
	return newError(KindSizeExceeded, path,
		fmt.Sprintf("cumulative extracted size %d exceeds maximum %d", extracted, max),
		"increase max_total_size or extract a narrower subtree", nil)
}

// FileCountExceeded reports that the cumulative extracted-file-count budget was exhausted.
func FileCountExceeded(path string, extracted, max int) *Error {
	return newError(KindFileCountExceeded, path,
		fmt.Sprintf("cumulative extracted file count %d exceeds maximum %d", extracted, max),
		"increase max_file_count or extract a narrower subtree", nil)
}

// UnsupportedFormat reports an archive, or a compression method inside it, that cannot be read.
func UnsupportedFormat(path, detail string, cause error) *Error {
	return newError(KindUnsupportedFormat, path,
		fmt.Sprintf("unsupported archive format or method: %s", detail),
		"no reader is registered for this format; the entry will be skipped", cause)
}

// CorruptArchive reports an archive whose structure could not be parsed.
func CorruptArchive(path string, cause error) *Error {
	return newError(KindCorruptArchive, path,
		"archive structure could not be parsed", "re-download or re-create the archive", cause)
}

// CASFailure reports a content-addressable store operation that failed.
func CASFailure(path, op string, cause error) *Error {
	return newError(KindCASFailure, path,
		fmt.Sprintf("content store operation %q failed", op),
		"check disk space and permissions on the CAS root", cause)
}

// CheckpointFailure reports a checkpoint read or write failure.
func CheckpointFailure(path, op string, cause error) *Error {
	return newError(KindCheckpointFailure, path,
		fmt.Sprintf("checkpoint operation %q failed", op),
		"check disk space and permissions on the checkpoint directory; a missing or corrupt checkpoint forces a full re-extraction", cause)
}

// PolicyInvalid reports a policy that failed validation.
func PolicyInvalid(field, reason string) *Error {
	return newError(KindPolicyInvalid, "",
		fmt.Sprintf("policy field %q invalid: %s", field, reason),
		"correct the policy file and reload", nil).
		WithContext("field", field)
}

// Cancelled reports that the caller's cancellation token fired mid-extraction.
func Cancelled(path string) *Error {
	return newError(KindCancelled, path,
		"extraction cancelled", "resume the extraction; the checkpoint preserves completed entries", nil)
}

// IO reports an underlying filesystem failure not covered by a more specific kind.
func IO(path, op string, cause error) *Error {
	return newError(KindIO, path, fmt.Sprintf("%s failed", op), "check filesystem permissions and available disk space", cause)
}

// As is a typed convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err is, or wraps, an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
