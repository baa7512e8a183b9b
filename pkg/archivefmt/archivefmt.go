// Package archivefmt defines the archive-reader capability the engine
// consumes (spec §6) and a registry of concrete format implementations
// keyed by file extension. The engine is parametric over this
// interface; adding a new archive format means registering a new
// OpenFunc, not touching the engine.
package archivefmt

import (
	"io"
	"path/filepath"
	"strings"
	"time"

	"archivault/pkg/archiverr"
)

// Entry describes one archive member.
type Entry struct {
	Path             string
	CompressedSize   int64
	UncompressedSize int64
	IsDirectory      bool
	ModTime          time.Time
}

// Reader is the capability the engine consumes to enumerate and read
// archive members without knowing the concrete format.
type Reader interface {
	// Entries returns every member of the archive.
	Entries() ([]Entry, error)
	// Open returns a stream over the content of entry.
	Open(entry Entry) (io.ReadCloser, error)
	// Close releases any resources the reader holds (e.g. the underlying file).
	Close() error
}

// OpenFunc opens path and returns a Reader over it.
type OpenFunc func(path string) (Reader, error)

// Registry maps file extensions to archive-format implementations.
type Registry struct {
	byExtension map[string]OpenFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExtension: make(map[string]OpenFunc)}
}

// Register associates ext (e.g. ".zip", ".tar.gz") with open. Matching
// is case-insensitive.
func (r *Registry) Register(ext string, open OpenFunc) {
	r.byExtension[strings.ToLower(ext)] = open
}

// Open resolves path's format by extension (longest match wins, so
// ".tar.gz" is preferred over ".gz") and opens it. An unregistered
// extension surfaces as archiverr.KindUnsupportedFormat.
func (r *Registry) Open(path string) (Reader, error) {
	lower := strings.ToLower(path)

	var bestExt string
	var bestFn OpenFunc
	for ext, fn := range r.byExtension {
		if strings.HasSuffix(lower, ext) && len(ext) > len(bestExt) {
			bestExt, bestFn = ext, fn
		}
	}
	if bestFn == nil {
		return nil, archiverr.UnsupportedFormat(path, filepath.Ext(path), nil)
	}

	reader, err := bestFn(path)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// NewDefaultRegistry returns a Registry with the zip and tar/tar.gz/tgz
// readers registered — the formats the standard library already
// parses safely, per spec §9's note that concrete parsers are a
// plug-in concern.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(".zip", OpenZip)
	r.Register(".tar", OpenTar)
	r.Register(".tar.gz", OpenTarGz)
	r.Register(".tgz", OpenTarGz)
	return r
}
