// Package cas implements the content-addressable store: an immutable,
// hash-keyed object store with a fan-out directory scheme and
// crash-consistent, multi-writer-safe writes.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"archivault/pkg/archiverr"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

// Store is the content-addressable object store rooted at an
// `objects/` directory inside a workspace. It is safe for concurrent
// use by multiple writers, including concurrent writers of the same
// content, per spec §4.3/§5.
type Store struct {
	fs      afero.Fs
	root    string // workspace root; objects live under root/objects
	log     hclog.Logger
	written int64      // count of objects that won their rename race, for metrics
	mu      sync.Mutex // serializes publishTemp's exists-check and rename
}

// New constructs a Store backed by fs, rooted at workspaceRoot. Pass
// afero.NewOsFs() in production and afero.NewMemMapFs() in tests, per
// the spec's CAS-backend polymorphism note (§9).
func New(fs afero.Fs, workspaceRoot string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Store{fs: fs, root: workspaceRoot, log: log.Named("cas")}
	if err := fs.MkdirAll(s.objectsDir(), 0o755); err != nil {
		return nil, archiverr.CASFailure("", "init", err)
	}
	return s, nil
}

func (s *Store) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.objectsDir(), hash[:2], hash)
}

// Store writes content once; repeated calls with identical content are
// idempotent and produce the same hash (testable property 2).
func (s *Store) Store(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if s.Exists(hash) {
		return hash, nil
	}

	if err := s.writeObject(hash, content); err != nil {
		return "", err
	}
	return hash, nil
}

// StoreStreaming streams r to a temporary file while computing its hash
// concurrently with writing, then renames into place. It never buffers
// the whole object in memory. Returns the hash and the total byte count
// written.
func (s *Store) StoreStreaming(r io.Reader) (hash string, size int64, err error) {
	dir := filepath.Join(s.objectsDir(), "tmp")
	if mkErr := s.fs.MkdirAll(dir, 0o755); mkErr != nil {
		return "", 0, archiverr.CASFailure("", "mkdir tmp", mkErr)
	}

	tmp, err := afero.TempFile(s.fs, dir, "obj-*")
	if err != nil {
		return "", 0, archiverr.CASFailure("", "create temp", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpName)
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		_ = tmp.Close()
		return "", 0, archiverr.CASFailure("", "stream write", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, archiverr.CASFailure("", "close temp", err)
	}

	hash = hex.EncodeToString(hasher.Sum(nil))

	if s.Exists(hash) {
		return hash, n, nil
	}

	if err := s.publishTemp(hash, tmpName); err != nil {
		return "", 0, err
	}

	return hash, n, nil
}

// writeObject is the non-streaming equivalent of publishTemp: write the
// whole buffer to a temp file, then rename.
func (s *Store) writeObject(hash string, content []byte) error {
	dir := filepath.Join(s.objectsDir(), "tmp")
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return archiverr.CASFailure(hash, "mkdir tmp", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "obj-*")
	if err != nil {
		return archiverr.CASFailure(hash, "create temp", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return archiverr.CASFailure(hash, "write", err)
	}
	if err := tmp.Close(); err != nil {
		return archiverr.CASFailure(hash, "close temp", err)
	}

	return s.publishTemp(hash, tmpName)
}

// publishTemp renames tmpName to the object's final path. Multiple
// concurrent callers of this Store may race to publish the same hash:
// the exists-check and rename run under s.mu, so exactly one rename
// wins and the rest observe the object already exists and discard
// their temp file (§4.3 concurrency).
func (s *Store) publishTemp(hash, tmpName string) error {
	finalPath := s.objectPath(hash)
	if err := s.fs.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return archiverr.CASFailure(hash, "mkdir fanout", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Exists(hash) {
		return nil
	}

	if err := s.fs.Rename(tmpName, finalPath); err != nil {
		if s.Exists(hash) {
			// Lost the rename race to another writer; our content is
			// already present under the final name.
			return nil
		}
		return archiverr.CASFailure(hash, "rename", err)
	}

	atomic.AddInt64(&s.written, 1)
	return nil
}

// MaterializeTemp copies the object named by hash out to a fresh
// temporary file on the underlying filesystem and returns its path.
// Formats that need random access (zip) can't open the hash-addressed
// bytes in place, so this gives the engine a real, seekable file to
// recurse into for a nested archive. The caller owns the returned
// file's lifecycle and is responsible for removing it.
func (s *Store) MaterializeTemp(hash string) (path string, err error) {
	dir := filepath.Join(s.objectsDir(), "tmp")
	if mkErr := s.fs.MkdirAll(dir, 0o755); mkErr != nil {
		return "", archiverr.CASFailure(hash, "mkdir tmp", mkErr)
	}

	tmp, err := afero.TempFile(s.fs, dir, "nested-*")
	if err != nil {
		return "", archiverr.CASFailure(hash, "create temp", err)
	}
	tmpName := tmp.Name()

	src, err := s.OpenStream(hash)
	if err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return "", err
	}
	_, copyErr := io.Copy(tmp, src)
	_ = src.Close()
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = s.fs.Remove(tmpName)
		return "", archiverr.CASFailure(hash, "materialize", copyErr)
	}
	if closeErr != nil {
		_ = s.fs.Remove(tmpName)
		return "", archiverr.CASFailure(hash, "materialize", closeErr)
	}

	return tmpName, nil
}

// Exists reports whether an object for hash is already stored.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	info, err := s.fs.Stat(s.objectPath(hash))
	return err == nil && !info.IsDir()
}

// Read returns the full contents of the object named by hash.
func (s *Store) Read(hash string) ([]byte, error) {
	if !s.Exists(hash) {
		return nil, archiverr.CASFailure(hash, "read", fmt.Errorf("no object for hash %q", hash))
	}
	data, err := afero.ReadFile(s.fs, s.objectPath(hash))
	if err != nil {
		return nil, archiverr.CASFailure(hash, "read", err)
	}
	if !verifyIntegrity(hash, data) {
		return nil, archiverr.CorruptArchive(hash, fmt.Errorf("stored object hash does not match its content"))
	}
	return data, nil
}

// OpenStream returns a reader over the object named by hash without
// loading it fully into memory.
func (s *Store) OpenStream(hash string) (io.ReadCloser, error) {
	if !s.Exists(hash) {
		return nil, archiverr.CASFailure(hash, "open", fmt.Errorf("no object for hash %q", hash))
	}
	f, err := s.fs.Open(s.objectPath(hash))
	if err != nil {
		return nil, archiverr.CASFailure(hash, "open", err)
	}
	return f, nil
}

// WrittenCount returns how many objects this Store instance has
// actually published (won the rename race for), for metrics.
func (s *Store) WrittenCount() int64 {
	return atomic.LoadInt64(&s.written)
}

func verifyIntegrity(hash string, data []byte) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == hash
}
