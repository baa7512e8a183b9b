package archivefmt

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"

	"archivault/pkg/archiverr"
)

// tarReader adapts archive/tar to the Reader capability. Unlike zip,
// tar has no central directory: reading member N requires having read
// 1..N-1 first. tarReader makes one sequential pass up front and keeps
// each member's bytes in memory, trading memory for a Reader
// implementation that supports the same random-access Open(entry) the
// interface promises for zip.
type tarReader struct {
	entries []Entry
	content map[string][]byte
}

// OpenTar opens an uncompressed .tar archive. Entries are stored
// one-for-one with no compression, so CompressedSize == UncompressedSize
// is the true ratio, not an approximation.
func OpenTar(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, archiverr.CorruptArchive(path, err)
	}
	defer f.Close()

	return readTarStream(path, f, false)
}

// OpenTarGz opens a gzip-compressed .tar.gz / .tgz archive.
func OpenTarGz(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, archiverr.CorruptArchive(path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, archiverr.CorruptArchive(path, err)
	}
	defer gz.Close()

	return readTarStream(path, gz, true)
}

func readTarStream(path string, r io.Reader, gzipCompressed bool) (Reader, error) {
	tr := tar.NewReader(r)

	entries := make([]Entry, 0)
	content := make(map[string][]byte)
	var totalUncompressed int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, archiverr.CorruptArchive(path, err)
		}

		isDir := hdr.Typeflag == tar.TypeDir
		entry := Entry{
			Path:             hdr.Name,
			CompressedSize:   hdr.Size,
			UncompressedSize: hdr.Size,
			IsDirectory:      isDir,
			ModTime:          hdr.ModTime,
		}
		entries = append(entries, entry)

		if isDir {
			continue
		}
		totalUncompressed += hdr.Size

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, archiverr.CorruptArchive(path, err)
		}
		content[hdr.Name] = buf.Bytes()
	}

	// gzip hides per-member compressed sizes: there is no frame boundary
	// in the deflate stream between tar members. Approximate each
	// member's CompressedSize by distributing the on-disk archive size
	// proportionally to its share of the total uncompressed bytes, so
	// the aggregate ratio SecurityDetector sees matches the real
	// on-disk compression instead of reporting a false 1:1.
	if gzipCompressed && totalUncompressed > 0 {
		if fi, statErr := os.Stat(path); statErr == nil {
			archiveSize := fi.Size()
			for i := range entries {
				if entries[i].IsDirectory {
					continue
				}
				share := float64(entries[i].UncompressedSize) / float64(totalUncompressed)
				entries[i].CompressedSize = int64(float64(archiveSize) * share)
			}
		}
	}

	return &tarReader{entries: entries, content: content}, nil
}

func (t *tarReader) Entries() ([]Entry, error) {
	return t.entries, nil
}

func (t *tarReader) Open(entry Entry) (io.ReadCloser, error) {
	data, ok := t.content[entry.Path]
	if !ok {
		return nil, archiverr.CorruptArchive(entry.Path, nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *tarReader) Close() error {
	return nil
}
