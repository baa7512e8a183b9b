package archivefmt

import (
	"archive/zip"
	"io"

	"archivault/pkg/archiverr"
)

// zipReader adapts archive/zip to the Reader capability.
type zipReader struct {
	rc     *zip.ReadCloser
	byPath map[string]*zip.File
}

// OpenZip opens a .zip archive for reading.
func OpenZip(path string) (Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, archiverr.CorruptArchive(path, err)
	}

	byPath := make(map[string]*zip.File, len(rc.File))
	for _, f := range rc.File {
		byPath[f.Name] = f
	}

	return &zipReader{rc: rc, byPath: byPath}, nil
}

func (z *zipReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(z.rc.File))
	for _, f := range z.rc.File {
		entries = append(entries, Entry{
			Path:             f.Name,
			CompressedSize:   int64(f.CompressedSize64),
			UncompressedSize: int64(f.UncompressedSize64),
			IsDirectory:      f.FileInfo().IsDir(),
			ModTime:          f.Modified,
		})
	}
	return entries, nil
}

// Open returns a stream over entry's content. Only the Store and
// Deflate compression methods are supported, matching the teacher's
// zip.ErrAlgorithm guard; any other method (e.g. Deflate64) is reported
// as an unsupported format rather than attempting a partial read.
func (z *zipReader) Open(entry Entry) (io.ReadCloser, error) {
	f, ok := z.byPath[entry.Path]
	if !ok {
		return nil, archiverr.CorruptArchive(entry.Path, nil)
	}

	if f.Method != zip.Store && f.Method != zip.Deflate {
		return nil, archiverr.UnsupportedFormat(entry.Path, "unsupported zip compression method", zip.ErrAlgorithm)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, archiverr.CorruptArchive(entry.Path, err)
	}
	return rc, nil
}

func (z *zipReader) Close() error {
	return z.rc.Close()
}
