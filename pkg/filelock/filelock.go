// Package filelock provides advisory file locking so that only one
// extraction process at a time owns a given (workspace_id, archive_path)
// pair, serializing checkpoint load/save against concurrent runs.
package filelock

import "os"

// Lock represents an acquired advisory file lock.
type Lock struct {
	file *os.File
}
