package syncfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aweris/syncfs/internal/remote"
)

// Error kinds surfaced by the core. The filesystem adapter maps these to
// POSIX errno values at its boundary.
var (
	// ErrNotFound means the remote store has no object at the path.
	ErrNotFound = remote.ErrNotFound

	// ErrPermission means the remote store rejected the operation.
	ErrPermission = remote.ErrPermission

	// ErrIO marks a retryable transport failure.
	ErrIO = errors.New("i/o error")

	// ErrResourceExhausted means local spool storage is full.
	ErrResourceExhausted = errors.New("local storage exhausted")

	// ErrConflict means the remote object changed between fetch and flush.
	ErrConflict = errors.New("remote object changed")

	// ErrNotEmpty is returned when removing a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIsDir is returned when opening a directory as a file.
	ErrIsDir = errors.New("is a directory")

	// ErrNotDir is returned when a directory operation hits a file.
	ErrNotDir = errors.New("not a directory")

	// ErrClosed is returned for operations on a released handle or an
	// unmounted filesystem.
	ErrClosed = errors.New("closed")
)

// ioError wraps a transport failure as ErrIO, preserving well-known kinds.
func ioError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// SyncFailure reports a dirty entry that could not be persisted.
type SyncFailure struct {
	Path     string
	Attempts int
	Err      error
}

// FlushError is returned by Close when teardown could not persist every
// dirty entry. No data is discarded: the failed paths are listed here.
type FlushError struct {
	Failures []SyncFailure
}

func (e *FlushError) Error() string {
	paths := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		paths[i] = f.Path
	}
	return fmt.Sprintf("flush failed for %d entries: %s", len(e.Failures), strings.Join(paths, ", "))
}
