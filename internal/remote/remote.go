// Package remote defines the transport-agnostic contract against the
// object store backing a mount.
//
// Implementations must tolerate being called concurrently for different
// paths. Callers guarantee at most one in-flight upload and one in-flight
// download per path.
package remote

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the remote store has no object at a path.
	ErrNotFound = errors.New("remote: not found")

	// ErrPermission is returned when the remote store rejects an operation.
	ErrPermission = errors.New("remote: permission denied")
)

// Info describes a single remote object.
type Info struct {
	// Path is the absolute remote path (leading slash).
	Path string

	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Name returns the last element of the object's path.
func (i Info) Name() string {
	for idx := len(i.Path) - 1; idx >= 0; idx-- {
		if i.Path[idx] == '/' {
			return i.Path[idx+1:]
		}
	}
	return i.Path
}

// Remote is the minimum surface the sync core needs from an object store.
type Remote interface {
	// Fetch opens a streamed download of the object at path.
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)

	// Put uploads the full object content read from r. Size is advisory;
	// implementations must accept streamed bodies of unknown length
	// (size < 0).
	Put(ctx context.Context, path string, r io.Reader, size int64) error

	// Delete removes the object (or directory subtree) at path.
	Delete(ctx context.Context, path string) error

	// Mkdir creates a directory marker at path. Creating an existing
	// directory is not an error.
	Mkdir(ctx context.Context, path string) error

	// List returns the immediate children of dir, sorted by path.
	List(ctx context.Context, dir string) ([]Info, error)

	// Stat returns metadata for the object at path.
	Stat(ctx context.Context, path string) (Info, error)
}
