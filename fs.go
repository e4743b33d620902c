package syncfs

import (
	"time"

	"github.com/aweris/syncfs/internal/remote"
)

// Remote is the contract against the backing object store.
// Re-exported from internal/remote for convenience.
type Remote = remote.Remote

// RemoteInfo describes one remote object.
type RemoteInfo = remote.Info

// Info is the getattr result for a single path.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool

	// Dirty reports local changes not yet persisted to the remote.
	Dirty bool
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	Dirty   bool
}
