package syncfs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handle is one open file handle on a cache entry. Multiple handles on
// the same path share the entry's buffer, so a write through one is
// immediately visible to reads through any other.
type Handle struct {
	id       string
	fs       *FS
	entry    *entry
	released atomic.Bool
}

func newHandle(fs *FS, e *entry) *Handle {
	h := &Handle{id: uuid.NewString(), fs: fs, entry: e}
	fs.log.WithFields(logrus.Fields{"handle": h.id, "path": e.path}).Debug("handle opened")
	return h
}

// ID is the handle's unique identifier, for log correlation.
func (h *Handle) ID() string { return h.id }

// Path returns the remote path this handle refers to.
func (h *Handle) Path() string { return h.entry.path }

// ReadAt serves bytes from the local buffer; it never touches the
// network. Reads past the end return a short count and io.EOF.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h.released.Load() {
		return 0, ErrClosed
	}

	e := h.entry
	e.mu.Lock()
	if e.removed || e.buf == nil {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	e.touch()
	buf := e.buf
	e.mu.Unlock()

	// The buffer is internally synchronized; reading outside the entry
	// lock keeps large reads from stalling state transitions.
	return buf.ReadAt(p, off)
}

// WriteAt mutates the local buffer in place, extending it as needed, and
// marks the entry dirty. The remote store is not contacted.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h.released.Load() {
		return 0, ErrClosed
	}

	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.buf == nil {
		return 0, ErrClosed
	}

	n, err := e.buf.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	if e.st == stateUploading {
		// The in-flight upload no longer covers this write; resolution
		// re-marks the entry dirty.
		e.dirtied = true
	} else {
		e.setState(stateDirty)
	}
	now := time.Now()
	e.mtime = now
	e.atime = now
	return n, nil
}

// Truncate sets the entry's size and marks it dirty.
func (h *Handle) Truncate(size int64) error {
	if h.released.Load() {
		return ErrClosed
	}

	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.buf == nil {
		return ErrClosed
	}
	if err := e.buf.Truncate(size); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	if e.st == stateUploading {
		e.dirtied = true
	} else {
		e.setState(stateDirty)
	}
	e.mtime = time.Now()
	return nil
}

// Stat snapshots the entry's current metadata.
func (h *Handle) Stat() Info {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info()
}

// Flush blocks until the entry's dirty content is persisted, bypassing
// the sync queue's backoff (fsync semantics). The result of the upload is
// returned to the caller.
func (h *Handle) Flush(ctx context.Context) error {
	if h.released.Load() {
		return ErrClosed
	}
	return h.fs.syncer.flushEntry(ctx, h.entry)
}

// Release drops the handle. When the last handle goes away a dirty entry
// is queued for sync; a pending deletion completes instead, after any
// in-flight upload resolves (delete wins over flush).
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e := h.entry
	e.mu.Lock()
	if e.handles > 0 {
		e.handles--
	}
	last := e.handles == 0
	pending := e.pendingDelete
	dirty := e.st == stateDirty
	e.mu.Unlock()

	h.fs.log.WithFields(logrus.Fields{"handle": h.id, "path": e.path}).Debug("handle released")

	if !last {
		return nil
	}
	if pending {
		return h.fs.completeDelete(ctx, e)
	}
	if dirty {
		h.fs.syncer.enqueue(e)
	}
	return nil
}
