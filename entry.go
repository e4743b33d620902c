package syncfs

import (
	"sync"
	"time"

	"github.com/aweris/syncfs/internal/spool"
	"github.com/aweris/syncfs/internal/store"
)

// state is the lifecycle of a cache entry relative to the remote store.
type state int

const (
	stateClean     state = iota // local content matches the remote
	stateDirty                  // local changes not yet persisted
	stateUploading              // flush in flight
	stateFetching               // download in flight
)

func (s state) String() string {
	switch s {
	case stateClean:
		return "clean"
	case stateDirty:
		return "dirty"
	case stateUploading:
		return "uploading"
	case stateFetching:
		return "fetching"
	}
	return "unknown"
}

// entry is the tracked cache state for one remote path. All fields are
// guarded by mu; buf is additionally safe for concurrent access so the
// sync engine can stream it while reads proceed.
type entry struct {
	path string

	mu   sync.Mutex
	cond *sync.Cond // broadcast on every state transition

	buf *spool.Buffer

	atime time.Time // last access, eviction input
	mtime time.Time // last local modification

	// remoteMeta is the size and mod time last confirmed by the remote,
	// used for conflict detection and warm-cache validation. onRemote is
	// false for created-but-never-flushed entries.
	remoteMeta store.Meta
	onRemote   bool

	st            state
	handles       int  // live file handles; entry is busy while > 0
	pendingDelete bool // unlinked while handles were open
	removed       bool // no longer in the registry
	queued        bool // sitting in the sync queue
	dirtied       bool // written while an upload was in flight
	attempts      int  // consecutive failed uploads
}

func newEntry(path string, st state) *entry {
	now := time.Now()
	e := &entry{path: path, st: st, atime: now, mtime: now}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// setState transitions the state and wakes any waiters. Callers hold mu.
func (e *entry) setState(st state) {
	e.st = st
	e.cond.Broadcast()
}

// awaitSettled blocks until no transfer is in flight. Callers hold mu.
func (e *entry) awaitSettled() {
	for !e.removed && (e.st == stateUploading || e.st == stateFetching) {
		e.cond.Wait()
	}
}

func (e *entry) touch() {
	e.atime = time.Now()
}

// size returns the current content size. Callers hold mu.
func (e *entry) size() int64 {
	if e.buf == nil {
		return 0
	}
	return e.buf.Size()
}

// info snapshots the entry's metadata. Callers hold mu.
func (e *entry) info() Info {
	return Info{
		Path:    e.path,
		Size:    e.size(),
		ModTime: e.mtime,
		Dirty:   e.st == stateDirty || e.st == stateUploading,
	}
}

// registry maps remote paths to their cache entries. Its lock orders
// strictly before any entry lock; an operation never holds two entry
// locks at once.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(path string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[path]
	return e, ok
}

// removeIfSame drops the mapping for e's path unless it was already
// replaced by a newer entry.
func (r *registry) removeIfSame(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.path]; ok && cur == e {
		delete(r.entries, e.path)
	}
}

// snapshot returns the current entries without holding the lock beyond
// the copy.
func (r *registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
