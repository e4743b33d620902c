package syncfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	gopath "path"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/aweris/syncfs/internal/compression"
	"github.com/aweris/syncfs/internal/logging"
	remotepkg "github.com/aweris/syncfs/internal/remote"
	"github.com/aweris/syncfs/internal/spool"
	"github.com/aweris/syncfs/internal/store"
)

// FS is the client-side cache and synchronization core. The filesystem
// adapter calls it per VFS operation; the sync engine and eviction daemon
// run in the background until Close.
type FS struct {
	remote Remote
	opts   *MountOptions
	log    *logrus.Logger

	reg    *registry
	warm   *store.Store // nil when the warm cache is disabled
	syncer *syncer

	spoolDir string

	evictCancel context.CancelFunc
	evictDone   chan struct{}

	failures chan SyncFailure
	closed   atomic.Bool
}

// Mount creates the core against the given remote store. The returned FS
// is ready for adapter calls; Close tears it down.
func Mount(r Remote, opts ...MountOption) (*FS, error) {
	options := defaultMountOptions()
	for _, opt := range opts {
		opt(options)
	}

	log := options.Logger
	if log == nil {
		log = logging.Discard()
	}

	spoolDir := filepath.Join(options.SpoolDir, "spool")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	fs := &FS{
		remote:   r,
		opts:     options,
		log:      log,
		reg:      newRegistry(),
		spoolDir: spoolDir,
		failures: make(chan SyncFailure, 64),
	}

	if !options.DisableWarmCache {
		codec, err := compression.NewCodec(options.CompressionLevel, true)
		if err != nil {
			return nil, fmt.Errorf("create codec: %w", err)
		}
		warm, err := store.New(options.SpoolDir, codec)
		if err != nil {
			return nil, fmt.Errorf("create warm cache: %w", err)
		}
		fs.warm = warm
	}

	fs.syncer = newSyncer(fs)
	fs.syncer.start()

	evictCtx, cancel := context.WithCancel(context.Background())
	fs.evictCancel = cancel
	fs.evictDone = make(chan struct{})
	go fs.evictLoop(evictCtx)

	log.WithFields(logrus.Fields{
		"spool_dir":  options.SpoolDir,
		"workers":    options.Workers,
		"idle":       options.IdleThreshold.String(),
		"warm_cache": fs.warm != nil,
	}).Info("mounted")

	return fs, nil
}

// MountURL mounts against the cloud storage HTTP API at serverURL
// (e.g., "http://localhost:8000").
func MountURL(serverURL string, opts ...MountOption) (*FS, error) {
	options := defaultMountOptions()
	for _, opt := range opts {
		opt(options)
	}
	r, err := remotepkg.NewHTTPRemote(serverURL, nil)
	if err != nil {
		return nil, err
	}
	r.SetChunkSize(options.ChunkSize)
	return Mount(r, opts...)
}

// Failures reports dirty entries whose uploads exhausted their retries.
// The channel is closed by Close.
func (fs *FS) Failures() <-chan SyncFailure {
	return fs.failures
}

// reportFailure publishes a sync failure without ever blocking a worker.
// A full channel still leaves the report in the log.
func (fs *FS) reportFailure(f SyncFailure) {
	fs.log.WithFields(logrus.Fields{
		"path":     f.Path,
		"attempts": f.Attempts,
	}).WithError(f.Err).Error("sync failed, entry stays dirty")

	select {
	case fs.failures <- f:
	default:
	}
}

// Open returns a handle for an existing remote path, fetching its content
// into the cache on a miss.
func (fs *FS) Open(ctx context.Context, path string) (*Handle, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}
	path = cleanPath(path)

	for {
		fs.reg.mu.Lock()
		e, ok := fs.reg.entries[path]
		if !ok {
			e = newEntry(path, stateFetching)
			fs.reg.entries[path] = e
			fs.reg.mu.Unlock()

			if err := fs.populate(ctx, e); err != nil {
				e.mu.Lock()
				e.removed = true
				e.setState(stateClean)
				e.mu.Unlock()
				fs.reg.removeIfSame(e)
				return nil, err
			}

			e.mu.Lock()
			e.setState(stateClean)
			if e.removed || e.pendingDelete {
				// Unlinked while the fetch was in flight; the blocked
				// deletion finishes once this broadcast wakes it.
				e.mu.Unlock()
				return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
			}
			e.handles++
			e.touch()
			e.mu.Unlock()
			return newHandle(fs, e), nil
		}
		fs.reg.mu.Unlock()

		e.mu.Lock()
		for !e.removed && e.st == stateFetching {
			e.cond.Wait()
		}
		if e.removed {
			e.mu.Unlock()
			continue // evicted or deleted between lookup and lock
		}
		if e.pendingDelete {
			e.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
		}
		e.handles++
		e.touch()
		e.mu.Unlock()
		return newHandle(fs, e), nil
	}
}

// populate fills a freshly inserted fetching entry, preferring the warm
// disk cache when the remote reports unchanged metadata. The caller is
// the entry's sole owner while it is fetching, so no lock is held across
// the download.
func (fs *FS) populate(ctx context.Context, e *entry) error {
	info, err := fs.remote.Stat(ctx, e.path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if fs.warm != nil {
				fs.warm.Remove(e.path)
			}
			return fmt.Errorf("open %s: %w", e.path, ErrNotFound)
		}
		return ioError(err)
	}
	if info.IsDir {
		return fmt.Errorf("open %s: %w", e.path, ErrIsDir)
	}

	buf := spool.New(fs.spoolDir, fs.opts.MemoryThreshold)
	want := store.Meta{Size: info.Size, ModTime: info.ModTime}

	if fs.warm != nil {
		if data, meta, ok := fs.warm.Load(e.path); ok && meta.Matches(want) {
			if _, err := buf.WriteAt(data, 0); err != nil {
				buf.Close()
				return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
			}
			fs.finishPopulate(e, buf, meta)
			fs.log.WithField("path", e.path).Debug("warm cache hit")
			return nil
		}
	}

	rc, err := fs.remote.Fetch(ctx, e.path)
	if err != nil {
		buf.Close()
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("open %s: %w", e.path, ErrNotFound)
		}
		return ioError(err)
	}
	defer rc.Close()

	chunk := make([]byte, fs.opts.ChunkSize)
	dst := &offsetWriter{buf: buf}
	if _, err := io.CopyBuffer(dst, rc, chunk); err != nil {
		buf.Close()
		if dst.failed {
			return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return ioError(err)
	}

	fs.finishPopulate(e, buf, want)
	fs.saveWarm(e.path, buf, want)
	fs.log.WithFields(logrus.Fields{"path": e.path, "size": buf.Size()}).Debug("fetched")
	return nil
}

func (fs *FS) finishPopulate(e *entry, buf *spool.Buffer, meta store.Meta) {
	e.mu.Lock()
	e.buf = buf
	e.remoteMeta = meta
	e.onRemote = true
	e.mtime = meta.ModTime
	e.mu.Unlock()
}

// saveWarm persists a clean snapshot of buf to the warm cache.
func (fs *FS) saveWarm(path string, buf *spool.Buffer, meta store.Meta) {
	if fs.warm == nil || buf.Size() > store.MaxObjectSize {
		return
	}
	data, err := io.ReadAll(buf.Reader())
	if err != nil {
		return
	}
	fs.saveWarmBytes(path, data, meta)
}

// saveWarmBytes persists an exact content snapshot to the warm cache.
func (fs *FS) saveWarmBytes(path string, data []byte, meta store.Meta) {
	if fs.warm == nil {
		return
	}
	if _, err := fs.warm.Save(path, data, meta); err != nil {
		fs.log.WithField("path", path).WithError(err).Debug("warm cache save failed")
	}
}

// Create inserts a new empty dirty entry and returns an open handle. No
// remote round-trip happens; the first sync creates the remote object.
// Creating over an existing cached file truncates it.
func (fs *FS) Create(path string) (*Handle, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}
	path = cleanPath(path)

	for {
		fs.reg.mu.Lock()
		e, ok := fs.reg.entries[path]
		if !ok {
			e = newEntry(path, stateDirty)
			e.buf = spool.New(fs.spoolDir, fs.opts.MemoryThreshold)
			e.handles = 1
			fs.reg.entries[path] = e
			fs.reg.mu.Unlock()
			fs.log.WithField("path", path).Debug("created")
			return newHandle(fs, e), nil
		}
		fs.reg.mu.Unlock()

		e.mu.Lock()
		e.awaitSettled()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.pendingDelete {
			e.mu.Unlock()
			return nil, fmt.Errorf("create %s: pending deletion: %w", path, ErrConflict)
		}
		if err := e.buf.Truncate(0); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		e.setState(stateDirty)
		e.handles++
		e.touch()
		e.mu.Unlock()
		return newHandle(fs, e), nil
	}
}

// Unlink removes a path. With open handles the removal is deferred until
// the last handle is released (POSIX unlink-while-open); the path
// disappears from listings immediately either way.
func (fs *FS) Unlink(ctx context.Context, path string) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	path = cleanPath(path)

	e, ok := fs.reg.get(path)
	if !ok {
		// Not cached; delete straight on the remote.
		if fs.warm != nil {
			fs.warm.Remove(path)
		}
		if err := fs.remote.Delete(ctx, path); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("unlink %s: %w", path, ErrNotFound)
			}
			return ioError(err)
		}
		return nil
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fs.Unlink(ctx, path)
	}
	if e.handles > 0 {
		e.pendingDelete = true
		e.mu.Unlock()
		fs.log.WithField("path", path).Debug("unlink deferred, handles open")
		return nil
	}
	e.pendingDelete = true
	e.mu.Unlock()

	return fs.completeDelete(ctx, e)
}

// completeDelete finishes a deletion once no handles remain. Delete wins
// over flush: an in-flight upload is allowed to resolve, then the object
// is removed regardless of local dirty state.
func (fs *FS) completeDelete(ctx context.Context, e *entry) error {
	e.mu.Lock()
	e.awaitSettled()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	if e.handles > 0 {
		// A handle was opened while we waited; the delete stays deferred
		// and the last release finishes it.
		e.mu.Unlock()
		return nil
	}
	e.removed = true
	wasRemote := e.onRemote
	buf := e.buf
	e.buf = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	fs.reg.removeIfSame(e)
	if buf != nil {
		buf.Close()
	}
	if fs.warm != nil {
		fs.warm.Remove(e.path)
	}

	if wasRemote {
		if err := fs.remote.Delete(ctx, e.path); err != nil && !errors.Is(err, ErrNotFound) {
			return ioError(err)
		}
	}
	fs.log.WithField("path", e.path).Debug("deleted")
	return nil
}

// Mkdir creates a directory on the remote store. Directories are not
// cached; creation is synchronous like in the original protocol.
func (fs *FS) Mkdir(ctx context.Context, path string) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	if err := fs.remote.Mkdir(ctx, cleanPath(path)); err != nil {
		return ioError(err)
	}
	return nil
}

// Rmdir removes an empty remote directory. Locally known live entries
// under it count as content.
func (fs *FS) Rmdir(ctx context.Context, path string) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	path = cleanPath(path)

	info, err := fs.remote.Stat(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("rmdir %s: %w", path, ErrNotFound)
		}
		return ioError(err)
	}
	if !info.IsDir {
		return fmt.Errorf("rmdir %s: %w", path, ErrNotDir)
	}

	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	for _, e := range fs.reg.snapshot() {
		if len(e.path) <= len(prefix) || e.path[:len(prefix)] != prefix {
			continue
		}
		e.mu.Lock()
		live := !e.removed && !e.pendingDelete
		e.mu.Unlock()
		if live {
			return fmt.Errorf("rmdir %s: %w", path, ErrNotEmpty)
		}
	}

	children, err := fs.remote.List(ctx, path)
	if err != nil {
		return ioError(err)
	}
	if len(children) > 0 {
		return fmt.Errorf("rmdir %s: %w", path, ErrNotEmpty)
	}

	if err := fs.remote.Delete(ctx, path); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("rmdir %s: %w", path, ErrNotFound)
		}
		return ioError(err)
	}
	return nil
}

// ReadDir lists dir, merging the remote listing with locally known state
// so uncommitted creates are visible and unlinked files are not
// (read-your-writes).
func (fs *FS) ReadDir(ctx context.Context, dir string) ([]DirEntry, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}
	dir = cleanPath(dir)

	// Cached entries are always files; one sitting at dir means the caller
	// is listing a file.
	if e, ok := fs.reg.get(dir); ok {
		e.mu.Lock()
		live := !e.removed && !e.pendingDelete
		e.mu.Unlock()
		if live {
			return nil, fmt.Errorf("readdir %s: %w", dir, ErrNotDir)
		}
	}

	infos, err := fs.remote.List(ctx, dir)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, ioError(err)
	}

	merged := make(map[string]DirEntry, len(infos))
	for _, info := range infos {
		merged[info.Name()] = DirEntry{
			Name:    info.Name(),
			Size:    info.Size,
			ModTime: info.ModTime,
			IsDir:   info.IsDir,
		}
	}

	for _, e := range fs.reg.snapshot() {
		if gopath.Dir(e.path) != dir {
			continue
		}
		name := gopath.Base(e.path)
		e.mu.Lock()
		switch {
		case e.removed:
			// Keep whatever the remote listing said.
		case e.pendingDelete:
			delete(merged, name)
		default:
			info := e.info()
			merged[name] = DirEntry{
				Name:    name,
				Size:    info.Size,
				ModTime: info.ModTime,
				Dirty:   info.Dirty,
			}
		}
		e.mu.Unlock()
	}

	out := make([]DirEntry, 0, len(merged))
	for _, de := range merged {
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat returns metadata for path, preferring cached state over a remote
// round-trip.
func (fs *FS) Stat(ctx context.Context, path string) (Info, error) {
	if fs.closed.Load() {
		return Info{}, ErrClosed
	}
	path = cleanPath(path)

	if e, ok := fs.reg.get(path); ok {
		e.mu.Lock()
		removed, pending := e.removed, e.pendingDelete
		info := e.info()
		e.mu.Unlock()
		if pending {
			return Info{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}
		if !removed {
			return info, nil
		}
	}

	rinfo, err := fs.remote.Stat(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Info{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}
		return Info{}, ioError(err)
	}
	return Info{
		Path:    path,
		Size:    rinfo.Size,
		ModTime: rinfo.ModTime,
		IsDir:   rinfo.IsDir,
	}, nil
}

// Flush synchronously persists path if it is dirty, bypassing retry
// backoff. A path that is not cached or not dirty is a no-op.
func (fs *FS) Flush(ctx context.Context, path string) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	e, ok := fs.reg.get(cleanPath(path))
	if !ok {
		return nil
	}
	return fs.syncer.flushEntry(ctx, e)
}

// Close tears the mount down: the eviction daemon stops, the sync queue
// drains, and every remaining dirty entry is flushed in parallel. Entries
// that still cannot be persisted are reported in a FlushError; nothing is
// silently discarded.
func (fs *FS) Close(ctx context.Context) error {
	if !fs.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	fs.evictCancel()
	<-fs.evictDone

	fs.syncer.stop()

	failures := fs.syncer.flushAll(ctx, fs.reg.snapshot())
	for _, f := range failures {
		fs.reportFailure(f)
	}
	close(fs.failures)

	for _, e := range fs.reg.snapshot() {
		e.mu.Lock()
		e.removed = true
		buf := e.buf
		e.buf = nil
		e.cond.Broadcast()
		e.mu.Unlock()
		if buf != nil {
			buf.Close()
		}
	}
	fs.reg.mu.Lock()
	fs.reg.entries = make(map[string]*entry)
	fs.reg.mu.Unlock()

	fs.log.WithField("failed", len(failures)).Info("unmounted")
	if len(failures) > 0 {
		return &FlushError{Failures: failures}
	}
	return nil
}

// offsetWriter appends sequential writes to a spool buffer, remembering
// whether a failure came from the local side.
type offsetWriter struct {
	buf    *spool.Buffer
	off    int64
	failed bool
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.buf.WriteAt(p, w.off)
	w.off += int64(n)
	if err != nil {
		w.failed = true
	}
	return n, err
}

// cleanPath normalizes a remote path to an absolute, slash-separated form.
func cleanPath(p string) string {
	return gopath.Clean("/" + p)
}
