package syncfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/syncfs/internal/store"
)

// syncer drives dirty entries to clean by uploading them to the remote
// store. Filesystem calls never wait on it except for explicit flushes
// and teardown.
type syncer struct {
	fs *FS

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*entry
	closing bool

	workers *pool.Pool
}

func newSyncer(fs *FS) *syncer {
	s := &syncer{fs: fs}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *syncer) start() {
	s.workers = pool.New().WithMaxGoroutines(s.fs.opts.Workers)
	for i := 0; i < s.fs.opts.Workers; i++ {
		s.workers.Go(s.worker)
	}
}

// stop lets the workers drain the queue and waits for them to exit.
func (s *syncer) stop() {
	s.mu.Lock()
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.workers.Wait()
}

// enqueue adds an entry to the work queue. Idempotent: an entry already
// queued or already uploading is not re-queued.
func (s *syncer) enqueue(e *entry) {
	e.mu.Lock()
	skip := e.queued || e.removed || e.st != stateDirty
	if !skip {
		e.queued = true
	}
	e.mu.Unlock()
	if skip {
		return
	}

	s.mu.Lock()
	if s.closing {
		// Teardown flushes remaining dirty entries itself.
		s.mu.Unlock()
		e.mu.Lock()
		e.queued = false
		e.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
	s.mu.Unlock()
}

// pop blocks for the next queued entry. ok is false once the syncer is
// closing and the queue has drained. The queue carries the entries
// themselves so the dedup flag and the work item are the same object;
// an entry deleted after queueing is skipped by the state checks.
func (s *syncer) pop() (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closing {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *syncer) worker() {
	for {
		e, ok := s.pop()
		if !ok {
			return
		}
		e.mu.Lock()
		e.queued = false
		e.mu.Unlock()

		s.uploadEntry(context.Background(), e, false)
	}
}

// flushEntry is the blocking flush path (fsync, teardown): it waits out
// any in-flight transfer, uploads immediately without backoff, and
// surfaces the result.
func (s *syncer) flushEntry(ctx context.Context, e *entry) error {
	return s.uploadEntry(ctx, e, true)
}

// uploadEntry performs one Dirty → Uploading → Clean cycle. In queued
// mode failures schedule a backoff retry; in inline mode they are
// returned to the caller.
func (s *syncer) uploadEntry(ctx context.Context, e *entry, inline bool) error {
	e.mu.Lock()
	if inline {
		e.awaitSettled()
	}
	if e.removed || e.pendingDelete || e.st != stateDirty {
		// Nothing to do: clean already, mid-transfer (queued mode), or
		// deletion wins over flush.
		e.mu.Unlock()
		return nil
	}
	e.setState(stateUploading)
	e.dirtied = false
	size := e.size()
	body := e.buf.Reader()
	lastMeta := e.remoteMeta
	onRemote := e.onRemote
	e.mu.Unlock()

	newMeta, snapshot, err := s.doUpload(ctx, e.path, body, size, lastMeta, onRemote)

	e.mu.Lock()
	var requeue bool
	var failure *SyncFailure
	switch {
	case err == nil && e.dirtied:
		// Written mid-upload; the upload did not cover those bytes.
		e.setState(stateDirty)
		e.attempts = 0
		requeue = true
	case err == nil:
		e.setState(stateClean)
		e.attempts = 0
		e.remoteMeta = newMeta
		e.onRemote = true
	default:
		e.setState(stateDirty)
		e.attempts++
		if inline {
			// The caller owns the result; retry counting restarts.
			e.attempts = 0
		} else if errors.Is(err, ErrConflict) || e.attempts >= s.fs.opts.MaxRetries {
			failure = &SyncFailure{Path: e.path, Attempts: e.attempts, Err: err}
			e.attempts = 0
		} else {
			delay := s.backoffDelay(e.attempts)
			s.fs.log.WithFields(logrus.Fields{
				"path":    e.path,
				"attempt": e.attempts,
				"delay":   delay.String(),
			}).WithError(err).Warn("upload failed, retrying")
			time.AfterFunc(delay, func() { s.enqueue(e) })
		}
	}
	clean := e.st == stateClean
	e.mu.Unlock()

	if clean && snapshot != nil {
		s.fs.saveWarmBytes(e.path, snapshot, newMeta)
	}
	if clean {
		s.fs.log.WithFields(logrus.Fields{"path": e.path, "size": size}).Debug("synced")
	}
	if requeue {
		s.enqueue(e)
	}
	if failure != nil {
		s.fs.reportFailure(*failure)
	}
	if err != nil && inline {
		return ioError(err)
	}
	return nil
}

// doUpload streams the entry content to the remote. When the remote
// already holds the object, its metadata is compared against the last
// confirmed snapshot first; a mismatch means another writer changed it
// and the upload aborts with ErrConflict.
func (s *syncer) doUpload(ctx context.Context, path string, body io.Reader, size int64, lastMeta store.Meta, onRemote bool) (store.Meta, []byte, error) {
	if onRemote {
		info, err := s.fs.remote.Stat(ctx, path)
		if err == nil {
			current := store.Meta{Size: info.Size, ModTime: info.ModTime}
			if !current.Matches(lastMeta) {
				return store.Meta{}, nil, fmt.Errorf("upload %s: %w", path, ErrConflict)
			}
		} else if !errors.Is(err, ErrNotFound) {
			return store.Meta{}, nil, err
		}
	}

	// Capture the exact uploaded bytes for the warm cache while they
	// stream past.
	var captured *bytes.Buffer
	if s.fs.warm != nil && size <= store.MaxObjectSize {
		captured = bytes.NewBuffer(make([]byte, 0, size))
		body = io.TeeReader(body, captured)
	}

	if err := s.fs.remote.Put(ctx, path, body, size); err != nil {
		return store.Meta{}, nil, err
	}

	// Record the server-confirmed mod time when available so later
	// conflict checks and warm-cache validation line up.
	meta := store.Meta{Size: size, ModTime: time.Now().UTC()}
	if info, err := s.fs.remote.Stat(ctx, path); err == nil {
		meta = store.Meta{Size: info.Size, ModTime: info.ModTime}
	}

	var snapshot []byte
	if captured != nil {
		snapshot = captured.Bytes()
	}
	return meta, snapshot, nil
}

// backoffDelay returns an exponential, jittered delay for the given
// attempt count, capped at the configured maximum.
func (s *syncer) backoffDelay(attempt int) time.Duration {
	d := s.fs.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.fs.opts.BackoffMax {
			d = s.fs.opts.BackoffMax
			break
		}
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// flushAll synchronously persists every dirty entry, in parallel, and
// returns the entries that could not be persisted.
func (s *syncer) flushAll(ctx context.Context, entries []*entry) []SyncFailure {
	var (
		mu       sync.Mutex
		failures []SyncFailure
	)

	p := pool.New().WithMaxGoroutines(s.fs.opts.Workers)
	for _, e := range entries {
		p.Go(func() {
			if err := s.flushEntry(ctx, e); err != nil {
				mu.Lock()
				failures = append(failures, SyncFailure{Path: e.path, Attempts: 1, Err: err})
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return failures
}
