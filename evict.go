package syncfs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// evictLoop is the eviction daemon: a periodic sweep reclaiming entries
// that are clean, unused, and idle past the threshold. Eviction is a
// performance concern only; a later access re-fetches from the remote.
func (fs *FS) evictLoop(ctx context.Context) {
	defer close(fs.evictDone)

	ticker := time.NewTicker(fs.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fs.evictOnce(time.Now())
		}
	}
}

// evictOnce scans the registry and reclaims eligible entries. The
// predicate is re-checked under the entry lock to guard against a handle
// opened between scan and lock.
func (fs *FS) evictOnce(now time.Time) {
	var evicted int
	for _, e := range fs.reg.snapshot() {
		if fs.tryEvict(e, now) {
			evicted++
		}
	}
	if evicted > 0 {
		fs.log.WithField("evicted", evicted).Debug("eviction sweep")
	}
}

func (fs *FS) tryEvict(e *entry, now time.Time) bool {
	e.mu.Lock()
	eligible := !e.removed &&
		e.handles == 0 &&
		e.st == stateClean &&
		!e.pendingDelete &&
		now.Sub(e.atime) > fs.opts.IdleThreshold
	if !eligible {
		e.mu.Unlock()
		return false
	}

	e.removed = true
	buf := e.buf
	e.buf = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	fs.reg.removeIfSame(e)
	if buf != nil {
		buf.Close()
	}
	fs.log.WithFields(logrus.Fields{"path": e.path, "idle": now.Sub(e.atime).String()}).Debug("evicted")
	return true
}
