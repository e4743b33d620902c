package syncfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ageEntry backdates an entry's last access so a sweep at time.Now sees
// it as idle.
func ageEntry(t *testing.T, fs *FS, path string, by time.Duration) {
	t.Helper()
	e, ok := fs.reg.get(path)
	require.True(t, ok)
	e.mu.Lock()
	e.atime = e.atime.Add(-by)
	e.mu.Unlock()
}

func TestEvictReclaimsIdleCleanEntries(t *testing.T) {
	fs, r := newTestFS(t, WithoutWarmCache(), WithIdleThreshold(time.Minute))
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/idle.txt", bytesReader("content"), -1))

	h, err := fs.Open(ctx, "/idle.txt")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	// Not idle long enough: stays cached.
	fs.evictOnce(time.Now())
	require.Equal(t, 1, fs.reg.len())

	ageEntry(t, fs, "/idle.txt", 2*time.Minute)
	fs.evictOnce(time.Now())
	require.Equal(t, 0, fs.reg.len())

	// A later open transparently re-fetches.
	h, err = fs.Open(ctx, "/idle.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), readAll(t, h))
	require.NoError(t, h.Release(ctx))
}

func TestEvictSkipsBusyEntries(t *testing.T) {
	fs, r := newTestFS(t, WithIdleThreshold(time.Minute))
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/busy.txt", bytesReader("held open"), -1))

	h, err := fs.Open(ctx, "/busy.txt")
	require.NoError(t, err)

	ageEntry(t, fs, "/busy.txt", time.Hour)
	fs.evictOnce(time.Now())

	// Still cached and fully usable through the open handle.
	require.Equal(t, 1, fs.reg.len())
	require.Equal(t, []byte("held open"), readAll(t, h))

	require.NoError(t, h.Release(ctx))
}

func TestEvictSkipsDirtyEntries(t *testing.T) {
	fs, r := newTestFS(t, WithIdleThreshold(time.Minute))
	ctx := context.Background()

	h, err := fs.Create("/dirty.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("unsynced"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	// Wait for the release-triggered sync to settle, then dirty it again
	// through a fresh handle so the entry is clean on the remote but not
	// locally.
	require.Eventually(t, func() bool {
		st, ok := entryState(fs, "/dirty.txt")
		return ok && st == stateClean
	}, 2*time.Second, time.Millisecond)

	h, err = fs.Open(ctx, "/dirty.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("MORE"), 8)
	require.NoError(t, err)

	ageEntry(t, fs, "/dirty.txt", time.Hour)

	// Dirty content is never dropped, with or without open handles.
	fs.evictOnce(time.Now())
	require.Equal(t, 1, fs.reg.len())

	require.NoError(t, h.Flush(ctx))
	data, ok := r.Content("/dirty.txt")
	require.True(t, ok)
	require.Equal(t, []byte("unsyncedMORE"), data)
	require.NoError(t, h.Release(ctx))
}

func TestEvictSkipsPendingDeletion(t *testing.T) {
	fs, _ := newTestFS(t, WithIdleThreshold(time.Minute))
	ctx := context.Background()

	h, err := fs.Create("/limbo.txt")
	require.NoError(t, err)
	require.NoError(t, h.Flush(ctx))
	require.NoError(t, fs.Unlink(ctx, "/limbo.txt"))

	ageEntry(t, fs, "/limbo.txt", time.Hour)
	fs.evictOnce(time.Now())

	// The entry must survive until the handle completes the deletion.
	require.Equal(t, 1, fs.reg.len())
	require.NoError(t, h.Release(ctx))
	require.Equal(t, 0, fs.reg.len())
}
