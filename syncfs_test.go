package syncfs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aweris/syncfs/internal/remote"
)

// newTestFS mounts a core against a fresh in-memory remote with test
// friendly timings: no periodic eviction, millisecond backoff.
func newTestFS(t *testing.T, opts ...MountOption) (*FS, *remote.MemRemote) {
	t.Helper()
	r := remote.NewMemRemote()

	base := []MountOption{
		WithSpoolDir(t.TempDir()),
		WithEvictInterval(time.Hour),
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
	}
	fs, err := Mount(r, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close(context.Background()) })
	return fs, r
}

// entryState reads the current lifecycle state of a cached path.
func entryState(fs *FS, path string) (state, bool) {
	e, ok := fs.reg.get(path)
	if !ok {
		return stateClean, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st, true
}

// deletePending reports whether the entry for path is marked for a
// deferred deletion.
func deletePending(fs *FS, path string) bool {
	e, ok := fs.reg.get(path)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingDelete
}

func readAll(t *testing.T, h *Handle) []byte {
	t.Helper()
	data, err := io.ReadAll(io.NewSectionReader(h, 0, h.Stat().Size))
	require.NoError(t, err)
	return data
}

func TestReadYourWrites(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	h, err := fs.Create("/a.txt")
	require.NoError(t, err)

	_, err = h.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	// The write is visible before any sync, and the remote is untouched.
	require.Equal(t, []byte("hello"), readAll(t, h))
	_, ok := r.Content("/a.txt")
	require.False(t, ok)

	require.NoError(t, h.Release(ctx))
}

func TestWritesVisibleAcrossHandles(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	h1, err := fs.Create("/shared.txt")
	require.NoError(t, err)
	h2, err := fs.Open(ctx, "/shared.txt")
	require.NoError(t, err)

	_, err = h1.WriteAt([]byte("from h1"), 0)
	require.NoError(t, err)

	require.Equal(t, []byte("from h1"), readAll(t, h2))

	_, err = h2.WriteAt([]byte("H2"), 5)
	require.NoError(t, err)
	require.Equal(t, []byte("from H2"), readAll(t, h1))

	require.NoError(t, h1.Release(ctx))
	require.NoError(t, h2.Release(ctx))
}

func TestReadPastEOF(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	h, err := fs.Create("/short.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	// Offset beyond the end: zero bytes and EOF, per POSIX short reads.
	buf := make([]byte, 4)
	n, err := h.ReadAt(buf, 10)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)

	// Partial overlap: short read.
	n, err = h.ReadAt(buf, 1)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("bc"), buf[:n])
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, h.Release(ctx))
}

func TestOpenNotFound(t *testing.T) {
	fs, _ := newTestFS(t)
	_, err := fs.Open(context.Background(), "/missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	// The failed open must not leave a stale registry entry behind.
	require.Equal(t, 0, fs.reg.len())
}

func TestOpenFetchesFromRemote(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/data.bin", bytesReader("remote content"), -1))

	h, err := fs.Open(ctx, "/data.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("remote content"), readAll(t, h))

	st, ok := entryState(fs, "/data.bin")
	require.True(t, ok)
	require.Equal(t, stateClean, st)

	require.NoError(t, h.Release(ctx))
}

func TestCreateFlushRoundTrip(t *testing.T) {
	fs, r := newTestFS(t, WithoutWarmCache())
	ctx := context.Background()

	h, err := fs.Create("/a.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	// Read back without syncing.
	require.Equal(t, []byte("hello"), readAll(t, h))

	// Force sync: the remote now holds the content.
	require.NoError(t, h.Flush(ctx))
	data, ok := r.Content("/a.txt")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	require.NoError(t, h.Release(ctx))

	// Evict after the idle threshold with no open handles.
	fs.evictOnce(time.Now().Add(fs.opts.IdleThreshold + time.Second))
	require.Equal(t, 0, fs.reg.len())

	// Re-open: the cache miss re-fetches identical content.
	h, err = fs.Open(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), readAll(t, h))
	require.NoError(t, h.Release(ctx))
}

func TestUnlinkWhileOpenDefers(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	h, err := fs.Create("/doomed.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Flush(ctx))

	require.NoError(t, fs.Unlink(ctx, "/doomed.txt"))

	// Still readable and writable through the existing handle.
	require.Equal(t, []byte("payload"), readAll(t, h))
	_, err = h.WriteAt([]byte("more"), 7)
	require.NoError(t, err)

	// Gone from listings immediately.
	entries, err := fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	require.Empty(t, entries)

	// Remote deletion happens only after the last release.
	_, ok := r.Content("/doomed.txt")
	require.True(t, ok)

	require.NoError(t, h.Release(ctx))
	_, ok = r.Content("/doomed.txt")
	require.False(t, ok)
	require.Equal(t, 0, fs.reg.len())
}

func TestUnlinkDuringColdOpen(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/cold.txt", bytesReader("contents"), -1))

	gate := make(chan struct{})
	r.FetchHook = func(string) error { <-gate; return nil }

	openErr := make(chan error, 1)
	go func() {
		h, err := fs.Open(ctx, "/cold.txt")
		if err == nil {
			// A successful open must hand out a live handle, never one
			// that a racing delete already tore down.
			if _, rerr := h.ReadAt(make([]byte, 1), 0); rerr != nil {
				err = rerr
			}
			h.Release(ctx)
		}
		openErr <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := entryState(fs, "/cold.txt")
		return ok && st == stateFetching
	}, 2*time.Second, time.Millisecond)

	unlinkErr := make(chan error, 1)
	go func() { unlinkErr <- fs.Unlink(ctx, "/cold.txt") }()

	// The unlink marks the entry and blocks until the fetch settles.
	require.Eventually(t, func() bool {
		return deletePending(fs, "/cold.txt")
	}, 2*time.Second, time.Millisecond)

	close(gate)

	// The delete was issued first, so the open loses.
	require.ErrorIs(t, <-openErr, ErrNotFound)
	require.NoError(t, <-unlinkErr)

	_, ok := r.Content("/cold.txt")
	require.False(t, ok)
	require.Equal(t, 0, fs.reg.len())
}

func TestUnlinkUncachedDeletesRemote(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/cold.txt", bytesReader("x"), -1))
	require.NoError(t, fs.Unlink(ctx, "/cold.txt"))
	_, ok := r.Content("/cold.txt")
	require.False(t, ok)

	require.ErrorIs(t, fs.Unlink(ctx, "/cold.txt"), ErrNotFound)
}

func TestOpenAfterUnlinkFails(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	h, err := fs.Create("/gone.txt")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, "/gone.txt"))

	_, err = fs.Open(ctx, "/gone.txt")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.Release(ctx))
}

func TestReadDirMergesLocalState(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/dir/remote.txt", bytesReader("r"), -1))

	h, err := fs.Create("/dir/local.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("local"), 0)
	require.NoError(t, err)

	entries, err := fs.ReadDir(ctx, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "local.txt", entries[0].Name)
	require.True(t, entries[0].Dirty)
	require.Equal(t, int64(5), entries[0].Size)
	require.Equal(t, "remote.txt", entries[1].Name)
	require.False(t, entries[1].Dirty)

	require.NoError(t, h.Release(ctx))
}

func TestStat(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/remote-only.txt", bytesReader("12345"), -1))

	info, err := fs.Stat(ctx, "/remote-only.txt")
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Size)
	require.False(t, info.Dirty)

	h, err := fs.Create("/cached.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	info, err = fs.Stat(ctx, "/cached.txt")
	require.NoError(t, err)
	require.Equal(t, int64(3), info.Size)
	require.True(t, info.Dirty)

	_, err = fs.Stat(ctx, "/nope.txt")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.Release(ctx))
}

func TestMkdirRmdir(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/sub"))

	info, err := fs.Stat(ctx, "/sub")
	require.NoError(t, err)
	require.True(t, info.IsDir)

	// A locally created (unsynced) child blocks removal.
	h, err := fs.Create("/sub/file.txt")
	require.NoError(t, err)
	require.ErrorIs(t, fs.Rmdir(ctx, "/sub"), ErrNotEmpty)

	require.NoError(t, fs.Unlink(ctx, "/sub/file.txt"))
	require.NoError(t, h.Release(ctx))
	require.NoError(t, fs.Rmdir(ctx, "/sub"))
}

func TestDirectoryOperationsOnFiles(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/plain.txt", bytesReader("f"), -1))
	require.ErrorIs(t, fs.Rmdir(ctx, "/plain.txt"), ErrNotDir)
	require.ErrorIs(t, fs.Rmdir(ctx, "/absent"), ErrNotFound)

	h, err := fs.Create("/local.txt")
	require.NoError(t, err)
	_, err = fs.ReadDir(ctx, "/local.txt")
	require.ErrorIs(t, err, ErrNotDir)
	require.NoError(t, h.Release(ctx))
}

func TestOpenDirectoryFails(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/d"))
	_, err := fs.Open(ctx, "/d")
	require.ErrorIs(t, err, ErrIsDir)
}

func TestCreateTruncatesExisting(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, "/t.txt", bytesReader("old content"), -1))

	h, err := fs.Open(ctx, "/t.txt")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	h, err = fs.Create("/t.txt")
	require.NoError(t, err)
	require.Equal(t, int64(0), h.Stat().Size)
	require.True(t, h.Stat().Dirty)
	require.NoError(t, h.Release(ctx))
}

func TestCloseFlushesDirtyEntries(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	h, err := fs.Create("/pending.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("not yet synced"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	require.NoError(t, fs.Close(ctx))

	data, ok := r.Content("/pending.txt")
	require.True(t, ok)
	require.Equal(t, []byte("not yet synced"), data)
}

func TestCloseReportsUnflushablePaths(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	r.PutHook = func(string) error { return errors.New("server down") }

	h, err := fs.Create("/stuck.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	err = fs.Close(ctx)
	var fe *FlushError
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Failures, 1)
	require.Equal(t, "/stuck.txt", fe.Failures[0].Path)
}

func TestOperationsAfterClose(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Close(ctx))

	_, err := fs.Open(ctx, "/x")
	require.ErrorIs(t, err, ErrClosed)
	_, err = fs.Create("/x")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, fs.Unlink(ctx, "/x"), ErrClosed)
	require.ErrorIs(t, fs.Close(ctx), ErrClosed)
}

func TestWarmCacheServesReopen(t *testing.T) {
	fs, r := newTestFS(t)
	ctx := context.Background()

	var fetches int
	r.FetchHook = func(string) error { fetches++; return nil }

	require.NoError(t, r.Put(ctx, "/warm.txt", bytesReader("warm content"), -1))

	h, err := fs.Open(ctx, "/warm.txt")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.Equal(t, 1, fetches)

	// Evict, then re-open: the warm disk cache satisfies the read after
	// the remote confirms unchanged metadata.
	fs.evictOnce(time.Now().Add(fs.opts.IdleThreshold + time.Second))
	require.Equal(t, 0, fs.reg.len())

	h, err = fs.Open(ctx, "/warm.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("warm content"), readAll(t, h))
	require.Equal(t, 1, fetches)
	require.NoError(t, h.Release(ctx))
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }
