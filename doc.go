// Package syncfs is the client-side cache coherence and synchronization
// core for mounting a remote object store as a local filesystem.
//
// It sits between a virtual-filesystem adapter and the remote store:
// the adapter calls it per file operation, reads and writes are served
// from local buffers, and a background sync engine drains dirty entries
// to the remote with retry and backoff. A periodic eviction daemon
// reclaims clean, idle entries to bound the local footprint.
//
// Basic usage:
//
//	fs, _ := syncfs.MountURL("http://localhost:8000",
//		syncfs.WithSpoolDir("/var/cache/syncfs"))
//	defer fs.Close(ctx)
//
//	h, _ := fs.Create("/notes/a.txt")
//	h.WriteAt([]byte("hello"), 0)   // buffered locally, entry is dirty
//	h.Flush(ctx)                    // blocking sync (fsync semantics)
//	h.Release(ctx)
//
//	h, _ = fs.Open(ctx, "/notes/a.txt")
//	buf := make([]byte, 5)
//	h.ReadAt(buf, 0)                // served from cache, no network
//
// Guarantees:
//
//   - Read-your-writes: a read after a write on the same path observes
//     the write, before any sync, across handles.
//   - Busy (open) and dirty entries are never evicted.
//   - Unlink with open handles defers removal until the last release;
//     the path vanishes from listings immediately.
//   - Failed uploads are retried with exponential backoff; exhausted
//     entries stay dirty and are reported on Failures, never dropped.
package syncfs
