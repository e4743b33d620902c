// Package spool provides the random-access buffer backing a cache entry.
//
// A Buffer starts in memory and transparently spills to a temp file in the
// spool directory once it grows past a threshold. Buffers are safe for
// concurrent use, which lets the sync engine stream an upload while
// adapter reads continue.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned for any operation on a closed buffer.
var ErrClosed = errors.New("spool: buffer closed")

// Buffer is a concurrency-safe ReadAt/WriteAt buffer with disk spill.
type Buffer struct {
	mu        sync.RWMutex
	dir       string
	threshold int64

	mem    []byte
	file   *os.File // non-nil once spilled
	size   int64
	closed bool
}

// New creates an empty buffer. Data spills from memory into a temp file
// under dir once the buffer exceeds threshold bytes.
func New(dir string, threshold int64) *Buffer {
	return &Buffer{dir: dir, threshold: threshold}
}

// Size returns the current logical size in bytes.
func (b *Buffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ReadAt implements io.ReaderAt. Reads past the end return a short count
// and io.EOF, per POSIX read semantics.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("spool: negative offset %d", off)
	}
	if off >= b.size {
		return 0, io.EOF
	}

	if b.file != nil {
		return b.file.ReadAt(p, off)
	}

	n := copy(p, b.mem[off:b.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, extending the buffer as needed. Gaps
// between the old end and a far offset are zero-filled.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("spool: negative offset %d", off)
	}

	end := off + int64(len(p))
	if b.file == nil && end > b.threshold {
		if err := b.spillLocked(); err != nil {
			return 0, err
		}
	}

	if b.file != nil {
		n, err := b.file.WriteAt(p, off)
		if err != nil {
			return n, fmt.Errorf("spool: write spill file: %w", err)
		}
		if end > b.size {
			b.size = end
		}
		return n, nil
	}

	if end > int64(len(b.mem)) {
		grown := make([]byte, end)
		copy(grown, b.mem)
		b.mem = grown
	}
	n := copy(b.mem[off:end], p)
	if end > b.size {
		b.size = end
	}
	return n, nil
}

// Truncate sets the logical size to n, extending with zeros if needed.
func (b *Buffer) Truncate(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if n < 0 {
		return fmt.Errorf("spool: negative size %d", n)
	}

	if b.file != nil {
		if err := b.file.Truncate(n); err != nil {
			return fmt.Errorf("spool: truncate spill file: %w", err)
		}
		b.size = n
		return nil
	}

	if n > int64(len(b.mem)) {
		grown := make([]byte, n)
		copy(grown, b.mem)
		b.mem = grown
	} else {
		clear(b.mem[n:])
	}
	b.size = n
	return nil
}

// spillLocked moves the in-memory content into a temp file.
func (b *Buffer) spillLocked() error {
	f, err := os.CreateTemp(b.dir, "spool-*")
	if err != nil {
		return fmt.Errorf("spool: create spill file: %w", err)
	}
	if _, err := f.WriteAt(b.mem[:b.size], 0); err != nil {
		name := f.Name()
		f.Close()
		os.Remove(name)
		return fmt.Errorf("spool: write spill file: %w", err)
	}
	b.file = f
	b.mem = nil
	return nil
}

// Spilled reports whether the buffer is currently backed by a file.
func (b *Buffer) Spilled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.file != nil
}

// Reader returns an io.Reader over a point-in-time size of the buffer.
// Bytes written behind the cursor remain visible; the reader stops at the
// size captured at creation.
func (b *Buffer) Reader() io.Reader {
	return &reader{buf: b, limit: b.Size()}
}

type reader struct {
	buf   *Buffer
	off   int64
	limit int64
}

func (r *reader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if max := r.limit - r.off; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.buf.ReadAt(p, r.off)
	r.off += int64(n)
	return n, err
}

// Close releases the memory and removes any spill file. Safe to call twice.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil
	if b.file != nil {
		name := b.file.Name()
		b.file.Close()
		b.file = nil
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("spool: remove spill file: %w", err)
		}
	}
	return nil
}
