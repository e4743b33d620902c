package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	gopath "path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemRemote is a map-backed Remote used by tests and examples. Per-op
// hooks allow scripting failures (e.g., "fail the next three uploads").
type MemRemote struct {
	mu      sync.Mutex
	objects map[string]*memObject

	// Hooks run before the corresponding operation with the lock released.
	// A non-nil return aborts the operation with that error.
	FetchHook  func(path string) error
	PutHook    func(path string) error
	DeleteHook func(path string) error
}

type memObject struct {
	data    []byte
	modTime time.Time
	isDir   bool
}

// NewMemRemote creates an empty in-memory remote.
func NewMemRemote() *MemRemote {
	return &MemRemote{objects: make(map[string]*memObject)}
}

func (m *MemRemote) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if m.FetchHook != nil {
		if err := m.FetchHook(path); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok || obj.isDir {
		return nil, fmt.Errorf("fetch %s: %w", path, ErrNotFound)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemRemote) Put(ctx context.Context, path string, r io.Reader, size int64) error {
	if m.PutHook != nil {
		if err := m.PutHook(path); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = &memObject{data: data, modTime: time.Now().UTC()}
	return nil
}

func (m *MemRemote) Delete(ctx context.Context, path string) error {
	if m.DeleteHook != nil {
		if err := m.DeleteHook(path); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	prefix := strings.TrimRight(path, "/") + "/"
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			delete(m.objects, p)
		}
	}
	delete(m.objects, path)
	return nil
}

func (m *MemRemote) Mkdir(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[path]; ok && !obj.isDir {
		return fmt.Errorf("mkdir %s: object exists", path)
	}
	m.objects[path] = &memObject{modTime: time.Now().UTC(), isDir: true}
	return nil
}

func (m *MemRemote) List(ctx context.Context, dir string) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir = normalizeDir(dir)
	var infos []Info
	for p, obj := range m.objects {
		if gopath.Dir(p) != dir {
			continue
		}
		infos = append(infos, m.infoLocked(p, obj))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *MemRemote) Stat(ctx context.Context, path string) (Info, error) {
	if path == "/" || path == "" {
		return Info{Path: "/", IsDir: true}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok {
		return Info{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
	return m.infoLocked(path, obj), nil
}

func (m *MemRemote) infoLocked(path string, obj *memObject) Info {
	return Info{
		Path:    path,
		Size:    int64(len(obj.data)),
		ModTime: obj.modTime,
		IsDir:   obj.isDir,
	}
}

// Content returns the stored bytes for path, for test assertions.
func (m *MemRemote) Content(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[path]
	if !ok || obj.isDir {
		return nil, false
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, true
}

// Len returns the number of stored objects, directories included.
func (m *MemRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
