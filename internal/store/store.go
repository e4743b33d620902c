// Package store implements the warm-start disk cache.
//
// After a successful fetch or flush the entry's content is persisted
// zstd-compressed under the spool directory, keyed by a sha256 of the
// remote path with git-style sharding:
//
//	<dir>/objects/ab/cd123...       compressed content
//	<dir>/objects/ab/cd123....json  {size, mod_time} as last confirmed by
//	                                the remote
//
// A later cold open consults the cache first and skips the download when
// the remote reports an unchanged size and modified time. The cache is
// advisory: corrupt or mismatched entries are ignored and re-fetched.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/syncfs/internal/compression"
)

// MaxObjectSize bounds what gets persisted; larger entries are cheaper to
// re-fetch than to keep two copies of on disk.
const MaxObjectSize = 64 << 20

// Meta is the remote-confirmed metadata stored next to each object.
type Meta struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Matches reports whether two snapshots describe the same remote content.
// Sub-second precision differs between transports, so mod times are
// compared at second granularity.
func (m Meta) Matches(other Meta) bool {
	return m.Size == other.Size && m.ModTime.Truncate(time.Second).Equal(other.ModTime.Truncate(time.Second))
}

// Store is a path-keyed compressed object cache on local disk.
type Store struct {
	dir   string
	codec *compression.Codec
}

// New creates the cache rooted at dir.
func New(dir string, codec *compression.Codec) (*Store, error) {
	objDir := filepath.Join(dir, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &Store{dir: objDir, codec: codec}, nil
}

// Save persists content for path. Oversized objects are skipped; the
// returned bool reports whether anything was written.
func (s *Store) Save(path string, data []byte, meta Meta) (bool, error) {
	if int64(len(data)) > MaxObjectSize {
		return false, nil
	}

	objPath := s.objectPath(path)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return false, fmt.Errorf("create shard dir: %w", err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}

	// Temp file plus rename keeps readers from ever seeing a torn object.
	if err := writeAtomic(objPath, s.codec.Compress(data)); err != nil {
		return false, err
	}
	if err := writeAtomic(objPath+".json", metaData); err != nil {
		os.Remove(objPath)
		return false, err
	}
	return true, nil
}

// Load returns the cached content and metadata for path. The second
// return is false when the path is not cached or the cache entry is
// unreadable.
func (s *Store) Load(path string) ([]byte, Meta, bool) {
	objPath := s.objectPath(path)

	metaData, err := os.ReadFile(objPath + ".json")
	if err != nil {
		return nil, Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, Meta{}, false
	}

	compressed, err := os.ReadFile(objPath)
	if err != nil {
		return nil, Meta{}, false
	}
	data := s.codec.Decompress(compressed)
	if int64(len(data)) != meta.Size {
		// Torn or stale object; drop it so the next miss re-fetches.
		s.Remove(path)
		return nil, Meta{}, false
	}
	return data, meta, true
}

// Remove drops the cached object for path, if any.
func (s *Store) Remove(path string) {
	objPath := s.objectPath(path)
	os.Remove(objPath)
	os.Remove(objPath + ".json")
}

func (s *Store) objectPath(path string) string {
	h := sha256.Sum256([]byte(path))
	hash := hex.EncodeToString(h[:])
	return filepath.Join(s.dir, hash[:2], hash[2:])
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}
