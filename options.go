package syncfs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// MountOptions configures a mount.
type MountOptions struct {
	// SpoolDir holds spilled write buffers and the warm-start cache.
	SpoolDir string

	// MemoryThreshold is the size above which entry buffers spill to disk.
	MemoryThreshold int64

	// ChunkSize bounds the copy buffer for streamed transfers.
	ChunkSize int

	// IdleThreshold is how long a clean, unused entry stays cached.
	IdleThreshold time.Duration

	// EvictInterval is the eviction daemon's sweep period.
	EvictInterval time.Duration

	// MaxRetries bounds upload attempts before an entry is reported on
	// the failure channel. The entry stays dirty either way.
	MaxRetries int

	// BackoffBase and BackoffMax shape the retry delay: base doubles per
	// attempt, jittered, capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Workers is the sync engine's upload concurrency.
	Workers int

	// CompressionLevel (1..3) and DisableWarmCache control the on-disk
	// warm-start cache.
	CompressionLevel int
	DisableWarmCache bool

	Logger *logrus.Logger
}

// MountOption is a functional option for configuring Mount.
type MountOption func(*MountOptions)

func defaultMountOptions() *MountOptions {
	return &MountOptions{
		SpoolDir:         defaultSpoolDir(),
		MemoryThreshold:  256 << 10,
		ChunkSize:        256 << 10,
		IdleThreshold:    5 * time.Minute,
		EvictInterval:    time.Minute,
		MaxRetries:       3,
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		Workers:          4,
		CompressionLevel: 2,
	}
}

// WithSpoolDir sets the local spool directory.
func WithSpoolDir(dir string) MountOption {
	return func(o *MountOptions) { o.SpoolDir = dir }
}

// WithMemoryThreshold sets the in-memory buffer limit before disk spill.
func WithMemoryThreshold(n int64) MountOption {
	return func(o *MountOptions) {
		if n > 0 {
			o.MemoryThreshold = n
		}
	}
}

// WithChunkSize sets the transfer copy-buffer size.
func WithChunkSize(n int) MountOption {
	return func(o *MountOptions) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

// WithIdleThreshold sets how long clean entries stay cached after their
// last access.
func WithIdleThreshold(d time.Duration) MountOption {
	return func(o *MountOptions) {
		if d > 0 {
			o.IdleThreshold = d
		}
	}
}

// WithEvictInterval sets the eviction sweep period.
func WithEvictInterval(d time.Duration) MountOption {
	return func(o *MountOptions) {
		if d > 0 {
			o.EvictInterval = d
		}
	}
}

// WithRetry sets the upload retry count and backoff window.
func WithRetry(maxRetries int, base, max time.Duration) MountOption {
	return func(o *MountOptions) {
		if maxRetries > 0 {
			o.MaxRetries = maxRetries
		}
		if base > 0 {
			o.BackoffBase = base
		}
		if max > 0 {
			o.BackoffMax = max
		}
	}
}

// WithWorkers sets the number of parallel upload workers.
func WithWorkers(n int) MountOption {
	return func(o *MountOptions) {
		if n > 0 {
			o.Workers = n
		}
	}
}

// WithCompressionLevel sets the warm-cache zstd level (1 fastest, 2
// default, 3 better ratio).
func WithCompressionLevel(level int) MountOption {
	return func(o *MountOptions) { o.CompressionLevel = level }
}

// WithoutWarmCache disables the on-disk warm-start cache.
func WithoutWarmCache() MountOption {
	return func(o *MountOptions) { o.DisableWarmCache = true }
}

// WithLogger sets the structured logger. Without one, logs are discarded.
func WithLogger(logger *logrus.Logger) MountOption {
	return func(o *MountOptions) { o.Logger = logger }
}

func defaultSpoolDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "syncfs")
	}
	return filepath.Join(os.TempDir(), "syncfs")
}
