package replay

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sensorfuse/fusiond/internal/logging"
)

// RetentionPolicy defines how many recorded bundles are retained on disk.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of persisted bundles.
type StorageStats struct {
	Bundles   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes bundle directories according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay root directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep, primarily used for tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	path    string
	modTime time.Time
	size    int64
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- A bundle is any subdirectory carrying a manifest.
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, manifestFileName)); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, bundleDir{path: path, modTime: info.ModTime(), size: dirSize(path)})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	now := c.now()
	stats := StorageStats{LastSweep: now}
	for rank, bundle := range bundles {
		expired := c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge
		overCount := c.policy.MaxBundles > 0 && rank >= c.policy.MaxBundles
		if expired || overCount {
			if err := os.RemoveAll(bundle.path); err != nil {
				c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("bundle", bundle.path))
				continue
			}
			c.log.Info("replay bundle pruned", logging.String("bundle", bundle.path))
			continue
		}
		stats.Bundles++
		stats.Bytes += bundle.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
