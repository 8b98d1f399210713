// Package metadata memoizes per-remote file metadata fetched from the
// external transfer tool.
package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/sly67/pathmap/internal/metrics"
	"github.com/sly67/pathmap/internal/rclone"
)

// Statter is the external metadata query. *rclone.Tool satisfies it; tests
// inject fakes.
type Statter interface {
	Stat(ctx context.Context, remote string) (*rclone.ObjectInfo, error)
}

type entry struct {
	info       *rclone.ObjectInfo
	lastAccess time.Time
}

// Cache memoizes metadata records keyed by remote location. Failed lookups
// are never stored, so a transient external failure is retried on the next
// access instead of poisoning the key.
type Cache struct {
	statter    Statter
	maxEntries int // 0 = unbounded

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a cache over the given collaborator. maxEntries bounds the
// entry count; 0 means unbounded.
func New(statter Statter, maxEntries int) *Cache {
	return &Cache{
		statter:    statter,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

// Get returns the metadata record for a remote location, querying the
// collaborator on a miss. Concurrent misses for the same key may each issue
// the external query; the queries are idempotent reads, so the duplicate
// work is accepted over single-flight bookkeeping.
func (c *Cache) Get(ctx context.Context, remote string) (*rclone.ObjectInfo, error) {
	c.mu.Lock()
	if e, ok := c.entries[remote]; ok {
		e.lastAccess = time.Now()
		c.mu.Unlock()
		metrics.RecordMetadataCacheHit()
		return e.info, nil
	}
	c.mu.Unlock()

	metrics.RecordMetadataCacheMiss()
	info, err := c.statter.Stat(ctx, remote)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[remote] = &entry{info: info, lastAccess: time.Now()}
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		if !c.evictOldest() {
			break
		}
	}
	return info, nil
}

// evictOldest removes the least recently accessed entry.
// Must be called with the lock held.
func (c *Cache) evictOldest() bool {
	var oldest *entry
	var oldestKey string

	for key, e := range c.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
			oldestKey = key
		}
	}

	if oldest == nil {
		return false
	}
	delete(c.entries, oldestKey)
	return true
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
