package session

import (
	"math"
	"slices"
	"sync"
	"time"
)

// localCache is the in-process tier. It stores private copies so callers
// never share a *Record with the cache.
type localCache struct {
	mu            sync.RWMutex
	entries       map[int64]*Record
	maxSize       int
	evictFraction float64
}

func newLocalCache(maxSize int, evictFraction float64) *localCache {
	if maxSize <= 0 {
		maxSize = 500
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.5
	}
	return &localCache{
		entries:       make(map[int64]*Record),
		maxSize:       maxSize,
		evictFraction: evictFraction,
	}
}

// get returns a copy of the entry. expired is true when an entry existed but
// was past its expiry; it is removed in that case.
func (c *localCache) get(chatID int64, now time.Time) (rec *Record, expired bool) {
	c.mu.RLock()
	entry, ok := c.entries[chatID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if entry.IsExpired(now) {
		c.mu.Lock()
		if current, ok := c.entries[chatID]; ok && current == entry {
			delete(c.entries, chatID)
		}
		c.mu.Unlock()
		return entry.Clone(), true
	}

	return entry.Clone(), false
}

func (c *localCache) put(rec *Record) {
	c.mu.Lock()
	c.entries[rec.ChatID] = rec.Clone()
	c.mu.Unlock()
}

func (c *localCache) remove(chatID int64) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
}

func (c *localCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *localCache) overCapacity() bool {
	return c.len() > c.maxSize
}

// evict shrinks the cache once it exceeds maxSize. Up to evictFraction of
// maxSize expired entries go first, oldest activity first. If the cache is
// still over the bound, live entries are dropped oldest first until it fits;
// the remote store still holds them.
func (c *localCache) evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) <= c.maxSize {
		return 0
	}

	entries := make([]*Record, 0, len(c.entries))
	for _, rec := range c.entries {
		entries = append(entries, rec)
	}
	slices.SortFunc(entries, func(a, b *Record) int {
		ae, be := a.IsExpired(now), b.IsExpired(now)
		switch {
		case ae && !be:
			return -1
		case !ae && be:
			return 1
		}
		return a.LastActivity.Compare(b.LastActivity)
	})

	quota := int(math.Ceil(float64(c.maxSize) * c.evictFraction))
	removed := 0
	for _, rec := range entries {
		if removed >= quota || !rec.IsExpired(now) {
			break
		}
		delete(c.entries, rec.ChatID)
		removed++
	}

	for _, rec := range entries[removed:] {
		if len(c.entries) <= c.maxSize {
			break
		}
		delete(c.entries, rec.ChatID)
		removed++
	}

	return removed
}

// trim drops every expired entry.
func (c *localCache) trim(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, rec := range c.entries {
		if rec.IsExpired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
