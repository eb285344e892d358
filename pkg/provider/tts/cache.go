package tts

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default cache bounds, used when the corresponding constructor argument is
// zero.
const (
	DefaultCacheTTL      = 10 * time.Minute
	DefaultCacheMaxItems = 256
)

// Cache is a process-wide LRU in front of a Provider. Entries expire after a
// TTL and the least recently used entry is evicted once the size cap is
// reached. Concurrent requests for the same key join a single in-flight
// synthesis instead of duplicating upstream work.
//
// Cache itself implements Provider, so it can wrap any backend transparently.
type Cache struct {
	inner    Provider
	ttl      time.Duration
	maxItems int

	sf singleflight.Group

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64

	// now is replaceable in tests to drive TTL expiry.
	now func() time.Time
}

var _ Provider = (*Cache)(nil)

type cacheEntry struct {
	key      string
	audio    []byte
	storedAt time.Time
}

// NewCache wraps inner with an LRU cache. ttl and maxItems fall back to
// DefaultCacheTTL and DefaultCacheMaxItems when zero or negative.
func NewCache(inner Provider, ttl time.Duration, maxItems int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxItems <= 0 {
		maxItems = DefaultCacheMaxItems
	}
	return &Cache{
		inner:    inner,
		ttl:      ttl,
		maxItems: maxItems,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Synthesize returns the cached audio for req when present and fresh,
// otherwise synthesizes through the wrapped provider and stores the result.
// Failed syntheses are not cached.
func (c *Cache) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	key := cacheKey(req)

	if audio, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return audio, nil
	}
	c.misses.Add(1)

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A joined caller may arrive after the winning flight stored the
		// entry; re-check before synthesizing again.
		if audio, ok := c.lookup(key); ok {
			return audio, nil
		}
		audio, err := c.inner.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store(key, audio)
		return audio, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  int    `json:"items"`
}

// Stats returns the current hit/miss counters and entry count.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	items := c.ll.Len()
	c.mu.Unlock()
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Items:  items,
	}
}

// lookup returns the cached audio for key, promoting the entry to most
// recently used. Expired entries are removed and reported as a miss.
func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return ent.audio, true
}

// store inserts audio under key, replacing any stale entry and evicting from
// the LRU tail until the cache fits maxItems.
func (c *Cache) store(key string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.audio = audio
		ent.storedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, audio: audio, storedAt: c.now()})
	c.items[key] = el

	for c.ll.Len() > c.maxItems {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*cacheEntry).key)
	}
}

// cacheKey derives the cache identity of a request. Text is hashed so keys
// stay bounded regardless of chunk length.
func cacheKey(req Request) string {
	h := sha256.Sum256([]byte(req.Text))
	return req.VoiceModel + "|" + req.Encoding + "|" +
		strconv.Itoa(req.SampleRate) + "|" + req.Container + "|" +
		hex.EncodeToString(h[:])
}
