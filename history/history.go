// Package history caches recent thread messages in process memory so
// preparation can skip the database fetch on warm threads. The flusher
// appends newly persisted messages; entries expire after a TTL and the cache
// holds a bounded number of threads, evicting the least recently used.
package history

import (
	"sync"
	"time"

	"github.com/loomworks/agentd/run"
)

type (
	// Cache is a bounded per-thread message cache. Thread-safe.
	Cache struct {
		mu         sync.Mutex
		threads    map[string]*entry
		lru        []string
		maxThreads int
		maxPerThread int
		ttl        time.Duration
		now        func() time.Time
	}

	entry struct {
		messages []run.Message
		touched  time.Time
	}
)

// New constructs a Cache holding up to maxThreads threads of up to
// maxPerThread messages each, expiring untouched threads after ttl.
func New(maxThreads, maxPerThread int, ttl time.Duration) *Cache {
	if maxThreads <= 0 {
		maxThreads = 100
	}
	if maxPerThread <= 0 {
		maxPerThread = 50
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		threads:      make(map[string]*entry),
		maxThreads:   maxThreads,
		maxPerThread: maxPerThread,
		ttl:          ttl,
		now:          time.Now,
	}
}

// Get returns the cached messages for a thread and whether the cache is warm.
func (c *Cache) Get(threadID string) ([]run.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.threads[threadID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.touched) > c.ttl {
		c.dropLocked(threadID)
		return nil, false
	}
	out := make([]run.Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Replace seeds the full message list for a thread.
func (c *Cache) Replace(threadID string, messages []run.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureRoomLocked(threadID)
	msgs := make([]run.Message, len(messages))
	copy(msgs, messages)
	if len(msgs) > c.maxPerThread {
		msgs = msgs[len(msgs)-c.maxPerThread:]
	}
	c.threads[threadID] = &entry{messages: msgs, touched: c.now()}
	c.touchLocked(threadID)
}

// Append adds newly persisted messages to a warm thread. Cold threads are
// ignored: a partial cache would serve an incomplete history.
func (c *Cache) Append(threadID string, messages ...run.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.threads[threadID]
	if !ok || c.now().Sub(e.touched) > c.ttl {
		c.dropLocked(threadID)
		return
	}
	e.messages = append(e.messages, messages...)
	if len(e.messages) > c.maxPerThread {
		e.messages = e.messages[len(e.messages)-c.maxPerThread:]
	}
	e.touched = c.now()
	c.touchLocked(threadID)
}

// Invalidate drops a thread from the cache.
func (c *Cache) Invalidate(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(threadID)
}

func (c *Cache) ensureRoomLocked(threadID string) {
	if _, exists := c.threads[threadID]; exists {
		return
	}
	for len(c.threads) >= c.maxThreads && len(c.lru) > 0 {
		c.dropLocked(c.lru[0])
	}
}

func (c *Cache) dropLocked(threadID string) {
	delete(c.threads, threadID)
	for i, id := range c.lru {
		if id == threadID {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			return
		}
	}
}

func (c *Cache) touchLocked(threadID string) {
	for i, id := range c.lru {
		if id == threadID {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, threadID)
}
