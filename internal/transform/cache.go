package transform

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// programCache is a small LRU of compiled programs with a per-entry TTL.
// Methods are safe for concurrent use.
type programCache struct {
	mu     sync.Mutex
	cap    int
	ttl    time.Duration
	ll     *list.List // front = most recently used
	items  map[string]*list.Element
	now    func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	name   string
	prog   *Program
	expiry time.Time // zero means no expiry
}

func newProgramCache(capacity int, ttl time.Duration, now func() time.Time) *programCache {
	if capacity <= 0 {
		capacity = 256
	}
	if now == nil {
		now = time.Now
	}
	return &programCache{
		cap:   capacity,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element, capacity),
		now:   now,
	}
}

func (c *programCache) get(name string) (*Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[name]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if !ent.expiry.IsZero() && !c.now().Before(ent.expiry) {
		c.remove(el)
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.prog, true
}

func (c *programCache) put(prog *Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}
	if el, ok := c.items[prog.Name]; ok {
		ent := el.Value.(*cacheEntry)
		ent.prog, ent.expiry = prog, exp
		c.ll.MoveToFront(el)
		return
	}
	c.items[prog.Name] = c.ll.PushFront(&cacheEntry{name: prog.Name, prog: prog, expiry: exp})
	for c.ll.Len() > c.cap {
		c.remove(c.ll.Back())
	}
}

func (c *programCache) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[name]; ok {
		c.remove(el)
	}
}

func (c *programCache) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).name)
}

func (c *programCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
