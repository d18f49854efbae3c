package securestore

import (
	"container/list"
	"sync"
)

// valueCache is a thread-safe LRU of decrypted values, keyed by store key.
type valueCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cachedValue struct {
	key   string
	value string
}

func newValueCache(capacity int) *valueCache {
	return &valueCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *valueCache) get(key string) (string, bool) {
	if c.capacity <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cachedValue).value, true
	}
	return "", false
}

func (c *valueCache) put(key, value string) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cachedValue).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.entries, oldest.Value.(*cachedValue).key)
			c.order.Remove(oldest)
		}
	}
	c.entries[key] = c.order.PushFront(&cachedValue{key: key, value: value})
}

func (c *valueCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.order.Remove(elem)
	}
}

func (c *valueCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *valueCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
