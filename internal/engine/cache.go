package engine

import (
	"container/list"
	"fmt"
	"sync"
)

// vectorCache is an LRU over pooled embedding vectors, keyed by the text
// plus every option that changes the output.
type vectorCache struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type vectorEntry struct {
	key string
	vec []float32
}

func newVectorCache(capacity int) *vectorCache {
	return &vectorCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// vectorKey builds the cache key for one text under the given options.
func vectorKey(text string, strategy Strategy, normalize bool) string {
	return fmt.Sprintf("%s|%t|%s", strategy, normalize, text)
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*vectorEntry).vec, true
	}
	return nil, false
}

func (c *vectorCache) set(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*vectorEntry).vec = vec
		return
	}
	elem := c.lru.PushFront(&vectorEntry{key: key, vec: vec})
	c.entries[key] = elem
	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*vectorEntry).key)
		}
	}
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
