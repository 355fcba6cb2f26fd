package mst

import (
	"container/list"
	"sync"
)

// nodeCache is a bounded, read-write-locked cache keyed by (layer, hash),
// reducing KV reads for hot subtrees (spec §4.9, §5's "MST node cache is a
// read-write-locked map with bounded size").
type nodeCache struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key  string
	node *Node
}

func newNodeCache(capacity int) *nodeCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &nodeCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(layer uint32, hash Hash) string {
	return hashKeyString(layer, hash)
}

func (c *nodeCache) get(layer uint32, hash Hash) (*Node, bool) {
	key := cacheKey(layer, hash)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).node, true
}

func (c *nodeCache) put(layer uint32, hash Hash, n *Node) {
	key := cacheKey(layer, hash)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).node = n
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, node: n})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
