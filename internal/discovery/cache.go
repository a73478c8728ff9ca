// SPDX-License-Identifier: MIT

package discovery

import (
	"container/list"
)

// endpointCache is a bounded LRU from descriptor id to endpoint. Not
// safe for concurrent use; the Discoverer serialises access.
type endpointCache struct {
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type cacheEntry struct {
	id       string
	endpoint string
}

func newEndpointCache(capacity int) *endpointCache {
	return &endpointCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *endpointCache) get(id string) (string, bool) {
	el, ok := c.entries[id]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).endpoint, true
}

func (c *endpointCache) put(id, endpoint string) {
	if el, ok := c.entries[id]; ok {
		el.Value.(*cacheEntry).endpoint = endpoint
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{id: id, endpoint: endpoint})
	c.entries[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

func (c *endpointCache) evict(id string) {
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

func (c *endpointCache) len() int { return c.order.Len() }
