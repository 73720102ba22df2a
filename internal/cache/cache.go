// Package cache wraps go-freelru as a bounded LRU of decoded nodes, keyed
// by node index. It sits in front of internal/storage.ReadNode and must be
// invalidated by the caller on every write or free of a node.
package cache

import (
	"sync/atomic"

	"github.com/elastic/go-freelru"

	"vbtree/internal/base"
)

// MinSize is the smallest cache capacity accepted by New; below this a
// tree's root-to-leaf path wouldn't reliably stay resident.
const MinSize = 16

// NodeCache is a fixed-capacity LRU cache of decoded nodes.
type NodeCache struct {
	lru *freelru.LRU[uint32, *base.Node]

	hits, misses atomic.Uint64
}

// New returns a NodeCache holding at most capacity nodes.
func New(capacity uint32) (*NodeCache, error) {
	if capacity < MinSize {
		capacity = MinSize
	}
	lru, err := freelru.New[uint32, *base.Node](capacity, hashNodeIndex)
	if err != nil {
		return nil, err
	}
	return &NodeCache{lru: lru}, nil
}

// hashNodeIndex is the identity hash: node indices are already uniformly
// distributed small integers, so no mixing is needed.
func hashNodeIndex(i uint32) uint32 { return i }

// Get returns the cached node for index, if present.
func (c *NodeCache) Get(index uint32) (*base.Node, bool) {
	n, ok := c.lru.Get(index)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return n, ok
}

// Put inserts or refreshes the cached entry for a node.
func (c *NodeCache) Put(n *base.Node) {
	c.lru.Add(n.Index, n)
}

// Delete evicts a node from the cache. Callers must call this whenever a
// node's slot is freed, so a stale entry can't outlive its slot's reuse.
func (c *NodeCache) Delete(index uint32) {
	c.lru.Remove(index)
}

// Purge drops every cached entry.
func (c *NodeCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of entries currently cached.
func (c *NodeCache) Len() int {
	return c.lru.Len()
}

// Stats holds cache hit/miss counters.
type Stats struct {
	Hits, Misses uint64
}

// Stats returns cumulative hit/miss counters.
func (c *NodeCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
