// Package seen implements a bounded deduplication window.
//
// Receivers record every (sender, sequence) pair they deliver. A pair seen
// again within the window is a network-level duplicate and is dropped.
// The window is bounded both in entries (least recently used are evicted
// first) and in age, so memory stays flat however long the node runs.
package seen

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Operative-001/huddle/internal/peer"
)

const (
	DefaultSize   = 4096
	DefaultExpiry = 2 * time.Minute
)

// Key identifies one application message.
type Key struct {
	Sender peer.ID
	Seq    uint64
}

// Cache is a concurrent-safe dedup window.
type Cache[K comparable] struct {
	mu  sync.Mutex
	lru *expirable.LRU[K, struct{}]
}

// New creates a Cache holding at most size keys for at most expiry.
// The underlying LRU purges expired keys from a background goroutine that
// lives as long as the process, so create one Cache per window and share
// it rather than creating one per short-lived user.
func New[K comparable](size int, expiry time.Duration) *Cache[K] {
	if size <= 0 {
		size = DefaultSize
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Cache[K]{lru: expirable.NewLRU[K, struct{}](size, nil, expiry)}
}

// Has reports whether k was added and has not expired or been evicted.
func (c *Cache[K]) Has(k K) bool {
	_, ok := c.lru.Get(k)
	return ok
}

// Add records k. Returns true if k was not already in the window
// (i.e. this is new traffic).
func (c *Cache[K]) Add(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(k); ok {
		return false
	}
	c.lru.Add(k, struct{}{})
	return true
}

// Len returns the number of keys currently held.
func (c *Cache[K]) Len() int {
	return c.lru.Len()
}
