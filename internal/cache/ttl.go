// Package cache provides bounded in-process caches with per-entry expiry.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is a size-bounded LRU whose entries expire after a fixed duration.
// Safe for concurrent use.
type TTL[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewTTL creates a cache holding at most size entries for ttl each.
// A non-positive ttl disables expiry.
func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = 1024
	}
	return &TTL[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value for key, resetting its expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate removes key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// Purge removes every entry.
func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries, including ones not yet evicted.
func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}
