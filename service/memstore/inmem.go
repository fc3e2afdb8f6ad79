package memstore

import (
	"context"
	"sync"
	"time"
)

type inmemEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e inmemEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// InMemoryCache is a process-local Cache.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]inmemEntry
}

// NewInMemoryCache returns an empty in-process cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: map[string]inmemEntry{}}
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = newEntry(value, expiration)
	return nil
}

func (c *InMemoryCache) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.live(time.Now()) {
		return false, nil
	}
	c.entries[key] = newEntry(value, expiration)
	return true, nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.live(time.Now()) {
		delete(c.entries, key)
		return nil, ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) Close(clear bool) error {
	if clear {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.entries = map[string]inmemEntry{}
	}
	return nil
}

func newEntry(value []byte, expiration time.Duration) inmemEntry {
	e := inmemEntry{value: value}
	if expiration > 0 {
		e.expiresAt = time.Now().Add(expiration)
	}
	return e
}
