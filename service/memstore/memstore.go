package memstore

import (
	"context"
	"time"
)

// ErrKeyNotFound is returned by Get for absent or expired keys.
type ErrKeyNotFound struct {
	Key string
}

func (k ErrKeyNotFound) Error() string {
	return "key not found: " + k.Key
}

// Cache represents a key-value store with expirations. The engine ships an
// in-process implementation; the redis subpackage provides a shared backend
// for multi-replica deployments.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	// SetNX sets the key only if it does not already hold a live value and
	// reports whether the set happened. Lockers rely on this being atomic.
	SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close(clear bool) error
}
