package throttle

import (
	"context"
	"time"

	"github.com/swapslab/tradeloop/service/memstore"
)

// ErrThrottleLocked is returned when the throttle is already locked for a
// given key. We do not block with a lock, but return this error instead.
type ErrThrottleLocked struct {
	Key string
}

func (e ErrThrottleLocked) Error() string {
	return "throttle locked for key: " + e.Key
}

// Locker is a sort of mutex used to ensure a task is not being done twice at
// the same time, keyed by an arbitrary string. The delta engine keys it by
// discovery fingerprint so rapid event bursts collapse into one run. Keys
// carry an expiry so no state is locked indefinitely.
type Locker struct {
	memstore memstore.Cache
	expiry   time.Duration
}

// NewLocker creates a new throttle locker.
func NewLocker(memstore memstore.Cache, expiry time.Duration) *Locker {
	return &Locker{
		memstore: memstore,
		expiry:   expiry,
	}
}

// Lock locks a key and returns ErrThrottleLocked if it is already held.
func (t *Locker) Lock(ctx context.Context, key string) error {
	ok, err := t.memstore.SetNX(ctx, key, []byte{}, t.expiry)
	if err != nil {
		return err
	}
	if !ok {
		return ErrThrottleLocked{Key: key}
	}
	return nil
}

// Unlock unlocks a key, despite it being locked.
func (t *Locker) Unlock(ctx context.Context, key string) error {
	return t.memstore.Delete(ctx, key)
}

// IsLocked checks if a key is locked.
func (t *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	_, err := t.memstore.Get(ctx, key)
	if err != nil {
		if _, ok := err.(memstore.ErrKeyNotFound); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
