package limit

import (
	"context"
	"fmt"
	"time"

	"github.com/benny-conn/limiters"

	"github.com/swapslab/tradeloop/service/logger"
)

// KeyRateLimiter .
type KeyRateLimiter struct {
	rateDuration time.Duration
	rateAmount   int64
	reg          *limiters.Registry
	clock        *limiters.SystemClock
	logger       *limiters.StdLogger
}

// NewKeyRateLimiter creates a token bucket limiter of rateAmount per every,
// bucketed by key. State is process local; each tenant carries its own
// limiter so buckets never mix across tenants.
func NewKeyRateLimiter(rateAmount int64, every time.Duration) *KeyRateLimiter {
	return &KeyRateLimiter{
		rateDuration: every,
		rateAmount:   rateAmount,
		reg:          limiters.NewRegistry(),
		clock:        limiters.NewSystemClock(),
		logger:       limiters.NewStdLogger(),
	}
}

// ForKey checks whether the key is within its rate. When the bucket is
// exhausted it returns false plus how long to wait before retrying.
func (i *KeyRateLimiter) ForKey(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := i.reg.GetOrCreate(key, func() interface{} {
		return limiters.NewTokenBucket(i.rateAmount, i.rateDuration, limiters.NewLockNoop(), limiters.NewTokenBucketInMemory(), i.clock, i.logger)
	}, time.Duration(i.rateAmount), i.clock.Now())

	w, err := bucket.(*limiters.TokenBucket).Limit(ctx)
	if err == limiters.ErrLimitExhausted {
		return false, w, nil
	} else if err != nil {
		logger.For(ctx).Errorf("rate limiter failed for key %s: %s", key, err)
		return false, 0, fmt.Errorf("rate limiting err: %s", err)
	}

	return true, 0, nil
}
