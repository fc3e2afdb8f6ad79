package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)
		for i := 0; i < 2; i++ {
			b.Failure()
			assert.True(t, b.Allow())
		}
		b.Failure()
		assert.Equal(t, "open", b.State())
		assert.False(t, b.Allow())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)
		b.Failure()
		b.Failure()
		b.Success()
		b.Failure()
		b.Failure()
		assert.Equal(t, "closed", b.State())
		assert.True(t, b.Allow())
	})

	t.Run("half-open admits a single probe after the cooldown", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(1, time.Minute)
		b.now = func() time.Time { return now }

		b.Failure()
		assert.False(t, b.Allow())

		now = now.Add(time.Minute)
		assert.True(t, b.Allow(), "first call past the cooldown probes")
		assert.Equal(t, "half_open", b.State())
		assert.False(t, b.Allow(), "only one probe at a time")
	})

	t.Run("probe success closes, probe failure reopens", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(1, time.Minute)
		b.now = func() time.Time { return now }

		b.Failure()
		now = now.Add(time.Minute)
		assert.True(t, b.Allow())
		b.Success()
		assert.Equal(t, "closed", b.State())

		b.Failure()
		now = now.Add(time.Minute)
		assert.True(t, b.Allow())
		b.Failure()
		assert.Equal(t, "open", b.State())
		assert.False(t, b.Allow(), "reopen restarts the cooldown")
	})
}
