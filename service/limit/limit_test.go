package limit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForKey(t *testing.T) {
	ctx := context.Background()
	l := NewKeyRateLimiter(2, time.Minute)

	for i := 0; i < 2; i++ {
		ok, _, err := l.ForKey(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, wait, err := l.ForKey(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// Keys are independent buckets.
	ok, _, err = l.ForKey(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, ok)
}
