package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	_, err = c.Get(ctx, "missing")
	var notFound ErrKeyNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Key)
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	ok, err := c.SetNX(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val, "losing SetNX must not overwrite")
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = c.Get(ctx, "k")
	var notFound ErrKeyNotFound
	assert.ErrorAs(t, err, &notFound)

	// An expired entry no longer blocks SetNX.
	ok, err := c.SetNX(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	var notFound ErrKeyNotFound
	assert.ErrorAs(t, err, &notFound)

	assert.NoError(t, c.Delete(ctx, "k"), "deleting an absent key is fine")
}

func TestCloseClear(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Close(true))

	_, err := c.Get(ctx, "k")
	var notFound ErrKeyNotFound
	assert.ErrorAs(t, err, &notFound)
}
