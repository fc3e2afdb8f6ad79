package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/swapslab/tradeloop/service/memstore"
)

// Cache is a memstore.Cache backed by a shared redis instance. It is the
// backend of choice when multiple engine replicas must agree on discovery
// fingerprint locks.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

// NewCache connects to redis and pings it once; it panics on failure the
// same way the process would fail on a missing database.
func NewCache(url, password string, db int, keyPrefix string) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		panic(err)
	}

	return &Cache{client: client, keyPrefix: keyPrefix}
}

func (c *Cache) key(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return c.keyPrefix + ":" + key
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

func (c *Cache) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(key), value, expiration).Result()
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	bs, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, memstore.ErrKeyNotFound{Key: key}
	}
	return bs, err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *Cache) Close(clear bool) error {
	if clear {
		if err := c.client.FlushDB(context.Background()).Err(); err != nil {
			return err
		}
	}
	return c.client.Close()
}
