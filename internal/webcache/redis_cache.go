package webcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// namespacePrefix is shared by every cache version so activation can find
// entries from versions other than its own.
const namespacePrefix = "collection-v"

type RedisCache struct {
	client  *redis.Client
	version int
	logger  *zap.Logger
}

func NewRedisCache(addr, password string, db, version int, logger *zap.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client, version: version, logger: logger}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Version() int { return c.version }

func (c *RedisCache) key(path string) string {
	return fmt.Sprintf("%s%d:%s", namespacePrefix, c.version, path)
}

func (c *RedisCache) Match(ctx context.Context, path string) (*CachedResponse, bool, error) {
	val, err := c.client.Get(ctx, c.key(path)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp CachedResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisCache) Put(ctx context.Context, path string, resp *CachedResponse) error {
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	// No TTL: entries live until the next version activates.
	return c.client.Set(ctx, c.key(path), payload, 0).Err()
}

func (c *RedisCache) Activate(ctx context.Context) error {
	keep := fmt.Sprintf("%s%d:", namespacePrefix, c.version)

	var cursor uint64
	pruned := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, namespacePrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if strings.HasPrefix(k, keep) {
				continue
			}
			if err := c.client.Del(ctx, k).Err(); err != nil {
				return err
			}
			pruned++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("cache version activated",
		zap.Int("version", c.version),
		zap.Int("pruned", pruned))
	return nil
}
