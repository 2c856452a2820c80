package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace-svc/config"
	"marketplace-svc/middleware"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "marketplace:"
	versionPrefix = keyPrefix + "ver:"
	versionTTL    = time.Hour
)

// Cache is a read-through cache with TTL. The component that mutates an
// entity is responsible for deleting its key.
//
// Every Delete bumps the key's version. A reader takes Version before loading
// from the database and stores the result with Fill, which is dropped if the
// key was invalidated in the meantime.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Version(ctx context.Context, key string) (int64, error)
	Fill(ctx context.Context, key string, value any, ttl time.Duration, version int64) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}

// fillScript sets KEYS[1] only while KEYS[2] still holds the version the
// reader started from.
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		middleware.RecordCacheResult(false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache key %s: %w", key, err)
	}
	middleware.RecordCacheResult(true)
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+key, data, ttl).Err()
}

func (c *RedisCache) Version(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, versionPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache version %s: %w", key, err)
	}
	return v, nil
}

func (c *RedisCache) Fill(ctx context.Context, key string, value any, ttl time.Duration, version int64) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	stored, err := fillScript.Run(ctx, c.rdb,
		[]string{keyPrefix + key, versionPrefix + key},
		data, strconv.FormatInt(version, 10), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fill cache key %s: %w", key, err)
	}
	return stored == 1, nil
}

// Delete removes the keys and bumps their versions in one round trip.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, keyPrefix+k)
			pipe.Incr(ctx, versionPrefix+k)
			pipe.Expire(ctx, versionPrefix+k, versionTTL)
		}
		return nil
	})
	return err
}

// Flush removes only this service's keys; the Redis instance may be shared.
func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func OrderKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// Nop is used when no cache is configured.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Version(context.Context, string) (int64, error) { return 0, nil }
func (Nop) Fill(context.Context, string, any, time.Duration, int64) (bool, error) {
	return false, nil
}
func (Nop) Delete(context.Context, ...string) error { return nil }
func (Nop) Flush(context.Context) error { return nil }
