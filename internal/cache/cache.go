package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/faceid/internal/observability"
)

// keyPrefix namespaces recognition results in the shared keyspace.
const keyPrefix = "face_recog_"

const (
	modeRedis int32 = iota
	modeMemory
)

// Cache is the two-tier identification result cache: Redis when reachable,
// an in-process bounded map otherwise. All operations swallow errors; the
// cache must never be a failure source for callers. The tier is chosen at
// startup and only changes on a failover event (Redis connection lost), not
// back.
type Cache struct {
	rdb        *redis.Client
	mem        *memoryStore
	mode       atomic.Int32
	defaultTTL time.Duration
}

// New connects to Redis at url with a capped-backoff retry; on failure, or
// when url is empty, the in-process fallback serves from the start.
func New(ctx context.Context, url string, defaultTTL time.Duration, maxKeys int) *Cache {
	c := &Cache{
		mem:        newMemoryStore(maxKeys),
		defaultTTL: defaultTTL,
	}
	c.mode.Store(modeMemory)

	if url == "" {
		slog.Info("result cache using in-process fallback (no redis url)")
		return c
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		slog.Error("parse redis url, using in-process fallback", "error", err)
		return c
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			c.rdb = rdb
			c.mode.Store(modeRedis)
			slog.Info("result cache connected to redis")
			return c
		}
		if attempt < maxAttempts {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			if backoff > time.Second {
				backoff = time.Second
			}
			slog.Warn("redis connect failed, retrying",
				"attempt", attempt, "backoff", backoff, "error", err)
			time.Sleep(backoff)
		}
	}

	_ = rdb.Close()
	slog.Error("redis unreachable, using in-process fallback", "error", err)
	return c
}

// KeyForImage derives the cache key from a content hash of the query bytes.
func KeyForImage(image []byte) string {
	sum := md5.Sum(image)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached value or nil. Hits and misses are counted.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	var value []byte
	if c.mode.Load() == modeRedis {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		raw, err := c.rdb.Get(opCtx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			c.handleRedisError(err)
		default:
			value = raw
		}
	} else {
		if v, ok := c.mem.get(key, time.Now()); ok {
			value = v
		}
	}

	if value != nil {
		observability.CacheHits.Inc()
	} else {
		observability.CacheMisses.Inc()
	}
	return value
}

// Set stores value under key. ttl <= 0 means the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.mode.Load() == modeRedis {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.rdb.SetEx(opCtx, key, value, ttl).Err(); err != nil {
			c.handleRedisError(err)
		}
		return
	}
	c.mem.set(key, value, ttl, time.Now())
}

func (c *Cache) Del(ctx context.Context, key string) {
	if c.mode.Load() == modeRedis {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.rdb.Del(opCtx, key).Err(); err != nil {
			c.handleRedisError(err)
		}
		return
	}
	c.mem.del(key)
}

// InvalidatePattern removes keys matching a glob. Only meaningful on the
// distributed tier; a no-op on the fallback.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) {
	if c.mode.Load() != modeRedis {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keys, err := c.rdb.Keys(opCtx, pattern).Result()
	if err != nil {
		c.handleRedisError(err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(opCtx, keys...).Err(); err != nil {
		c.handleRedisError(err)
	}
}

func (c *Cache) Flush(ctx context.Context) {
	if c.mode.Load() == modeRedis {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.rdb.FlushDB(opCtx).Err(); err != nil {
			c.handleRedisError(err)
		}
		return
	}
	c.mem.flush()
}

// handleRedisError decides whether an operation error means the connection
// is gone. A failed follow-up ping flips the cache to the in-process tier
// for the rest of the run.
func (c *Cache) handleRedisError(err error) {
	slog.Warn("redis cache operation failed", "error", err)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pingErr := c.rdb.Ping(pingCtx).Err(); pingErr != nil {
		if c.mode.CompareAndSwap(modeRedis, modeMemory) {
			slog.Error("redis connection lost, failing over to in-process cache",
				"error", pingErr)
		}
	}
}

// Mode reports the active tier: "redis" or "memory".
func (c *Cache) Mode() string {
	if c.mode.Load() == modeRedis {
		return "redis"
	}
	return "memory"
}

type Stats struct {
	Mode       string `json:"mode"`
	MemoryKeys int    `json:"memory_keys"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Mode:       c.Mode(),
		MemoryKeys: c.mem.len(),
	}
}

func (c *Cache) Close() {
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}
