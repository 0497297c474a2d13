package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
)

// Cache stores fingerprints by normalized URL. Implementations never fail
// the caller: backend errors degrade to a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*Fingerprint, bool)
	Set(ctx context.Context, key string, fp *Fingerprint)
	Close() error
}

// NewCache builds the configured cache backend.
func NewCache(log logrus.FieldLogger, cfg *config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case config.CacheDriverNone:
		return NoopCache{}, nil
	case config.CacheDriverRedis:
		return NewRedisCache(log, cfg.Redis.URL, cfg.Redis.KeyPrefix, cfg.TTL)
	case config.CacheDriverMemory, "":
		return NewMemoryCache(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
	}
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(_ context.Context, _ string) (*Fingerprint, bool) { return nil, false }

func (NoopCache) Set(_ context.Context, _ string, _ *Fingerprint) {}

func (NoopCache) Close() error { return nil }

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}

	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry, 64),
	}
}

// Get returns a copy of the cached fingerprint.
func (c *MemoryCache) Get(_ context.Context, key string) (*Fingerprint, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]

	if ok && !c.now().Before(entry.expires) {
		delete(c.entries, key)

		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}

	var fp Fingerprint
	if err := json.Unmarshal(entry.data, &fp); err != nil {
		return nil, false
	}

	return &fp, true
}

// Set stores fp until the TTL elapses.
func (c *MemoryCache) Set(_ context.Context, key string, fp *Fingerprint) {
	data, err := json.Marshal(fp)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = memoryEntry{data: data, expires: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *MemoryCache) Close() error { return nil }

// RedisCache stores fingerprints in Redis with a TTL.
type RedisCache struct {
	log    logrus.FieldLogger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects lazily to the Redis instance at redisURL.
func NewRedisCache(log logrus.FieldLogger, redisURL, prefix string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}

	return &RedisCache{
		log:    log.WithField("component", "fingerprint-cache"),
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Fingerprint, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Warn("Failed to read cached fingerprint")
		}

		return nil, false
	}

	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		c.log.WithError(err).Warn("Discarding undecodable cached fingerprint")

		return nil, false
	}

	return &fp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, fp *Fingerprint) {
	data, err := json.Marshal(fp)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("Failed to cache fingerprint")
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
