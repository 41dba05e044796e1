package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

// Cache stores decisions for a short TTL.
type Cache interface {
	Get(ctx context.Context, key string) (Decision, bool, error)
	Set(ctx context.Context, key string, d Decision, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cached wraps a Client with a Cache. Only answers from the backend are
// cached; transport errors always go back to the caller uncached.
type Cached struct {
	next    Client
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Registry
}

func NewCached(next Client, cache Cache, ttl time.Duration, log *slog.Logger, m *metrics.Registry) *Cached {
	if log == nil {
		log = slog.Default()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, logger: log, metrics: m}
}

func cacheKey(uid, dispenserID string) string {
	return dispenserID + "|" + uid
}

func (c *Cached) Authorize(ctx context.Context, uid, dispenserID string) (Decision, error) {
	key := cacheKey(uid, dispenserID)
	if c.ttl > 0 {
		d, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("authz: cache read failed", "error", err)
		} else if ok {
			c.metrics.AuthCacheLookup(true)
			return d, nil
		}
		c.metrics.AuthCacheLookup(false)
	}

	d, err := c.next.Authorize(ctx, uid, dispenserID)
	if err != nil {
		return Decision{}, err
	}
	if c.ttl > 0 {
		if err := c.cache.Set(ctx, key, d, c.ttl); err != nil {
			c.logger.Warn("authz: cache write failed", "error", err)
		}
	}
	return d, nil
}

func (c *Cached) Forget(ctx context.Context, uid, dispenserID string) {
	if err := c.cache.Delete(ctx, cacheKey(uid, dispenserID)); err != nil {
		c.logger.Warn("authz: cache delete failed", "error", err)
	}
}

var (
	_ Client    = (*Cached)(nil)
	_ Forgetter = (*Cached)(nil)
)

type memoryEntry struct {
	d       Decision
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	clock clock.Clock
	mu    sync.Mutex
	data  map[string]memoryEntry
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCache{clock: clk, data: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return Decision{}, false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.data, key)
		return Decision{}, false, nil
	}
	return e.d, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, d Decision, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	// Opportunistic sweep keeps the map bounded by live entries.
	for k, e := range m.data {
		if !now.Before(e.expires) {
			delete(m.data, k)
		}
	}
	m.data[key] = memoryEntry{d: d, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// RedisCache shares decisions between processes through redis.
type RedisCache struct {
	redis  *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "silenus:authz:"
	}
	return &RedisCache{redis: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	raw, err := r.redis.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("redis get: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, false, fmt.Errorf("decode cached decision: %w", err)
	}
	return d, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, d Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := r.redis.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
