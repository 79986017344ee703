package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/storage"
)

const (
	tierMemory  = "memory"
	tierDurable = "durable"
)

// Result wraps a value and whether it was served without calling the
// Language Service
type Result[T any] struct {
	Value  T    `json:"value"`
	Cached bool `json:"cached"`
}

// ResultCache is the two-tier AI result cache. The in-process tier sits in
// front of the durable namespace of the local store.
type ResultCache struct {
	enabled bool
	cfg     config.CacheConfig
	mu      sync.Mutex
	memory  *cache.Cache
	durable storage.CacheStore
	group   singleflight.Group
	metrics *middleware.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewResultCache creates a cache over the given durable store
func NewResultCache(cfg config.CacheConfig, durable storage.CacheStore, metrics *middleware.Metrics, logger *logrus.Logger) *ResultCache {
	memoryTTL := cfg.MemoryTTL
	if memoryTTL <= 0 {
		memoryTTL = 5 * time.Minute
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	cfg.MemoryTTL = memoryTTL

	return &ResultCache{
		enabled: cfg.Enabled,
		cfg:     cfg,
		memory:  cache.New(memoryTTL, cleanup),
		durable: durable,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Key derives the content address of a request. Fields are sorted by name,
// so the order they are listed in does not matter. The hash covers the JSON
// encoding of the pairs, so no name or value can bleed into another.
func Key(operation string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]string{name, fields[name]})
	}
	encoded, _ := json.Marshal(struct {
		Operation string      `json:"op"`
		Fields    [][2]string `json:"fields"`
	}{operation, pairs})

	hash := sha256.Sum256(encoded)
	return hex.EncodeToString(hash[:])
}

// Fetch returns the cached value for key or computes and stores it.
// Concurrent misses on one key share a single compute call; every caller
// but the one that ran it gets Cached=true. Compute errors are not cached.
func Fetch[T any](ctx context.Context, c *ResultCache, operation, key string, compute func(ctx context.Context) (T, error)) (Result[T], error) {
	if c == nil || !c.enabled {
		v, err := compute(ctx)
		return Result[T]{Value: v}, err
	}

	if payload, ok := c.lookup(ctx, operation, key); ok {
		var v T
		if err := json.Unmarshal(payload, &v); err == nil {
			return Result[T]{Value: v, Cached: true}, nil
		}
		c.logger.WithField("operation", operation).Warn("Dropping undecodable cache entry")
		c.delete(ctx, key)
	}
	c.metrics.RecordCacheMiss(operation)

	leader := false
	shared, err, _ := c.group.Do(key, func() (any, error) {
		if payload, ok := c.lookup(ctx, operation, key); ok {
			return payload, nil
		}
		leader = true
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cache payload: %w", err)
		}
		c.store(ctx, operation, key, payload)
		return payload, nil
	})
	if err != nil {
		var zero T
		return Result[T]{Value: zero}, err
	}

	var v T
	if err := json.Unmarshal(shared.([]byte), &v); err != nil {
		return Result[T]{}, fmt.Errorf("failed to decode cache payload: %w", err)
	}
	return Result[T]{Value: v, Cached: !leader}, nil
}

// Clear drops both tiers
func (c *ResultCache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	c.memory.Flush()
	c.mu.Unlock()

	if err := c.durable.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear durable cache: %w", err)
	}
	c.logger.Info("Cache cleared")
	return nil
}

// Sweep purges expired entries from both tiers
func (c *ResultCache) Sweep(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	c.memory.DeleteExpired()
	c.mu.Unlock()

	return c.durable.Sweep(ctx)
}

// Len returns the number of in-process entries
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory.ItemCount()
}

func (c *ResultCache) memoryTTL(operation string) time.Duration {
	ttl := c.cfg.TTLFor(operation)
	if c.cfg.MemoryTTL < ttl {
		return c.cfg.MemoryTTL
	}
	return ttl
}

func (c *ResultCache) lookup(ctx context.Context, operation, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	if val, found := c.memory.Get(key); found {
		rec := val.(*models.CacheRecord)
		if !rec.Expired(now, c.memoryTTL(operation)) {
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{
				"operation": operation,
				"tier":      tierMemory,
				"age":       now.Sub(time.UnixMilli(rec.CreatedAt)),
			}).Debug("Cache hit")
			c.metrics.RecordCacheHit(operation, tierMemory)
			return rec.Value, true
		}
		c.memory.Delete(key)
	}
	c.mu.Unlock()

	rec, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("operation", operation).Warn("Durable cache lookup failed")
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	if rec.Expired(now, c.cfg.TTLFor(operation)) {
		if err := c.durable.Delete(ctx, key); err != nil {
			c.logger.WithError(err).Warn("Failed to delete expired cache entry")
		}
		return nil, false
	}

	c.putMemory(operation, key, rec)
	c.logger.WithFields(logrus.Fields{
		"operation": operation,
		"tier":      tierDurable,
	}).Debug("Cache hit")
	c.metrics.RecordCacheHit(operation, tierDurable)
	return rec.Value, true
}

func (c *ResultCache) store(ctx context.Context, operation, key string, payload []byte) {
	rec := &models.CacheRecord{
		Value:     payload,
		CreatedAt: c.now().UnixMilli(),
		Operation: operation,
	}
	c.putMemory(operation, key, rec)

	if err := c.durable.Set(ctx, key, rec, c.cfg.TTLFor(operation)); err != nil {
		c.logger.WithError(err).WithField("operation", operation).Warn("Failed to persist cache entry")
		return
	}
	c.logger.WithField("operation", operation).Debug("Response cached")
}

// putMemory inserts rec, making room first when the tier is full
func (c *ResultCache) putMemory(operation, key string, rec *models.CacheRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.memory.Get(key); !exists && c.cfg.MaxSize > 0 && c.memory.ItemCount() >= c.cfg.MaxSize {
		c.memory.DeleteExpired()
		for c.memory.ItemCount() >= c.cfg.MaxSize {
			if !c.evictOldest() {
				break
			}
		}
	}
	c.memory.Set(key, rec, c.memoryTTL(operation))
}

// evictOldest must be called with mu held
func (c *ResultCache) evictOldest() bool {
	oldestKey := ""
	var oldest int64
	for k, item := range c.memory.Items() {
		rec := item.Object.(*models.CacheRecord)
		if oldestKey == "" || rec.CreatedAt < oldest {
			oldestKey, oldest = k, rec.CreatedAt
		}
	}
	if oldestKey == "" {
		return false
	}
	c.memory.Delete(oldestKey)
	c.metrics.RecordCacheEviction()
	return true
}

func (c *ResultCache) delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.memory.Delete(key)
	c.mu.Unlock()

	if err := c.durable.Delete(ctx, key); err != nil {
		c.logger.WithError(err).Warn("Failed to delete cache entry")
	}
}
