package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"

	"github.com/lingosync-go/internal/models"
)

// CacheStore is the durable namespace of the AI result cache
type CacheStore interface {
	// Get returns nil for a missing key
	Get(ctx context.Context, key string) (*models.CacheRecord, error)
	Set(ctx context.Context, key string, record *models.CacheRecord, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Sweep(ctx context.Context) error
}

// MemoryCacheStore keeps cache records in process memory
type MemoryCacheStore struct {
	items *cache.Cache
}

func NewMemoryCacheStore(cleanupInterval time.Duration) *MemoryCacheStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryCacheStore{items: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (m *MemoryCacheStore) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	if val, found := m.items.Get(key); found {
		rec := *val.(*models.CacheRecord)
		return &rec, nil
	}
	return nil, nil
}

func (m *MemoryCacheStore) Set(ctx context.Context, key string, record *models.CacheRecord, ttl time.Duration) error {
	rec := *record
	m.items.Set(key, &rec, ttl)
	return nil
}

func (m *MemoryCacheStore) Delete(ctx context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

func (m *MemoryCacheStore) Clear(ctx context.Context) error {
	m.items.Flush()
	return nil
}

func (m *MemoryCacheStore) Sweep(ctx context.Context) error {
	m.items.DeleteExpired()
	return nil
}

// RedisCacheStore keeps cache records as JSON strings with a Redis TTL
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	return &RedisCacheStore{client: client, prefix: prefix + "aicache:"}
}

func (r *RedisCacheStore) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec models.CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cache record: %w", err)
	}
	return &rec, nil
}

func (r *RedisCacheStore) Set(ctx context.Context, key string, record *models.CacheRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *RedisCacheStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisCacheStore) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *RedisCacheStore) Sweep(ctx context.Context) error {
	// Redis handles expiration automatically
	return nil
}
