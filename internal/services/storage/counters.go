package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/models"
)

// CounterFunc computes the next counter from the stored one (nil when absent).
// Returning a nil counter leaves the store untouched; an error aborts.
type CounterFunc func(current *models.RateCounter) (*models.RateCounter, error)

// CounterStore runs atomic read-modify-write cycles on rate counters
type CounterStore interface {
	Transact(ctx context.Context, key string, ttl time.Duration, fn CounterFunc) error
	Reset(ctx context.Context, key string) error
	// Sweep drops counters whose window started before olderThan
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

type memoryCounter struct {
	counter  models.RateCounter
	lastSeen time.Time
}

// MemoryCounterStore serializes counter updates under one mutex
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memoryCounter)}
}

func (m *MemoryCounterStore) Transact(ctx context.Context, key string, ttl time.Duration, fn CounterFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *models.RateCounter
	if entry, ok := m.counters[key]; ok {
		c := entry.counter
		current = &c
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	m.counters[key] = &memoryCounter{counter: *next, lastSeen: time.Now()}
	return nil
}

func (m *MemoryCounterStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.counters, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCounterStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := olderThan.UnixMilli()
	removed := 0
	for key, entry := range m.counters {
		if entry.counter.WindowStart < cutoff {
			delete(m.counters, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked counters
func (m *MemoryCounterStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

const maxCounterRetries = 10

// RedisCounterStore uses WATCH/MULTI so concurrent processes never lose increments
type RedisCounterStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisCounterStore(client *redis.Client, prefix string, logger *logrus.Logger) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix + "ratelimit:", logger: logger}
}

func (r *RedisCounterStore) Transact(ctx context.Context, key string, ttl time.Duration, fn CounterFunc) error {
	redisKey := r.prefix + key
	txf := func(tx *redis.Tx) error {
		var current *models.RateCounter
		data, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			current = &models.RateCounter{}
			if err := json.Unmarshal(data, current); err != nil {
				r.logger.WithError(err).WithField("key", key).Warn("Resetting undecodable rate counter")
				current = nil
			}
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxCounterRetries; i++ {
		err := r.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update rate counter %s: too much contention", key)
}

func (r *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisCounterStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	// Redis handles expiration automatically
	return 0, nil
}
