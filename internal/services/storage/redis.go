package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
)

// RedisStorage implements Backend using Redis. Rows are JSON strings and
// each scope is a set of row ids.
type RedisStorage struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.Storage.Redis.Prefix, logger), nil
}

// NewRedisStorageWithClient wraps an existing client
func NewRedisStorageWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (r *RedisStorage) rowKey(table, id string) string {
	return fmt.Sprintf("%srow:%s:%s", r.prefix, table, id)
}

func (r *RedisStorage) scopeKey(table, scope string) string {
	return fmt.Sprintf("%sscope:%s:%s", r.prefix, table, scope)
}

func (r *RedisStorage) Get(ctx context.Context, table, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.rowKey(table, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisStorage) Put(ctx context.Context, table string, rows []Row) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			pipe.Set(ctx, r.rowKey(table, row.ID), row.Data, 0)
			for _, s := range row.OldScopes {
				pipe.SRem(ctx, r.scopeKey(table, s), row.ID)
			}
			for _, s := range row.Scopes {
				pipe.SAdd(ctx, r.scopeKey(table, s), row.ID)
			}
		}
		return nil
	})
	return err
}

func (r *RedisStorage) Delete(ctx context.Context, table, id string, scopes []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.rowKey(table, id))
		for _, s := range scopes {
			pipe.SRem(ctx, r.scopeKey(table, s), id)
		}
		return nil
	})
	return err
}

func (r *RedisStorage) List(ctx context.Context, table, scope string) ([][]byte, error) {
	ids, err := r.client.SMembers(ctx, r.scopeKey(table, scope)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.rowKey(table, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, []byte(s))
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.scopeKey(table, scope), stale...).Err(); err != nil {
			r.logger.WithError(err).WithField("scope", scope).Warn("Failed to prune stale scope entries")
		}
	}
	return out, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
