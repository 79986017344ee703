package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
)

// MemoryStorage implements Backend using in-memory cache
type MemoryStorage struct {
	rows   *cache.Cache
	mu     sync.RWMutex
	scopes map[string]map[string]struct{}
	logger *logrus.Logger
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	return &MemoryStorage{
		rows:   cache.New(cache.NoExpiration, cfg.Storage.Memory.CleanupInterval),
		scopes: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

func rowKey(table, id string) string {
	return table + ":" + id
}

func scopeKey(table, scope string) string {
	return table + ":" + scope
}

func (m *MemoryStorage) Get(ctx context.Context, table, id string) ([]byte, error) {
	if val, found := m.rows.Get(rowKey(table, id)); found {
		return val.([]byte), nil
	}
	return nil, nil
}

func (m *MemoryStorage) Put(ctx context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		m.rows.Set(rowKey(table, row.ID), append([]byte(nil), row.Data...), cache.NoExpiration)
		for _, s := range row.OldScopes {
			delete(m.scopes[scopeKey(table, s)], row.ID)
		}
		for _, s := range row.Scopes {
			key := scopeKey(table, s)
			if m.scopes[key] == nil {
				m.scopes[key] = make(map[string]struct{})
			}
			m.scopes[key][row.ID] = struct{}{}
		}
	}
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, table, id string, scopes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows.Delete(rowKey(table, id))
	for _, s := range scopes {
		key := scopeKey(table, s)
		delete(m.scopes[key], id)
		if len(m.scopes[key]) == 0 {
			delete(m.scopes, key)
		}
	}
	return nil
}

func (m *MemoryStorage) List(ctx context.Context, table, scope string) ([][]byte, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.scopes[scopeKey(table, scope)]))
	for id := range m.scopes[scopeKey(table, scope)] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if val, found := m.rows.Get(rowKey(table, id)); found {
			out = append(out, val.([]byte))
		}
	}
	return out, nil
}

func (m *MemoryStorage) Close() error {
	m.rows.Flush()
	return nil
}
