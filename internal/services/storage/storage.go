package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/models"
)

// Row is one encoded table row with its scope index entries
type Row struct {
	ID        string
	Data      []byte
	Scopes    []string
	OldScopes []string
}

// Backend persists encoded rows and their scope index
type Backend interface {
	// Get returns nil data for an absent row
	Get(ctx context.Context, table, id string) ([]byte, error)
	Put(ctx context.Context, table string, rows []Row) error
	Delete(ctx context.Context, table, id string, scopes []string) error
	List(ctx context.Context, table, scope string) ([][]byte, error)
	Close() error
}

// Table names
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableUsers         = "users"
	TableTranslations  = "translations"
)

// Manager owns the local store: entity tables, the AI cache namespace
// and the rate limit counters, all on one backend
type Manager struct {
	backend  Backend
	cache    CacheStore
	counters CounterStore
	logger   *logrus.Logger

	Conversations *Table[*models.Conversation]
	Messages      *Table[*models.Message]
	Users         *Table[*models.User]
	Translations  *Table[*models.Translation]
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		return newManager(redisStorage, NewRedisCacheStore(redisStorage.client, cfg.Storage.Redis.Prefix),
			NewRedisCounterStore(redisStorage.client, cfg.Storage.Redis.Prefix, logger), logger), nil
	case "memory":
		return NewMemoryManager(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// NewMemoryManager creates a manager backed entirely by process memory
func NewMemoryManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	return newManager(
		NewMemoryStorage(cfg, logger),
		NewMemoryCacheStore(cfg.Storage.Memory.CleanupInterval),
		NewMemoryCounterStore(),
		logger,
	)
}

func newManager(backend Backend, cacheStore CacheStore, counters CounterStore, logger *logrus.Logger) *Manager {
	return &Manager{
		backend:  backend,
		cache:    cacheStore,
		counters: counters,
		logger:   logger,
		Conversations: NewTable(TableConversations, backend, func(a, b *models.Conversation) bool {
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt > b.UpdatedAt
			}
			return a.ID < b.ID
		}, logger),
		Messages: NewTable(TableMessages, backend, func(a, b *models.Message) bool {
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.ID > b.ID
		}, logger),
		Users:        NewTable[*models.User](TableUsers, backend, nil, logger),
		Translations: NewTable[*models.Translation](TableTranslations, backend, nil, logger),
	}
}

// CacheStore returns the durable AI result cache namespace
func (m *Manager) CacheStore() CacheStore {
	return m.cache
}

// Counters returns the rate limit counter store
func (m *Manager) Counters() CounterStore {
	return m.counters
}

// ClearSession drops the rows cached for a signed-in user
func (m *Manager) ClearSession(ctx context.Context, userID string) error {
	conversations, err := m.Conversations.List(ctx, models.UserConversationsScope(userID))
	if err != nil {
		return err
	}
	for _, c := range conversations {
		messages, err := m.Messages.List(ctx, models.ConversationMessagesScope(c.ID))
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if err := m.Messages.Delete(ctx, msg.EntityID()); err != nil {
				return err
			}
		}
		if err := m.Conversations.Delete(ctx, c.ID); err != nil {
			return err
		}
	}
	m.logger.WithField("user_id", userID).Info("Local session data cleared")
	return nil
}

// Close releases the backend
func (m *Manager) Close() error {
	return m.backend.Close()
}
