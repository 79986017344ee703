// Package syncengine keeps the local store in step with the remote document
// store for one signed-in user. Reads are local first: observers get the
// cached rows immediately and remote snapshots are merged in as they
// arrive. Writes are optimistic: the local row changes before the call
// returns and the remote commit runs in the background.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
	"github.com/lingosync-go/internal/services/storage"
)

// ErrClosed is returned by an engine after Close
var ErrClosed = errors.New("sync engine closed")

const (
	defaultWriteTimeout  = 15 * time.Second
	defaultMessageWindow = 50
)

// Engine is the sync session of one user
type Engine struct {
	userID  string
	cfg     config.SyncConfig
	store   *storage.Manager
	remote  remote.Source
	metrics *middleware.Metrics
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	subs    map[string]*subscription
	pending map[string]int

	now   func() int64
	newID func() string
}

// New starts a session for userID
func New(cfg config.SyncConfig, userID string, store *storage.Manager, src remote.Source, metrics *middleware.Metrics, logger *logrus.Logger) (*Engine, error) {
	if userID == "" {
		return nil, errs.ErrNotAuthenticated
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = defaultMessageWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:  userID,
		cfg:     cfg,
		store:   store,
		remote:  src,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
		pending: make(map[string]int),
		now:     models.NowMillis,
		newID:   uuid.NewString,
	}

	logger.WithField("user_id", userID).Info("Sync session started")
	return e, nil
}

// UserID returns the session user
func (e *Engine) UserID() string {
	return e.userID
}

// Close cancels every subscription and waits for in-flight work. Remote
// commits still running are abandoned; their local rows stay as written.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	e.cancel()
	for _, sub := range subs {
		sub.stop()
	}
	e.wg.Wait()

	e.logger.WithField("user_id", e.userID).Info("Sync session closed")
	return nil
}

// SignOut closes the session and drops the user's cached rows
func (e *Engine) SignOut(ctx context.Context) error {
	if err := e.Close(); err != nil {
		return err
	}
	if err := e.store.ClearSession(ctx, e.userID); err != nil {
		return fmt.Errorf("failed to clear local session: %w", err)
	}
	return nil
}

// track registers one background goroutine. It fails after Close.
func (e *Engine) track() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.wg.Add(1)
	return nil
}

// spawn runs the remote half of a write under the session with the write
// timeout. onDone sees the mapped error; a canceled commit is reported as
// context.Canceled.
func (e *Engine) spawn(op, entityID string, fn func(ctx context.Context) error, onDone func(err error)) *Commit {
	c := newCommit()
	if err := e.track(); err != nil {
		c.finish(err)
		return c
	}
	e.addPending(entityID, 1)

	go func() {
		defer e.wg.Done()
		defer e.addPending(entityID, -1)

		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
		defer cancel()

		err := errs.FromContext(fn(ctx))
		if err != nil && ctx.Err() == context.Canceled {
			err = context.Canceled
		}

		status := "success"
		log := e.logger.WithFields(logrus.Fields{
			"operation": op,
			"entity_id": entityID,
		})
		switch {
		case err == nil:
			log.Debug("Remote commit succeeded")
		case errors.Is(err, context.Canceled):
			status = "canceled"
			log.Info("Remote commit abandoned")
		default:
			status = "error"
			log.WithError(err).Warn("Remote commit failed")
		}
		e.metrics.RecordSyncWrite(op, status)

		if onDone != nil {
			onDone(err)
		}
		c.finish(err)
	}()
	return c
}

func (e *Engine) addPending(id string, delta int) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[id] += delta
	if e.pending[id] <= 0 {
		delete(e.pending, id)
	}
}

func (e *Engine) isPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[id] > 0
}

// LocalConversation is a point-in-time read of the local store
func (e *Engine) LocalConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return e.store.Conversations.GetByID(ctx, id)
}

// LocalConversations lists the cached conversations the user can see
func (e *Engine) LocalConversations(ctx context.Context) ([]*models.Conversation, error) {
	list, err := e.store.Conversations.List(ctx, models.UserConversationsScope(e.userID))
	if err != nil {
		return nil, err
	}
	return e.visible(list), nil
}

// LocalMessages lists the cached messages of a conversation in display order
func (e *Engine) LocalMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return e.store.Messages.List(ctx, models.ConversationMessagesScope(conversationID))
}

// LocalUser is a point-in-time read of a cached user
func (e *Engine) LocalUser(ctx context.Context, id string) (*models.User, error) {
	return e.store.Users.GetByID(ctx, id)
}

// GetConversation reads the remote document, merges it into the local row
// and returns the result. It falls back to the local row when the remote
// store cannot answer.
func (e *Engine) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	local, err := e.store.Conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := e.remote.Get(ctx, models.ConversationPath(id))
	if err != nil {
		e.logPointReadFallback("conversation", id, err)
		return local, nil
	}
	c, info, err := models.DecodeConversation(id, snap.Data)
	if err != nil {
		e.skipMalformed("conversation", snap.Path, err)
		return local, nil
	}
	e.noteLegacy(snap.Path, info)

	merged := models.MergeConversation(local, c)
	if err := e.store.Conversations.Upsert(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// GetMessage is GetConversation for a message
func (e *Engine) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	local, err := e.store.Messages.GetByID(ctx, models.MessageKey(conversationID, messageID))
	if err != nil {
		return nil, err
	}
	snap, err := e.remote.Get(ctx, models.MessagePath(conversationID, messageID))
	if err != nil {
		e.logPointReadFallback("message", messageID, err)
		return local, nil
	}
	m, info, err := models.DecodeMessage(conversationID, messageID, snap.Data)
	if err != nil {
		e.skipMalformed("message", snap.Path, err)
		return local, nil
	}
	e.noteLegacy(snap.Path, info)

	merged := models.MergeMessage(local, m)
	if err := e.store.Messages.Upsert(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// GetUser is GetConversation for a user profile
func (e *Engine) GetUser(ctx context.Context, id string) (*models.User, error) {
	local, err := e.store.Users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := e.remote.Get(ctx, models.UserPath(id))
	if err != nil {
		e.logPointReadFallback("user", id, err)
		return local, nil
	}
	u, err := models.DecodeUser(id, snap.Data)
	if err != nil {
		e.skipMalformed("user", snap.Path, err)
		return local, nil
	}
	if err := e.store.Users.Upsert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SaveTranslation caches a translation of a message for display
func (e *Engine) SaveTranslation(ctx context.Context, conversationID, messageID, language, text, source string) (*models.Translation, error) {
	if conversationID == "" || messageID == "" || language == "" {
		return nil, errs.Invalid("translation", "needs a conversation id, a message id and a language")
	}
	t := &models.Translation{
		ConversationID: conversationID,
		MessageID:      messageID,
		Language:       language,
		Text:           text,
		SourceLanguage: source,
		CreatedAt:      e.now(),
	}
	if err := e.store.Translations.Upsert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LocalTranslation returns a cached translation, or nil
func (e *Engine) LocalTranslation(ctx context.Context, conversationID, messageID, language string) (*models.Translation, error) {
	return e.store.Translations.GetByID(ctx, models.TranslationID(conversationID, messageID, language))
}

func (e *Engine) visible(list []*models.Conversation) []*models.Conversation {
	out := make([]*models.Conversation, 0, len(list))
	for _, c := range list {
		if c.VisibleTo(e.userID) {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) logPointReadFallback(kind, id string, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		return
	}
	e.logger.WithError(err).WithFields(logrus.Fields{
		"kind": kind,
		"id":   id,
	}).Warn("Remote read failed, using local copy")
}

func (e *Engine) skipMalformed(kind, path string, err error) {
	e.metrics.RecordMalformedDocument(kind)
	e.logger.WithError(err).WithField("path", path).Warn("Skipping malformed remote document")
}

func (e *Engine) noteLegacy(path string, info models.DecodeInfo) {
	for _, schema := range info.Legacy {
		e.metrics.RecordLegacyDocument(schema)
	}
	if info.IsLegacy() {
		e.logger.WithFields(logrus.Fields{
			"path":    path,
			"schemas": info.Legacy,
		}).Debug("Read remote document through legacy schema")
	}
}
