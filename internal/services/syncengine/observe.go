package syncengine

import (
	"context"

	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
	"github.com/lingosync-go/pkg/stream"
)

// Subscription scope keys
func conversationKey(id string) string      { return "conversation:" + id }
func conversationsKey(userID string) string { return "conversations:" + userID }
func messagesKey(convID string) string      { return "messages:" + convID }
func userKey(id string) string              { return "user:" + id }

// ObserveConversation streams one conversation. The cached row, or nil, is
// the first value.
func (e *Engine) ObserveConversation(ctx context.Context, id string) (*stream.Stream[*models.Conversation], error) {
	return observe(ctx, e, conversationKey(id), "conversation",
		remote.DocumentQuery(models.ConversationPath(id)),
		e.applyConversation,
		func() (*stream.Stream[*models.Conversation], error) {
			return e.store.Conversations.ObserveByID(ctx, id)
		}, nil)
}

// ObserveConversations streams the user's visible conversations, most
// recently updated first
func (e *Engine) ObserveConversations(ctx context.Context) (*stream.Stream[[]*models.Conversation], error) {
	q := remote.CollectionQuery(models.ConversationsCollection).
		Where("participantIds", remote.OpArrayContains, e.userID).
		Order("updatedAt", true)
	return observe(ctx, e, conversationsKey(e.userID), "conversations", q,
		e.applyConversationList,
		func() (*stream.Stream[[]*models.Conversation], error) {
			return e.store.Conversations.ObserveAll(ctx, models.UserConversationsScope(e.userID))
		}, e.visible)
}

// ObserveMessages streams the messages of a conversation in display order.
// The remote listener covers the latest message window.
func (e *Engine) ObserveMessages(ctx context.Context, conversationID string) (*stream.Stream[[]*models.Message], error) {
	q := remote.CollectionQuery(models.MessagesCollection(conversationID)).
		Order("timestamp", true).
		WithLimit(e.cfg.MessageWindow)
	return observe(ctx, e, messagesKey(conversationID), "messages", q,
		e.messagesApplier(conversationID),
		func() (*stream.Stream[[]*models.Message], error) {
			return e.store.Messages.ObserveAll(ctx, models.ConversationMessagesScope(conversationID))
		}, nil)
}

// ObserveUser streams a user profile
func (e *Engine) ObserveUser(ctx context.Context, id string) (*stream.Stream[*models.User], error) {
	return observe(ctx, e, userKey(id), "user",
		remote.DocumentQuery(models.UserPath(id)),
		e.applyUser,
		func() (*stream.Stream[*models.User], error) {
			return e.store.Users.ObserveByID(ctx, id)
		}, nil)
}

func (e *Engine) applyConversation(ctx context.Context, snap *remote.QuerySnapshot, _ bool) error {
	var upserts []*models.Conversation
	for _, ch := range snap.Changes {
		if ch.Type == remote.ChangeRemoved {
			if ch.Deleted {
				if err := e.store.Conversations.Delete(ctx, ch.Doc.ID()); err != nil {
					return err
				}
			}
			continue
		}
		if c := e.mergeConversation(ctx, ch.Doc); c != nil {
			upserts = append(upserts, c)
		}
	}
	return e.store.Conversations.UpsertAll(ctx, upserts)
}

// applyConversationList also prunes cached rows the first complete snapshot
// no longer lists, unless a local write for them is still in flight
func (e *Engine) applyConversationList(ctx context.Context, snap *remote.QuerySnapshot, initial bool) error {
	var upserts []*models.Conversation
	for _, ch := range snap.Changes {
		if ch.Type == remote.ChangeRemoved {
			// deleted, or the user is no longer a participant
			if err := e.store.Conversations.Delete(ctx, ch.Doc.ID()); err != nil {
				return err
			}
			continue
		}
		if c := e.mergeConversation(ctx, ch.Doc); c != nil {
			upserts = append(upserts, c)
		}
	}

	if initial && !snap.FromCache {
		listed := make(map[string]struct{}, len(snap.Docs))
		for _, d := range snap.Docs {
			listed[d.ID()] = struct{}{}
		}
		cached, err := e.store.Conversations.List(ctx, models.UserConversationsScope(e.userID))
		if err != nil {
			return err
		}
		for _, c := range cached {
			if _, ok := listed[c.ID]; ok || e.isPending(c.ID) {
				continue
			}
			if err := e.store.Conversations.Delete(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	return e.store.Conversations.UpsertAll(ctx, upserts)
}

// messagesApplier keeps messages that only left the query window
func (e *Engine) messagesApplier(conversationID string) applyFunc {
	return func(ctx context.Context, snap *remote.QuerySnapshot, _ bool) error {
		var upserts []*models.Message
		for _, ch := range snap.Changes {
			if ch.Type == remote.ChangeRemoved {
				if ch.Deleted {
					if err := e.store.Messages.Delete(ctx, models.MessageKey(conversationID, ch.Doc.ID())); err != nil {
						return err
					}
				}
				continue
			}
			if m := e.mergeMessage(ctx, conversationID, ch.Doc); m != nil {
				upserts = append(upserts, m)
			}
		}
		return e.store.Messages.UpsertAll(ctx, upserts)
	}
}

func (e *Engine) applyUser(ctx context.Context, snap *remote.QuerySnapshot, _ bool) error {
	for _, ch := range snap.Changes {
		if ch.Type == remote.ChangeRemoved {
			if ch.Deleted {
				if err := e.store.Users.Delete(ctx, ch.Doc.ID()); err != nil {
					return err
				}
			}
			continue
		}
		u, err := models.DecodeUser(ch.Doc.ID(), ch.Doc.Data)
		if err != nil {
			e.skipMalformed("user", ch.Doc.Path, err)
			continue
		}
		if err := e.store.Users.Upsert(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// mergeConversation decodes a remote document and folds it into the cached
// row. It returns nil for documents that cannot be parsed.
func (e *Engine) mergeConversation(ctx context.Context, doc *remote.DocumentSnapshot) *models.Conversation {
	c, info, err := models.DecodeConversation(doc.ID(), doc.Data)
	if err != nil {
		e.skipMalformed("conversation", doc.Path, err)
		return nil
	}
	e.noteLegacy(doc.Path, info)

	local, err := e.store.Conversations.GetByID(ctx, c.ID)
	if err != nil {
		e.logger.WithError(err).WithField("id", c.ID).Warn("Failed to read cached conversation")
		local = nil
	}
	return models.MergeConversation(local, c)
}

func (e *Engine) mergeMessage(ctx context.Context, conversationID string, doc *remote.DocumentSnapshot) *models.Message {
	m, info, err := models.DecodeMessage(conversationID, doc.ID(), doc.Data)
	if err != nil {
		e.skipMalformed("message", doc.Path, err)
		return nil
	}
	e.noteLegacy(doc.Path, info)

	local, err := e.store.Messages.GetByID(ctx, m.EntityID())
	if err != nil {
		e.logger.WithError(err).WithField("id", m.ID).Warn("Failed to read cached message")
		local = nil
	}
	return models.MergeMessage(local, m)
}
