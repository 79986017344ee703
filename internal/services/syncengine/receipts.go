package syncengine

import (
	"context"

	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
)

// messageChange edits a decoded message inside a transaction and reports
// whether it changed
type messageChange func(m *models.Message) bool

// MarkRead records the session user's first read of a message. Reading
// someone else's message moves it to READ.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) *Commit {
	at := e.now()
	return e.updateMessage("mark_read", conversationID, messageID, func(m *models.Message) bool {
		if m.SenderID == e.userID {
			return false
		}
		read := m.MarkReadBy(e.userID, at)
		advanced := models.AdvanceStatus(m, models.StatusRead)
		return read || advanced
	})
}

// MarkDelivered moves someone else's message to DELIVERED
func (e *Engine) MarkDelivered(ctx context.Context, conversationID, messageID string) *Commit {
	return e.updateMessage("mark_delivered", conversationID, messageID, func(m *models.Message) bool {
		if m.SenderID == e.userID {
			return false
		}
		return models.AdvanceStatus(m, models.StatusDelivered)
	})
}

// AddReaction sets the session user's reaction. A user holds at most one
// reaction per message, so any previous one is replaced.
func (e *Engine) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (*Commit, error) {
	if emoji == "" {
		return nil, errs.Invalid("emoji", "must not be empty")
	}
	return e.updateMessage("add_reaction", conversationID, messageID, func(m *models.Message) bool {
		return m.SetReaction(e.userID, emoji)
	}), nil
}

// RemoveReaction clears the session user's reaction
func (e *Engine) RemoveReaction(ctx context.Context, conversationID, messageID string) *Commit {
	return e.updateMessage("remove_reaction", conversationID, messageID, func(m *models.Message) bool {
		return m.SetReaction(e.userID, "")
	})
}

// updateMessage runs change in a remote transaction and merges the
// committed document into the local row. Documents read through a legacy
// schema are rewritten in the current one even when change is a no-op.
func (e *Engine) updateMessage(op, conversationID, messageID string, change messageChange) *Commit {
	path := models.MessagePath(conversationID, messageID)
	var committed *models.Message

	return e.spawn(op, messageID, func(ctx context.Context) error {
		err := e.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
			committed = nil
			snap, err := tx.Get(path)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return errs.ErrNotFound
			}
			m, info, err := models.DecodeMessage(conversationID, messageID, snap.Data)
			if err != nil {
				return err
			}
			changed := change(m)
			if !changed && !info.IsLegacy() {
				committed = m
				return nil
			}
			tx.Set(path, models.EncodeMessage(m))
			committed = m
			return nil
		})
		if err != nil {
			return err
		}
		return e.mergeCommitted(ctx, committed)
	}, nil)
}

func (e *Engine) mergeCommitted(ctx context.Context, m *models.Message) error {
	if m == nil {
		return nil
	}
	local, err := e.store.Messages.GetByID(ctx, m.EntityID())
	if err != nil {
		return err
	}
	return e.store.Messages.Upsert(ctx, models.MergeMessage(local, m))
}
