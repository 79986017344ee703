package syncengine

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
)

// MessageDraft is the user input of a new message
type MessageDraft struct {
	ConversationID string
	Type           models.MessageType
	Text           string
	MediaURL       string
	Audio          *models.AudioInfo
}

// ConversationDraft is the user input of a new conversation. The session
// user is always a participant.
type ConversationDraft struct {
	Type           models.ConversationType
	ParticipantIDs []string
	Name           string
	IconURL        string
}

// ConversationPatch lists the fields UpdateConversation changes. Nil fields
// stay as they are.
type ConversationPatch struct {
	Name          *string
	IconURL       *string
	AutoTranslate *bool
	// Nicknames set per user; an empty nickname removes it
	Nicknames map[string]string
}

// SendMessage stores the message locally as SENDING and commits it in the
// background. The local row becomes SENT on success and FAILED on error;
// its content is never rolled back.
func (e *Engine) SendMessage(ctx context.Context, draft MessageDraft) (*models.Message, *Commit, error) {
	if draft.Type == "" {
		draft.Type = models.MessageText
	}
	msg := &models.Message{
		ID:             e.newID(),
		ConversationID: draft.ConversationID,
		SenderID:       e.userID,
		Type:           draft.Type,
		Text:           draft.Text,
		MediaURL:       draft.MediaURL,
		Audio:          draft.Audio,
		Status:         models.StatusSending,
		Timestamp:      e.now(),
	}
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := e.store.Messages.Upsert(ctx, msg); err != nil {
		return nil, nil, err
	}
	e.touchConversation(ctx, msg)

	sent := msg.Clone()
	sent.Status = models.StatusSent
	commit := e.spawn("send_message", msg.EntityID(), func(ctx context.Context) error {
		return e.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
			convPath := models.ConversationPath(msg.ConversationID)
			snap, err := tx.Get(convPath)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return errs.ErrNotFound
			}
			conv, _, err := models.DecodeConversation(snap.ID(), snap.Data)
			if err != nil {
				return err
			}
			if !conv.HasParticipant(e.userID) {
				return errs.ErrPermissionDenied
			}
			updatedAt := msg.Timestamp
			if conv.UpdatedAt > updatedAt {
				updatedAt = conv.UpdatedAt
			}
			tx.Set(models.MessagePath(msg.ConversationID, msg.ID), models.EncodeMessage(sent))
			tx.Update(convPath, models.Document{
				"lastMessage": models.EncodeLastMessage(sent.Summary()),
				"updatedAt":   updatedAt,
			})
			return nil
		})
	}, func(err error) {
		switch {
		case err == nil:
			e.advanceLocal(msg.ConversationID, msg.ID, models.StatusSent)
		case errors.Is(err, context.Canceled):
			// stays SENDING until resent or reconciled by the next sync
		default:
			e.advanceLocal(msg.ConversationID, msg.ID, models.StatusFailed)
		}
	})
	return msg.Clone(), commit, nil
}

// ResendMessage sends the content of a FAILED message again under a new id
// and drops the failed row
func (e *Engine) ResendMessage(ctx context.Context, conversationID, messageID string) (*models.Message, *Commit, error) {
	key := models.MessageKey(conversationID, messageID)
	failed, err := e.store.Messages.GetByID(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if failed == nil {
		return nil, nil, errs.ErrNotFound
	}
	if failed.Status != models.StatusFailed {
		return nil, nil, errs.Invalid("status", "only failed messages can be resent")
	}
	if err := e.store.Messages.Delete(ctx, key); err != nil {
		return nil, nil, err
	}
	return e.SendMessage(ctx, MessageDraft{
		ConversationID: failed.ConversationID,
		Type:           failed.Type,
		Text:           failed.Text,
		MediaURL:       failed.MediaURL,
		Audio:          failed.Audio,
	})
}

// CreateConversation stores a new conversation and commits it. A direct
// conversation that already exists with the same participant is reused.
func (e *Engine) CreateConversation(ctx context.Context, draft ConversationDraft) (*models.Conversation, *Commit, error) {
	participants := []string{e.userID}
	for _, id := range draft.ParticipantIDs {
		if id != "" && !containsID(participants, id) {
			participants = append(participants, id)
		}
	}
	if draft.Type == "" {
		draft.Type = models.ConversationOneOnOne
		if len(participants) > 2 {
			draft.Type = models.ConversationGroup
		}
	}

	if draft.Type == models.ConversationOneOnOne {
		if len(participants) != 2 {
			return nil, nil, errs.Invalid("participantIds", "a direct conversation needs exactly one other participant")
		}
		existing, err := e.findDirect(ctx, participants[1])
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return existing, completedCommit(nil), nil
		}
	}

	now := e.now()
	c := &models.Conversation{
		ID:             e.newID(),
		Type:           draft.Type,
		ParticipantIDs: participants,
		Name:           strings.TrimSpace(draft.Name),
		IconURL:        draft.IconURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.Type == models.ConversationGroup {
		c.GroupAdmins = []string{e.userID}
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if err := e.store.Conversations.Upsert(ctx, c); err != nil {
		return nil, nil, err
	}

	doc := models.EncodeConversation(c)
	commit := e.spawn("create_conversation", c.ID, func(ctx context.Context) error {
		return e.remote.Set(ctx, models.ConversationPath(c.ID), doc)
	}, nil)
	return c.Clone(), commit, nil
}

// UpdateConversation applies a patch locally and commits it
func (e *Engine) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*models.Conversation, *Commit, error) {
	c, err := e.participantConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	fields := models.Document{}
	if patch.Name != nil {
		c.Name = strings.TrimSpace(*patch.Name)
		fields["name"] = c.Name
	}
	if patch.IconURL != nil {
		c.IconURL = *patch.IconURL
		fields["iconUrl"] = c.IconURL
	}
	if patch.AutoTranslate != nil {
		c.AutoTranslate = *patch.AutoTranslate
		fields["autoTranslate"] = c.AutoTranslate
	}
	for userID, nick := range patch.Nicknames {
		if !c.HasParticipant(userID) {
			return nil, nil, errs.Invalid("nicknames", "must name participants")
		}
		if c.Nicknames == nil {
			c.Nicknames = make(map[string]string)
		}
		if nick == "" {
			delete(c.Nicknames, userID)
			fields["nicknames."+userID] = nil
			continue
		}
		c.Nicknames[userID] = nick
		fields["nicknames."+userID] = nick
	}
	if len(fields) == 0 {
		return c, completedCommit(nil), nil
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	c.UpdatedAt = e.nextUpdatedAt(c.UpdatedAt)
	fields["updatedAt"] = c.UpdatedAt

	if err := e.store.Conversations.Upsert(ctx, c); err != nil {
		return nil, nil, err
	}
	commit := e.spawn("update_conversation", c.ID, func(ctx context.Context) error {
		return e.remote.Update(ctx, models.ConversationPath(c.ID), fields)
	}, nil)
	return c.Clone(), commit, nil
}

// DeleteConversation hides the conversation for the session user only. It
// reappears when new activity arrives.
func (e *Engine) DeleteConversation(ctx context.Context, id string) (*Commit, error) {
	c, err := e.participantConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	at := e.now()
	if c.DeletedAt == nil {
		c.DeletedAt = make(map[string]int64)
	}
	c.DeletedAt[e.userID] = at
	if err := e.store.Conversations.Upsert(ctx, c); err != nil {
		return nil, err
	}

	return e.spawn("delete_conversation", c.ID, func(ctx context.Context) error {
		return e.remote.Update(ctx, models.ConversationPath(c.ID), models.Document{
			"deletedAt." + e.userID: at,
		})
	}, nil), nil
}

// DeleteConversationForEveryone removes the conversation and its messages.
// Groups require an admin; direct conversations any participant.
func (e *Engine) DeleteConversationForEveryone(ctx context.Context, id string) (*Commit, error) {
	c, err := e.participantConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Type == models.ConversationGroup && !c.IsAdmin(e.userID) {
		return nil, errs.ErrPermissionDenied
	}

	messages, err := e.store.Messages.List(ctx, models.ConversationMessagesScope(id))
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if err := e.store.Messages.Delete(ctx, m.EntityID()); err != nil {
			return nil, err
		}
	}
	if err := e.store.Conversations.Delete(ctx, id); err != nil {
		return nil, err
	}

	return e.spawn("delete_conversation_for_everyone", id, func(ctx context.Context) error {
		docs, err := e.remote.List(ctx, remote.CollectionQuery(models.MessagesCollection(id)))
		if err != nil {
			return err
		}
		return e.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
			snap, err := tx.Get(models.ConversationPath(id))
			if err != nil {
				return err
			}
			if !snap.Exists {
				return nil
			}
			remoteConv, _, err := models.DecodeConversation(id, snap.Data)
			if err == nil && remoteConv.Type == models.ConversationGroup && !remoteConv.IsAdmin(e.userID) {
				return errs.ErrPermissionDenied
			}
			for _, d := range docs {
				tx.Delete(d.Path)
			}
			tx.Delete(snap.Path)
			return nil
		})
	}, nil), nil
}

// AddParticipants adds users to a group. Only admins may do so.
func (e *Engine) AddParticipants(ctx context.Context, id string, userIDs []string) (*models.Conversation, *Commit, error) {
	c, err := e.participantConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Type != models.ConversationGroup {
		return nil, nil, errs.Invalid("type", "participants can only be added to groups")
	}
	if !c.IsAdmin(e.userID) {
		return nil, nil, errs.ErrPermissionDenied
	}
	added := addIDs(c, userIDs)
	if !added {
		return c, completedCommit(nil), nil
	}
	c.UpdatedAt = e.nextUpdatedAt(c.UpdatedAt)
	if err := e.store.Conversations.Upsert(ctx, c); err != nil {
		return nil, nil, err
	}

	commit := e.spawn("add_participants", id, func(ctx context.Context) error {
		return e.updateConversationTx(ctx, id, func(rc *models.Conversation) (bool, error) {
			if !rc.IsAdmin(e.userID) {
				return false, errs.ErrPermissionDenied
			}
			return addIDs(rc, userIDs), nil
		})
	}, nil)
	return c.Clone(), commit, nil
}

// RemoveParticipant removes a user from a group. Admins may remove anyone;
// every participant may remove themselves.
func (e *Engine) RemoveParticipant(ctx context.Context, id, userID string) (*Commit, error) {
	c, err := e.participantConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Type != models.ConversationGroup {
		return nil, errs.Invalid("type", "participants can only be removed from groups")
	}
	if userID != e.userID && !c.IsAdmin(e.userID) {
		return nil, errs.ErrPermissionDenied
	}
	if !removeID(c, userID) {
		return completedCommit(nil), nil
	}
	c.UpdatedAt = e.nextUpdatedAt(c.UpdatedAt)
	if userID == e.userID || len(c.ParticipantIDs) == 0 {
		err = e.store.Conversations.Delete(ctx, id)
	} else {
		err = e.store.Conversations.Upsert(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	return e.spawn("remove_participant", id, func(ctx context.Context) error {
		return e.updateConversationTx(ctx, id, func(rc *models.Conversation) (bool, error) {
			if userID != e.userID && !rc.IsAdmin(e.userID) {
				return false, errs.ErrPermissionDenied
			}
			return removeID(rc, userID), nil
		})
	}, nil), nil
}

// DeleteMessage removes a message for everyone. Only the sender may do so.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) (*Commit, error) {
	key := models.MessageKey(conversationID, messageID)
	m, err := e.store.Messages.GetByID(ctx, key)
	if err != nil {
		return nil, err
	}
	if m != nil {
		if m.SenderID != e.userID {
			return nil, errs.ErrPermissionDenied
		}
		if err := e.store.Messages.Delete(ctx, key); err != nil {
			return nil, err
		}
	}

	path := models.MessagePath(conversationID, messageID)
	return e.spawn("delete_message", key, func(ctx context.Context) error {
		return e.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
			snap, err := tx.Get(path)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return nil
			}
			if sender, _ := snap.Data["senderId"].(string); sender != e.userID {
				return errs.ErrPermissionDenied
			}
			tx.Delete(path)
			return nil
		})
	}, nil), nil
}

// SetPresence records the session user as online or offline
func (e *Engine) SetPresence(ctx context.Context, online bool) (*Commit, error) {
	u, err := e.store.Users.GetByID(ctx, e.userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &models.User{ID: e.userID}
	}
	u.Online = online
	u.LastSeen = e.now()
	if err := e.store.Users.Upsert(ctx, u); err != nil {
		return nil, err
	}

	path := models.UserPath(e.userID)
	return e.spawn("set_presence", e.userID, func(ctx context.Context) error {
		err := e.remote.Update(ctx, path, models.Document{
			"online":   u.Online,
			"lastSeen": u.LastSeen,
		})
		if errors.Is(err, errs.ErrNotFound) {
			return e.remote.Set(ctx, path, models.EncodeUser(u))
		}
		return err
	}, nil), nil
}

// updateConversationTx reads, changes and rewrites a conversation in the
// current schema. change reports whether anything changed.
func (e *Engine) updateConversationTx(ctx context.Context, id string, change func(c *models.Conversation) (bool, error)) error {
	return e.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
		snap, err := tx.Get(models.ConversationPath(id))
		if err != nil {
			return err
		}
		if !snap.Exists {
			return errs.ErrNotFound
		}
		c, info, err := models.DecodeConversation(id, snap.Data)
		if err != nil {
			return err
		}
		changed, err := change(c)
		if err != nil {
			return err
		}
		if !changed && !info.IsLegacy() {
			return nil
		}
		if len(c.ParticipantIDs) == 0 {
			tx.Delete(snap.Path)
			return nil
		}
		c.UpdatedAt = e.nextUpdatedAt(c.UpdatedAt)
		tx.Set(snap.Path, models.EncodeConversation(c))
		return nil
	})
}

// touchConversation moves the optimistic last message onto the cached
// conversation row
func (e *Engine) touchConversation(ctx context.Context, msg *models.Message) {
	c, err := e.store.Conversations.GetByID(ctx, msg.ConversationID)
	if err != nil || c == nil {
		return
	}
	c.LastMessage = msg.Summary()
	if msg.Timestamp > c.UpdatedAt {
		c.UpdatedAt = msg.Timestamp
	}
	if err := e.store.Conversations.Upsert(ctx, c); err != nil {
		e.logger.WithError(err).WithField("conversation_id", c.ID).Warn("Failed to update cached conversation")
	}
}

// advanceLocal moves a cached message status forward, never backwards
func (e *Engine) advanceLocal(conversationID, messageID string, status models.MessageStatus) {
	ctx := context.Background()
	m, err := e.store.Messages.GetByID(ctx, models.MessageKey(conversationID, messageID))
	if err != nil || m == nil {
		return
	}
	if !models.AdvanceStatus(m, status) {
		return
	}
	if err := e.store.Messages.Upsert(ctx, m); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": messageID,
			"status":     status,
		}).Warn("Failed to update cached message status")
	}
}

func (e *Engine) participantConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := e.store.Conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.ErrNotFound
	}
	if !c.HasParticipant(e.userID) {
		return nil, errs.ErrPermissionDenied
	}
	return c, nil
}

func (e *Engine) findDirect(ctx context.Context, otherID string) (*models.Conversation, error) {
	list, err := e.store.Conversations.List(ctx, models.UserConversationsScope(e.userID))
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.Type == models.ConversationOneOnOne && len(c.ParticipantIDs) == 2 && c.HasParticipant(otherID) {
			return c, nil
		}
	}
	return nil, nil
}

// nextUpdatedAt keeps updatedAt strictly increasing for this writer
func (e *Engine) nextUpdatedAt(current int64) int64 {
	now := e.now()
	if now <= current {
		return current + 1
	}
	return now
}

func addIDs(c *models.Conversation, userIDs []string) bool {
	changed := false
	for _, id := range userIDs {
		if id != "" && !c.HasParticipant(id) {
			c.ParticipantIDs = append(c.ParticipantIDs, id)
			changed = true
		}
	}
	return changed
}

func removeID(c *models.Conversation, userID string) bool {
	if !c.HasParticipant(userID) {
		return false
	}
	c.ParticipantIDs = without(c.ParticipantIDs, userID)
	c.GroupAdmins = without(c.GroupAdmins, userID)
	if len(c.GroupAdmins) == 0 && len(c.ParticipantIDs) > 0 {
		c.GroupAdmins = []string{c.ParticipantIDs[0]}
	}
	return true
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func containsID(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
