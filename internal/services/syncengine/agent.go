package syncengine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
)

// RunDeliveryAgent keeps the session user's conversation list in sync and
// acknowledges delivery of incoming messages. A new incoming last message
// triggers a sweep of the conversation's latest message window, so earlier
// messages of a burst are acknowledged too. It returns when ctx ends, the
// engine closes or the conversation listener ends.
func (e *Engine) RunDeliveryAgent(ctx context.Context) error {
	s, err := e.ObserveConversations(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	lastSeen := make(map[string]string)
	acked := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case list, ok := <-s.C():
			if !ok {
				return s.Err()
			}
			for _, c := range list {
				last := c.LastMessage
				if last == nil || last.SenderID == e.userID || lastSeen[c.ID] == last.ID {
					continue
				}
				lastSeen[c.ID] = last.ID
				e.acknowledgeWindow(ctx, c.ID, last.ID, acked)
			}
		}
	}
}

// acknowledgeWindow marks every incoming message in the conversation's
// latest window that is below DELIVERED. lastID is acknowledged even when
// the window cannot be listed.
func (e *Engine) acknowledgeWindow(ctx context.Context, conversationID, lastID string, acked map[string]bool) {
	pending := []string{lastID}
	q := remote.CollectionQuery(models.MessagesCollection(conversationID)).
		Order("timestamp", true).
		WithLimit(e.cfg.MessageWindow)
	docs, err := e.remote.List(ctx, q)
	if err != nil {
		e.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to list messages for delivery")
	}
	for _, doc := range docs {
		m, _, err := models.DecodeMessage(conversationID, doc.ID(), doc.Data)
		if err != nil || m.ID == lastID || m.SenderID == e.userID {
			continue
		}
		if m.Status.CanAdvanceTo(models.StatusDelivered) {
			pending = append(pending, m.ID)
		}
	}

	for _, id := range pending {
		key := models.MessageKey(conversationID, id)
		if acked[key] {
			continue
		}
		acked[key] = true
		commit := e.MarkDelivered(ctx, conversationID, id)
		go e.logDelivery(commit, conversationID, id)
	}
}

func (e *Engine) logDelivery(commit *Commit, conversationID, messageID string) {
	<-commit.Done()
	if err := commit.Err(); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"message_id":      messageID,
		}).Warn("Failed to acknowledge delivery")
	}
}
