package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/models"
)

func TestDeliveryAgentAcknowledgesIncomingMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, "alice")
	bob := f.sessionFor(t, "bob")
	seedConversation(t, f, "c1", "alice", "bob")

	done := make(chan error, 1)
	go func() { done <- f.engine.RunDeliveryAgent(ctx) }()

	msg, commit, err := bob.SendMessage(ctx, MessageDraft{ConversationID: "c1", Type: models.MessageText, Text: "ping"})
	require.NoError(t, err)
	require.NoError(t, waitCommit(t, commit))

	assert.Eventually(t, func() bool {
		snap, err := f.remote.Get(context.Background(), models.MessagePath("c1", msg.ID))
		return err == nil && snap.Exists && snap.Data["status"] == string(models.StatusDelivered)
	}, 2*time.Second, 10*time.Millisecond)

	own, commit, err := f.engine.SendMessage(ctx, MessageDraft{ConversationID: "c1", Type: models.MessageText, Text: "pong"})
	require.NoError(t, err)
	require.NoError(t, waitCommit(t, commit))
	time.Sleep(50 * time.Millisecond)
	snap, err := f.remote.Get(context.Background(), models.MessagePath("c1", own.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusSent), snap.Data["status"], "own messages are not acknowledged")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestDeliveryAgentAcknowledgesWholeBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, "alice")
	bob := f.sessionFor(t, "bob")
	seedConversation(t, f, "c1", "alice", "bob")

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		msg, commit, err := bob.SendMessage(ctx, MessageDraft{ConversationID: "c1", Type: models.MessageText, Text: text})
		require.NoError(t, err)
		require.NoError(t, waitCommit(t, commit))
		ids = append(ids, msg.ID)
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.RunDeliveryAgent(ctx) }()

	for _, id := range ids {
		id := id
		assert.Eventually(t, func() bool {
			snap, err := f.remote.Get(context.Background(), models.MessagePath("c1", id))
			return err == nil && snap.Exists && snap.Data["status"] == string(models.StatusDelivered)
		}, 2*time.Second, 10*time.Millisecond, "message %s", id)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}
