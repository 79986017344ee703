package syncengine

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/remote"
	"github.com/lingosync-go/internal/services/storage"
	"github.com/lingosync-go/pkg/stream"
)

type fixture struct {
	engine *Engine
	store  *storage.Manager
	remote *remote.Memory
	logger *logrus.Logger
}

func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	store := storage.NewMemoryManager(cfg, logger)
	src := remote.NewMemory(logger)

	e, err := New(config.SyncConfig{WriteTimeout: 2 * time.Second, MessageWindow: 50}, userID, store, src, nil, logger)
	require.NoError(t, err)

	var clock atomic.Int64
	clock.Store(10_000)
	e.now = func() int64 { return clock.Add(1) }
	var ids atomic.Int64
	e.newID = func() string { return fmt.Sprintf("id-%03d", ids.Add(1)) }

	t.Cleanup(func() {
		_ = e.Close()
		_ = store.Close()
	})
	return &fixture{engine: e, store: store, remote: src, logger: logger}
}

// sessionFor opens a second session on the same stores
func (f *fixture) sessionFor(t *testing.T, userID string) *Engine {
	t.Helper()
	e, err := New(config.SyncConfig{WriteTimeout: 2 * time.Second}, userID, f.store, f.remote, nil, f.logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func next[T any](t *testing.T, s *stream.Stream[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		require.True(t, ok, "stream ended: %v", s.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream value")
	}
	var zero T
	return zero
}

// nextMatching skips values until match accepts one
func nextMatching[T any](t *testing.T, s *stream.Stream[T], match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-s.C():
			require.True(t, ok, "stream ended: %v", s.Err())
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching value")
		}
	}
}

func waitEnded[T any](t *testing.T, s *stream.Stream[T]) {
	t.Helper()
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				<-s.Done()
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not end")
		}
	}
}

func conversationDoc(updatedAt int64, participants ...string) models.Document {
	list := make([]any, 0, len(participants))
	for _, p := range participants {
		list = append(list, p)
	}
	return models.Document{
		"type":           string(models.ConversationOneOnOne),
		"participantIds": list,
		"createdAt":      updatedAt,
		"updatedAt":      updatedAt,
	}
}

func seedConversation(t *testing.T, f *fixture, id string, participants ...string) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.remote.Set(ctx, models.ConversationPath(id), conversationDoc(100, participants...)))
	c := &models.Conversation{
		ID:             id,
		Type:           models.ConversationOneOnOne,
		ParticipantIDs: participants,
		CreatedAt:      100,
		UpdatedAt:      100,
	}
	require.NoError(t, f.store.Conversations.Upsert(ctx, c))
	return c
}

func TestObserveConversationEmptyLocalThenRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	s, err := f.engine.ObserveConversation(ctx, "c1")
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, next(t, s), "first value comes from the empty local store")

	require.NoError(t, f.remote.Set(ctx, models.ConversationPath("c1"), conversationDoc(1000, "alice", "bob")))
	c := next(t, s)
	require.NotNil(t, c)
	assert.Equal(t, int64(1000), c.UpdatedAt)
	assert.Equal(t, []string{"alice", "bob"}, c.ParticipantIDs)
}

func TestObserveEmitsCachedRowBeforeRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	cached := &models.Conversation{ID: "c1", Type: models.ConversationOneOnOne, ParticipantIDs: []string{"alice", "bob"}, UpdatedAt: 50}
	require.NoError(t, f.store.Conversations.Upsert(ctx, cached))

	// the remote store is unreachable for this user
	f.remote.RevokeAccess()

	s, err := f.engine.ObserveConversation(ctx, "c1")
	require.NoError(t, err)
	got := next(t, s)
	require.NotNil(t, got)
	assert.Equal(t, int64(50), got.UpdatedAt)

	waitEnded(t, s)
	assert.NoError(t, s.Err(), "permission denied ends the stream quietly")
}

func TestSubscriptionErrorsFailTheStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")

	s, err := f.engine.ObserveMessages(ctx, "c1")
	require.NoError(t, err)
	next(t, s)

	f.remote.FailListeners(errs.ErrUnavailable)
	waitEnded(t, s)
	assert.ErrorIs(t, s.Err(), errs.ErrUnavailable)

	// the local copy is still readable
	msgs, err := f.engine.LocalMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPermissionDeniedMidStreamEndsQuietly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")

	s, err := f.engine.ObserveConversations(ctx)
	require.NoError(t, err)
	next(t, s)

	f.remote.RevokeAccess()
	waitEnded(t, s)
	assert.NoError(t, s.Err())
}

func TestObserversShareOneRemoteListener(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")

	a, err := f.engine.ObserveMessages(ctx, "c1")
	require.NoError(t, err)
	b, err := f.engine.ObserveMessages(ctx, "c1")
	require.NoError(t, err)
	next(t, a)
	next(t, b)
	assert.Equal(t, 1, f.remote.Listeners())

	a.Close()
	<-a.Done()
	assert.Eventually(t, func() bool { return f.remote.Listeners() == 1 }, time.Second, 10*time.Millisecond)

	b.Close()
	<-b.Done()
	assert.Eventually(t, func() bool { return f.remote.Listeners() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEndedSubscriptionIsReplaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")

	s, err := f.engine.ObserveMessages(ctx, "c1")
	require.NoError(t, err)
	next(t, s)
	f.remote.FailListeners(errs.ErrUnavailable)
	waitEnded(t, s)

	again, err := f.engine.ObserveMessages(ctx, "c1")
	require.NoError(t, err)
	defer again.Close()
	next(t, again)
	assert.Eventually(t, func() bool { return f.remote.Listeners() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCancelingObserveContextReleasesListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, "alice")

	s, err := f.engine.ObserveConversation(ctx, "c9")
	require.NoError(t, err)
	assert.Nil(t, next(t, s))
	assert.Equal(t, 1, f.remote.Listeners())

	cancel()
	waitEnded(t, s)
	assert.NoError(t, s.Err())
	assert.Eventually(t, func() bool { return f.remote.Listeners() == 0 }, time.Second, 10*time.Millisecond)
}

func TestApplyingSnapshotTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	doc := &remote.DocumentSnapshot{
		Path: models.MessagePath("c1", "m1"),
		Data: models.Document{
			"senderId":  "bob",
			"text":      "hola",
			"status":    "DELIVERED",
			"timestamp": int64(500),
			"readBy":    []any{"alice"},
			"reactions": map[string]any{"bob": "👍"},
		},
		Exists: true,
	}
	snap := &remote.QuerySnapshot{Docs: []*remote.DocumentSnapshot{doc}, Changes: []remote.Change{{Type: remote.ChangeAdded, Doc: doc}}}
	apply := f.engine.messagesApplier("c1")

	require.NoError(t, apply(ctx, snap, true))
	first, err := f.store.Messages.GetByID(ctx, models.MessageKey("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, apply(ctx, snap, false))
	second, err := f.store.Messages.GetByID(ctx, models.MessageKey("c1", "m1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, map[string]int64{"alice": 500}, second.ReadBy)
	assert.Equal(t, map[string][]string{"👍": {"bob"}}, second.Reactions)
}

func TestRemoteSnapshotNeverRegressesStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	local := &models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Text: "hi", Status: models.StatusRead, Timestamp: 10}
	require.NoError(t, f.store.Messages.Upsert(ctx, local))

	doc := &remote.DocumentSnapshot{
		Path:   models.MessagePath("c1", "m1"),
		Data:   models.Document{"senderId": "alice", "text": "hi", "status": "SENT", "timestamp": int64(10)},
		Exists: true,
	}
	snap := &remote.QuerySnapshot{Changes: []remote.Change{{Type: remote.ChangeModified, Doc: doc}}}
	require.NoError(t, f.engine.messagesApplier("c1")(ctx, snap, false))

	got, err := f.store.Messages.GetByID(ctx, models.MessageKey("c1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestMalformedDocumentsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	require.NoError(t, f.remote.Set(ctx, models.ConversationPath("good"), conversationDoc(10, "alice", "bob")))
	require.NoError(t, f.remote.Set(ctx, models.ConversationPath("bad"), models.Document{
		"participantIds": []any{"alice"},
		"type":           "BROADCAST",
	}))

	s, err := f.engine.ObserveConversations(ctx)
	require.NoError(t, err)
	defer s.Close()

	list := nextMatching(t, s, func(l []*models.Conversation) bool { return len(l) > 0 })
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestInitialListSnapshotPrunesStaleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	stale := &models.Conversation{ID: "gone", Type: models.ConversationOneOnOne, ParticipantIDs: []string{"alice", "bob"}, UpdatedAt: 5}
	require.NoError(t, f.store.Conversations.Upsert(ctx, stale))
	require.NoError(t, f.remote.Set(ctx, models.ConversationPath("kept"), conversationDoc(10, "alice", "carol")))

	s, err := f.engine.ObserveConversations(ctx)
	require.NoError(t, err)
	defer s.Close()

	first := next(t, s)
	require.Len(t, first, 1)
	assert.Equal(t, "gone", first[0].ID)

	list := nextMatching(t, s, func(l []*models.Conversation) bool {
		return len(l) == 1 && l[0].ID == "kept"
	})
	assert.Equal(t, int64(10), list[0].UpdatedAt)
}

func TestCloseEndsStreamsAndRejectsNewWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	s, err := f.engine.ObserveUser(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, next(t, s))

	require.NoError(t, f.engine.Close())
	waitEnded(t, s)
	assert.Eventually(t, func() bool { return f.remote.Listeners() == 0 }, time.Second, 10*time.Millisecond)

	_, err = f.engine.ObserveUser(ctx, "bob")
	assert.ErrorIs(t, err, ErrClosed)
	_, commit, err := f.engine.CreateConversation(ctx, ConversationDraft{ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.ErrorIs(t, commit.Wait(ctx), ErrClosed)
}

func TestGetConversationFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")
	require.NoError(t, f.remote.Set(ctx, models.ConversationPath("c1"), conversationDoc(300, "alice", "bob")))

	c, err := f.engine.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), c.UpdatedAt)

	f.remote.RevokeAccess()
	c, err = f.engine.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), c.UpdatedAt, "local copy carries the merged row")

	missing, err := f.engine.GetConversation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSignOutClearsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	seedConversation(t, f, "c1", "alice", "bob")

	require.NoError(t, f.engine.SignOut(ctx))
	list, err := f.store.Conversations.List(ctx, models.UserConversationsScope("alice"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTranslationsAreCachedLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	_, err := f.engine.SaveTranslation(ctx, "c1", "m1", "es", "hola", "en")
	require.NoError(t, err)
	got, err := f.engine.LocalTranslation(ctx, "c1", "m1", "es")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hola", got.Text)

	other, err := f.engine.LocalTranslation(ctx, "c2", "m1", "es")
	require.NoError(t, err)
	assert.Nil(t, other, "message ids are scoped to their conversation")

	_, err = f.engine.SaveTranslation(ctx, "c1", "", "es", "x", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestSameMessageIDInTwoConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	for _, conv := range []string{"c1", "c2"} {
		require.NoError(t, f.remote.Set(ctx, models.MessagePath(conv, "m1"), models.Document{
			"senderId":  "bob",
			"text":      "hello from " + conv,
			"status":    "SENT",
			"timestamp": int64(100),
		}))
	}

	_, err := f.engine.GetMessage(ctx, "c1", "m1")
	require.NoError(t, err)
	_, err = f.engine.GetMessage(ctx, "c2", "m1")
	require.NoError(t, err)

	for _, conv := range []string{"c1", "c2"} {
		msgs, err := f.engine.LocalMessages(ctx, conv)
		require.NoError(t, err)
		require.Len(t, msgs, 1, conv)
		assert.Equal(t, "hello from "+conv, msgs[0].Text)
	}

	doc := &remote.DocumentSnapshot{Path: models.MessagePath("c2", "m1"), Exists: false}
	require.NoError(t, f.engine.messagesApplier("c2")(ctx, &remote.QuerySnapshot{
		Changes: []remote.Change{{Type: remote.ChangeRemoved, Doc: doc, Deleted: true}},
	}, false))

	kept, err := f.engine.LocalMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "deleting c2/m1 leaves c1/m1 alone")
	gone, err := f.engine.LocalMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, gone)
}
