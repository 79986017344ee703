package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/errs"
)

func TestDecodeMessageLegacyReadByList(t *testing.T) {
	doc := Document{
		"senderId":  "alice",
		"text":      "hi",
		"timestamp": int64(1234),
		"readBy":    []any{"bob", "carol"},
	}

	m, info, err := DecodeMessage("c1", "m1", doc)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bob": 1234, "carol": 1234}, m.ReadBy)
	assert.Equal(t, []string{LegacyReadByList}, info.Legacy)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, MessageText, m.Type)
}

func TestDecodeMessageLegacyFlatReactions(t *testing.T) {
	doc := Document{
		"senderId":  "alice",
		"text":      "hi",
		"timestamp": float64(10),
		"reactions": map[string]any{"bob": "👍", "carol": "👍", "dave": "❤️"},
	}

	m, info, err := DecodeMessage("c1", "m1", doc)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"👍": {"bob", "carol"}, "❤️": {"dave"}}, m.Reactions)
	assert.True(t, info.IsLegacy())
}

func TestDecodeMessageCurrentShapeRoundTrips(t *testing.T) {
	in := &Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Type: MessageAudio,
		MediaURL: "audio/m1.m4a", Audio: &AudioInfo{DurationMs: 3200, Waveform: []float64{0.1, 0.5}},
		Status: StatusDelivered, ReadBy: map[string]int64{"bob": 99},
		Reactions: map[string][]string{"🔥": {"bob"}}, Timestamp: 42,
	}

	out, info, err := DecodeMessage("c1", "m1", EncodeMessage(in))
	require.NoError(t, err)
	assert.False(t, info.IsLegacy())
	assert.Equal(t, in, out)
}

func TestDecodeMessageAcceptsTimestampEncodings(t *testing.T) {
	at := time.UnixMilli(1700000000123).UTC()
	for name, v := range map[string]any{
		"time":    at,
		"rfc3339": at.Format(time.RFC3339Nano),
		"number":  json.Number("1700000000123"),
		"int":     1700000000123,
	} {
		m, _, err := DecodeMessage("c1", "m1", Document{"senderId": "a", "text": "x", "timestamp": v})
		require.NoError(t, err, name)
		assert.Equal(t, int64(1700000000123), m.Timestamp, name)
	}
}

func TestDecodeMessageWithoutSenderIsMalformed(t *testing.T) {
	_, _, err := DecodeMessage("c1", "m1", Document{"text": "orphan"})
	assert.ErrorIs(t, err, errs.ErrMalformedDocument)
}

func TestDecodeConversationLegacyParticipants(t *testing.T) {
	doc := Document{
		"participants": []string{"alice", "bob", "alice"},
		"updatedAt":    int64(1000),
	}

	c, info, err := DecodeConversation("c1", doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, c.ParticipantIDs)
	assert.Equal(t, ConversationOneOnOne, c.Type)
	assert.Empty(t, c.GroupAdmins)
	assert.Empty(t, c.Nicknames)
	assert.False(t, c.AutoTranslate)
	assert.Equal(t, []string{LegacyParticipants}, info.Legacy)
}

func TestDecodeConversationRoundTrips(t *testing.T) {
	in := &Conversation{
		ID: "c1", Type: ConversationGroup, ParticipantIDs: []string{"a", "b", "c"},
		Name: "trip", GroupAdmins: []string{"a"}, Nicknames: map[string]string{"b": "bee"},
		DeletedAt: map[string]int64{"c": 7}, AutoTranslate: true,
		LastMessage: &LastMessage{ID: "m1", SenderID: "a", Text: "hey", Type: MessageText, Timestamp: 9},
		CreatedAt:   1, UpdatedAt: 9,
	}

	out, _, err := DecodeConversation("c1", EncodeConversation(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeConversationWithoutParticipantsIsMalformed(t *testing.T) {
	_, _, err := DecodeConversation("c1", Document{"type": "GROUP"})
	assert.ErrorIs(t, err, errs.ErrMalformedDocument)
}

func TestEntityListJSON(t *testing.T) {
	in := ExtractEntitiesResult{Entities: EntityList{
		DateTimeEntity{Text: "tomorrow at 5", ISO: "2024-05-02T17:00:00Z"},
		LinkEntity{Text: "example.com", URL: "https://example.com"},
		ActionItemEntity{Text: "bring snacks", Task: "bring snacks", Assignee: "bob"},
	}}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"datetime"`)

	var out ExtractEntitiesResult
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	require.NoError(t, json.Unmarshal([]byte(`{"entities":[{"type":"hologram","text":"?"},{"type":"location","text":"Paris"}]}`), &out))
	require.Len(t, out.Entities, 1)
	assert.Equal(t, LocationEntity{Text: "Paris"}, out.Entities[0])
}
