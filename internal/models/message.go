package models

import (
	"sort"
)

// MessageType is the content kind of a message
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageAudio  MessageType = "AUDIO"
	MessageSystem MessageType = "SYSTEM"
)

// MessageStatus tracks delivery of a message
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status
func (s MessageStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
// FAILED is reachable only from SENDING and is terminal.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	return statusRank[next] > statusRank[s]
}

// MergeStatus picks the status a merged row keeps. A local FAILED is terminal
// and a remote FAILED is never trusted over local progress; otherwise the
// furthest rank wins.
func MergeStatus(local, remote MessageStatus) MessageStatus {
	if local == StatusFailed {
		return StatusFailed
	}
	if remote == StatusFailed || !remote.Valid() {
		if local.Valid() {
			return local
		}
		return StatusSent
	}
	if !local.Valid() || statusRank[remote] > statusRank[local] {
		return remote
	}
	return local
}

// AudioInfo describes a voice message
type AudioInfo struct {
	DurationMs int64     `json:"durationMs"`
	Waveform   []float64 `json:"waveform,omitempty"`
}

// Transcription is the speech-to-text result attached to an audio message
type Transcription struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Message is a single chat message
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Type           MessageType         `json:"type"`
	Text           string              `json:"text,omitempty"`
	MediaURL       string              `json:"mediaUrl,omitempty"`
	Audio          *AudioInfo          `json:"audio,omitempty"`
	Status         MessageStatus       `json:"status"`
	ReadBy         map[string]int64    `json:"readBy,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	Transcription  *Transcription      `json:"transcription,omitempty"`
	Translations   map[string]string   `json:"translations,omitempty"`
	Timestamp      int64               `json:"timestamp"`
}

// EntityID implements storage.Entity. Message ids are unique only within
// their conversation.
func (m *Message) EntityID() string { return MessageKey(m.ConversationID, m.ID) }

// ScopeKeys places a message in its conversation's message list
func (m *Message) ScopeKeys() []string {
	return []string{ConversationMessagesScope(m.ConversationID)}
}

// Clone returns a deep copy
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Audio != nil {
		a := *m.Audio
		a.Waveform = append([]float64(nil), m.Audio.Waveform...)
		out.Audio = &a
	}
	if m.Transcription != nil {
		t := *m.Transcription
		out.Transcription = &t
	}
	out.ReadBy = cloneInt64Map(m.ReadBy)
	out.Translations = cloneStringMap(m.Translations)
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	return &out
}

// ReactionOf returns the emoji userID currently reacts with
func (m *Message) ReactionOf(userID string) (string, bool) {
	for emoji, users := range m.Reactions {
		if contains(users, userID) {
			return emoji, true
		}
	}
	return "", false
}

// SetReaction moves userID to emoji, removing it from every other set and
// dropping sets that become empty. An empty emoji only removes the user.
// It reports whether the reactions changed.
func (m *Message) SetReaction(userID, emoji string) bool {
	changed := false
	next := make(map[string][]string, len(m.Reactions)+1)
	for e, users := range m.Reactions {
		kept := make([]string, 0, len(users))
		for _, u := range users {
			if u == userID && e != emoji {
				changed = true
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) > 0 {
			next[e] = kept
		} else if len(users) > 0 {
			changed = true
		}
	}
	if emoji != "" && !contains(next[emoji], userID) {
		next[emoji] = append(next[emoji], userID)
		sort.Strings(next[emoji])
		changed = true
	}
	if len(next) == 0 {
		next = nil
	}
	m.Reactions = next
	return changed
}

// MarkReadBy records the first read of userID. Existing entries are kept.
func (m *Message) MarkReadBy(userID string, at int64) bool {
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]int64)
	}
	m.ReadBy[userID] = at
	return true
}

// Summary builds the denormalized conversation list entry for this message
func (m *Message) Summary() *LastMessage {
	return &LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Type:      m.Type,
		MediaURL:  m.MediaURL,
		Timestamp: m.Timestamp,
	}
}

// Validate checks a message before it is written
func (m *Message) Validate() error {
	if m.ID == "" {
		return errInvalid("id", "is required")
	}
	if m.ConversationID == "" {
		return errInvalid("conversationId", "is required")
	}
	if m.SenderID == "" {
		return errInvalid("senderId", "is required")
	}
	switch m.Type {
	case MessageText, MessageSystem:
		if m.Text == "" {
			return errInvalid("text", "is required for text messages")
		}
	case MessageImage:
		if m.MediaURL == "" {
			return errInvalid("mediaUrl", "is required for image messages")
		}
	case MessageAudio:
		if m.MediaURL == "" {
			return errInvalid("mediaUrl", "is required for audio messages")
		}
	default:
		return errInvalid("type", "is unknown")
	}
	if !m.Status.Valid() {
		return errInvalid("status", "is unknown")
	}
	return nil
}

// SortMessagesForFetch orders newest first, ties by id
func SortMessagesForFetch(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp > list[j].Timestamp
		}
		return list[i].ID < list[j].ID
	})
}

// SortMessagesForDisplay orders chronologically: the fetch order reversed
func SortMessagesForDisplay(list []*Message) {
	SortMessagesForFetch(list)
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// ConversationMessagesScope is the scope key of a conversation's messages
func ConversationMessagesScope(conversationID string) string {
	return "messages:" + conversationID
}

// MessagesCollection is the remote collection holding a conversation's messages
func MessagesCollection(conversationID string) string {
	return ConversationPath(conversationID) + "/messages"
}

// MessageKey is the local row id of a message
func MessageKey(conversationID, messageID string) string {
	return conversationID + "/" + messageID
}

// MessagePath is the remote document path of a message
func MessagePath(conversationID, messageID string) string {
	return MessagesCollection(conversationID) + "/" + messageID
}
