package models

import (
	"time"

	"github.com/lingosync-go/internal/errs"
)

// User represents a user profile and presence
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	PhotoURL          string `json:"photoUrl,omitempty"`
	Online            bool   `json:"online"`
	LastSeen          int64  `json:"lastSeen"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
}

// EntityID implements storage.Entity
func (u *User) EntityID() string { return u.ID }

// ScopeKeys places every user in the shared users scope
func (u *User) ScopeKeys() []string { return []string{UsersScope} }

// Clone returns a copy
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

// UserPath is the remote document path of a user
func UserPath(id string) string {
	return UsersCollection + "/" + id
}

// Translation is a locally stored translation of a message
type Translation struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Language       string `json:"language"`
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// EntityID implements storage.Entity
func (t *Translation) EntityID() string {
	return TranslationID(t.ConversationID, t.MessageID, t.Language)
}

// ScopeKeys groups translations by message
func (t *Translation) ScopeKeys() []string {
	return []string{"translations:" + MessageKey(t.ConversationID, t.MessageID)}
}

// TranslationID is the local row id of a message translation
func TranslationID(conversationID, messageID, language string) string {
	return MessageKey(conversationID, messageID) + ":" + language
}

// CacheRecord is a durable AI result cache entry
type CacheRecord struct {
	Value     []byte `json:"value"`
	CreatedAt int64  `json:"createdAt"`
	Operation string `json:"operation"`
}

// Expired reports whether the record is older than ttl at now
func (r *CacheRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-r.CreatedAt >= ttl.Milliseconds()
}

// RateCounter is a fixed-window counter for one (user, operation) pair
type RateCounter struct {
	WindowStart int64 `json:"windowStart"`
	Count       int   `json:"count"`
}

// Shared scope keys
const (
	UsersScope = "users"
)

// NowMillis returns the current time in ms since epoch
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func errInvalid(field, reason string) error {
	return errs.Invalid(field, reason)
}
