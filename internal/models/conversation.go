package models

import (
	"sort"
)

// ConversationType distinguishes direct chats from groups
type ConversationType string

const (
	ConversationOneOnOne ConversationType = "ONE_ON_ONE"
	ConversationGroup    ConversationType = "GROUP"
)

// LastMessage is the denormalized summary shown in conversation lists
type LastMessage struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Text      string      `json:"text,omitempty"`
	Type      MessageType `json:"type"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Conversation represents a direct or group chat
type Conversation struct {
	ID             string            `json:"id"`
	Type           ConversationType  `json:"type"`
	ParticipantIDs []string          `json:"participantIds"`
	Name           string            `json:"name,omitempty"`
	IconURL        string            `json:"iconUrl,omitempty"`
	GroupAdmins    []string          `json:"groupAdmins,omitempty"`
	Nicknames      map[string]string `json:"nicknames,omitempty"`
	LastMessage    *LastMessage      `json:"lastMessage,omitempty"`
	DeletedAt      map[string]int64  `json:"deletedAt,omitempty"`
	AutoTranslate  bool              `json:"autoTranslate"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// EntityID implements storage.Entity
func (c *Conversation) EntityID() string { return c.ID }

// ScopeKeys lists the conversation-list scopes this row belongs to
func (c *Conversation) ScopeKeys() []string {
	keys := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		keys = append(keys, UserConversationsScope(id))
	}
	return keys
}

// HasParticipant reports whether userID takes part in the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	return contains(c.ParticipantIDs, userID)
}

// IsAdmin reports whether userID administers the group
func (c *Conversation) IsAdmin(userID string) bool {
	return contains(c.GroupAdmins, userID)
}

// VisibleTo hides conversations the user soft-deleted, until new activity arrives
func (c *Conversation) VisibleTo(userID string) bool {
	if !c.HasParticipant(userID) {
		return false
	}
	deletedAt, ok := c.DeletedAt[userID]
	if !ok {
		return true
	}
	return c.activityAt() > deletedAt
}

func (c *Conversation) activityAt() int64 {
	if c.LastMessage != nil && c.LastMessage.Timestamp > 0 {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

// DisplayName resolves the title a given user sees
func (c *Conversation) DisplayName(viewerID string) string {
	if c.Type == ConversationGroup || c.Name != "" {
		return c.Name
	}
	for _, id := range c.ParticipantIDs {
		if id == viewerID {
			continue
		}
		if nick, ok := c.Nicknames[id]; ok && nick != "" {
			return nick
		}
		return id
	}
	return ""
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.GroupAdmins = append([]string(nil), c.GroupAdmins...)
	out.Nicknames = cloneStringMap(c.Nicknames)
	out.DeletedAt = cloneInt64Map(c.DeletedAt)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// Validate checks the structural invariants of a conversation
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errInvalid("id", "is required")
	}
	if c.Type != ConversationOneOnOne && c.Type != ConversationGroup {
		return errInvalid("type", "must be ONE_ON_ONE or GROUP")
	}
	if len(c.ParticipantIDs) == 0 {
		return errInvalid("participantIds", "must not be empty")
	}
	seen := make(map[string]struct{}, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id == "" {
			return errInvalid("participantIds", "must not contain empty ids")
		}
		if _, dup := seen[id]; dup {
			return errInvalid("participantIds", "must be unique")
		}
		seen[id] = struct{}{}
	}
	for _, admin := range c.GroupAdmins {
		if _, ok := seen[admin]; !ok {
			return errInvalid("groupAdmins", "must be a subset of participants")
		}
	}
	if c.Type == ConversationOneOnOne && (c.Name != "" || c.IconURL != "") {
		return errInvalid("name", "is only allowed on groups")
	}
	return nil
}

// SortConversations orders by updatedAt descending, ties by id
func SortConversations(list []*Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt != list[j].UpdatedAt {
			return list[i].UpdatedAt > list[j].UpdatedAt
		}
		return list[i].ID < list[j].ID
	})
}

// UserConversationsScope is the local and remote scope key of a user's conversation list
func UserConversationsScope(userID string) string {
	return "conversations:" + userID
}

// ConversationPath is the remote document path of a conversation
func ConversationPath(id string) string {
	return ConversationsCollection + "/" + id
}

const (
	ConversationsCollection = "conversations"
	UsersCollection         = "users"
)

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
