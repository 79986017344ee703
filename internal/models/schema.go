package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/lingosync-go/internal/errs"
)

// Document is the dynamic field map stored in the remote document store
type Document map[string]any

// Legacy schema names reported by the decoders
const (
	LegacyReadByList     = "readBy/v1-list"
	LegacyReactionsFlat  = "reactions/v1-flat"
	LegacyParticipants   = "participants/v1"
	LegacyMessageContent = "content/v1"
	LegacySentAt         = "sentAt/v1"
)

// DecodeInfo reports which legacy shapes were read while decoding a document.
// Such documents are rewritten in the current shape on their next transactional write.
type DecodeInfo struct {
	Legacy []string
}

// IsLegacy reports whether any fallback schema was used
func (d DecodeInfo) IsLegacy() bool { return len(d.Legacy) > 0 }

func (d *DecodeInfo) note(name string) {
	d.Legacy = append(d.Legacy, name)
}

func malformed(kind, id, reason string) error {
	return fmt.Errorf("%w: %s %s: %s", errs.ErrMalformedDocument, kind, id, reason)
}

// DecodeConversation maps a remote document to a Conversation
func DecodeConversation(id string, doc Document) (*Conversation, DecodeInfo, error) {
	var info DecodeInfo
	if doc == nil {
		return nil, info, malformed("conversation", id, "empty document")
	}
	c := &Conversation{
		ID:            id,
		Type:          ConversationType(stringField(doc, "type")),
		Name:          stringField(doc, "name"),
		IconURL:       stringField(doc, "iconUrl"),
		AutoTranslate: boolField(doc, "autoTranslate"),
	}

	if v, ok := doc["participantIds"]; ok {
		c.ParticipantIDs, _ = stringList(v)
	} else if v, ok := doc["participants"]; ok {
		c.ParticipantIDs, _ = stringList(v)
		info.note(LegacyParticipants)
	}
	if len(c.ParticipantIDs) == 0 {
		return nil, info, malformed("conversation", id, "no participants")
	}
	c.ParticipantIDs = dedupe(c.ParticipantIDs)

	if c.Type == "" {
		if len(c.ParticipantIDs) > 2 || c.Name != "" {
			c.Type = ConversationGroup
		} else {
			c.Type = ConversationOneOnOne
		}
	}
	if c.Type != ConversationOneOnOne && c.Type != ConversationGroup {
		return nil, info, malformed("conversation", id, "unknown type "+string(c.Type))
	}

	if admins, ok := stringList(doc["groupAdmins"]); ok {
		for _, a := range admins {
			if contains(c.ParticipantIDs, a) {
				c.GroupAdmins = append(c.GroupAdmins, a)
			}
		}
	}
	if m, ok := asMap(doc["nicknames"]); ok {
		c.Nicknames = make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				c.Nicknames[k] = s
			}
		}
	}
	if m, ok := asMap(doc["deletedAt"]); ok {
		c.DeletedAt = make(map[string]int64, len(m))
		for k, v := range m {
			if ts, ok := parseMillis(v); ok {
				c.DeletedAt[k] = ts
			}
		}
	}
	if lm, ok := asMap(doc["lastMessage"]); ok {
		c.LastMessage = &LastMessage{
			ID:       stringField(lm, "id"),
			SenderID: stringField(lm, "senderId"),
			Text:     stringField(lm, "text"),
			Type:     MessageType(stringField(lm, "type")),
			MediaURL: stringField(lm, "mediaUrl"),
		}
		c.LastMessage.Timestamp, _ = parseMillis(lm["timestamp"])
		if c.LastMessage.Type == "" {
			c.LastMessage.Type = MessageText
		}
	}
	c.CreatedAt, _ = parseMillis(doc["createdAt"])
	c.UpdatedAt, _ = parseMillis(doc["updatedAt"])
	if c.UpdatedAt == 0 {
		c.UpdatedAt = c.CreatedAt
	}
	return c, info, nil
}

// EncodeConversation builds the current-schema document of a conversation
func EncodeConversation(c *Conversation) Document {
	doc := Document{
		"type":           string(c.Type),
		"participantIds": anyList(c.ParticipantIDs),
		"groupAdmins":    anyList(c.GroupAdmins),
		"nicknames":      anyStringMap(c.Nicknames),
		"deletedAt":      anyInt64Map(c.DeletedAt),
		"autoTranslate":  c.AutoTranslate,
		"createdAt":      c.CreatedAt,
		"updatedAt":      c.UpdatedAt,
	}
	if c.Name != "" {
		doc["name"] = c.Name
	}
	if c.IconURL != "" {
		doc["iconUrl"] = c.IconURL
	}
	if c.LastMessage != nil {
		doc["lastMessage"] = EncodeLastMessage(c.LastMessage)
	}
	return doc
}

// EncodeLastMessage builds the denormalized summary sub-document
func EncodeLastMessage(lm *LastMessage) map[string]any {
	out := map[string]any{
		"id":        lm.ID,
		"senderId":  lm.SenderID,
		"type":      string(lm.Type),
		"timestamp": lm.Timestamp,
	}
	if lm.Text != "" {
		out["text"] = lm.Text
	}
	if lm.MediaURL != "" {
		out["mediaUrl"] = lm.MediaURL
	}
	return out
}

// DecodeMessage maps a remote document to a Message
func DecodeMessage(conversationID, id string, doc Document) (*Message, DecodeInfo, error) {
	var info DecodeInfo
	if doc == nil {
		return nil, info, malformed("message", id, "empty document")
	}
	m := &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       stringField(doc, "senderId"),
		Type:           MessageType(stringField(doc, "type")),
		Text:           stringField(doc, "text"),
		MediaURL:       stringField(doc, "mediaUrl"),
		Status:         MessageStatus(stringField(doc, "status")),
	}
	if m.SenderID == "" {
		return nil, info, malformed("message", id, "no sender")
	}
	if m.Text == "" {
		if s := stringField(doc, "content"); s != "" {
			m.Text = s
			info.note(LegacyMessageContent)
		}
	}
	if m.Type == "" {
		switch {
		case m.MediaURL != "" && doc["audio"] != nil:
			m.Type = MessageAudio
		case m.MediaURL != "":
			m.Type = MessageImage
		default:
			m.Type = MessageText
		}
	}
	if !m.Status.Valid() {
		m.Status = StatusSent
	}

	if ts, ok := parseMillis(doc["timestamp"]); ok {
		m.Timestamp = ts
	} else if ts, ok := parseMillis(doc["sentAt"]); ok {
		m.Timestamp = ts
		info.note(LegacySentAt)
	}

	if a, ok := asMap(doc["audio"]); ok {
		m.Audio = &AudioInfo{}
		m.Audio.DurationMs, _ = parseMillis(a["durationMs"])
		if samples, ok := asList(a["waveform"]); ok {
			for _, s := range samples {
				if f, ok := toFloat(s); ok {
					m.Audio.Waveform = append(m.Audio.Waveform, f)
				}
			}
		}
	}

	readAt := m.Timestamp
	if readAt == 0 {
		readAt = NowMillis()
	}
	readBy, legacy := decodeReadBy(doc["readBy"], readAt)
	m.ReadBy = readBy
	if legacy != "" {
		info.note(legacy)
	}

	reactions, legacy := decodeReactions(doc["reactions"])
	m.Reactions = reactions
	if legacy != "" {
		info.note(legacy)
	}

	if t, ok := asMap(doc["transcription"]); ok {
		m.Transcription = &Transcription{Text: stringField(t, "text"), Language: stringField(t, "language")}
	}
	if tr, ok := asMap(doc["translations"]); ok {
		m.Translations = make(map[string]string, len(tr))
		for lang, v := range tr {
			if s, ok := v.(string); ok {
				m.Translations[lang] = s
			}
		}
	}
	return m, info, nil
}

// EncodeMessage builds the current-schema document of a message
func EncodeMessage(m *Message) Document {
	doc := Document{
		"senderId":  m.SenderID,
		"type":      string(m.Type),
		"status":    string(m.Status),
		"readBy":    anyInt64Map(m.ReadBy),
		"reactions": anyReactions(m.Reactions),
		"timestamp": m.Timestamp,
	}
	if m.Text != "" {
		doc["text"] = m.Text
	}
	if m.MediaURL != "" {
		doc["mediaUrl"] = m.MediaURL
	}
	if m.Audio != nil {
		waveform := make([]any, 0, len(m.Audio.Waveform))
		for _, s := range m.Audio.Waveform {
			waveform = append(waveform, s)
		}
		doc["audio"] = map[string]any{"durationMs": m.Audio.DurationMs, "waveform": waveform}
	}
	if m.Transcription != nil {
		doc["transcription"] = map[string]any{"text": m.Transcription.Text, "language": m.Transcription.Language}
	}
	if len(m.Translations) > 0 {
		doc["translations"] = anyStringMap(m.Translations)
	}
	return doc
}

// DecodeUser maps a remote document to a User
func DecodeUser(id string, doc Document) (*User, error) {
	if doc == nil {
		return nil, malformed("user", id, "empty document")
	}
	u := &User{
		ID:                id,
		DisplayName:       stringField(doc, "displayName"),
		PhotoURL:          stringField(doc, "photoUrl"),
		Online:            boolField(doc, "online"),
		PreferredLanguage: stringField(doc, "preferredLanguage"),
	}
	u.LastSeen, _ = parseMillis(doc["lastSeen"])
	return u, nil
}

// EncodeUser builds the document of a user
func EncodeUser(u *User) Document {
	return Document{
		"displayName":       u.DisplayName,
		"photoUrl":          u.PhotoURL,
		"online":            u.Online,
		"lastSeen":          u.LastSeen,
		"preferredLanguage": u.PreferredLanguage,
	}
}

// decodeReadBy tries the current map shape, then the legacy list of user ids
func decodeReadBy(v any, synthesized int64) (map[string]int64, string) {
	if v == nil {
		return nil, ""
	}
	if m, ok := asMap(v); ok {
		out := make(map[string]int64, len(m))
		for user, raw := range m {
			ts, ok := parseMillis(raw)
			if !ok {
				ts = synthesized
			}
			out[user] = ts
		}
		return nilIfEmpty(out), ""
	}
	if list, ok := stringList(v); ok {
		out := make(map[string]int64, len(list))
		for _, user := range list {
			out[user] = synthesized
		}
		return nilIfEmpty(out), LegacyReadByList
	}
	return nil, ""
}

// decodeReactions tries emoji -> user list, then the legacy user -> emoji map
func decodeReactions(v any) (map[string][]string, string) {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil, ""
	}
	out := make(map[string][]string)
	legacy := ""
	for key, raw := range m {
		if users, ok := stringList(raw); ok {
			for _, u := range users {
				out[key] = appendUnique(out[key], u)
			}
			continue
		}
		if emoji, ok := raw.(string); ok && emoji != "" {
			out[emoji] = appendUnique(out[emoji], key)
			legacy = LegacyReactionsFlat
		}
	}
	// a user may hold one reaction only; keep the lexically first emoji on conflict
	seen := make(map[string]string)
	emojis := make([]string, 0, len(out))
	for e := range out {
		emojis = append(emojis, e)
	}
	sort.Strings(emojis)
	for _, e := range emojis {
		kept := out[e][:0]
		for _, u := range out[e] {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = e
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(out, e)
			continue
		}
		sort.Strings(kept)
		out[e] = kept
	}
	if len(out) == 0 {
		return nil, legacy
	}
	return out, legacy
}

// parseMillis accepts the timestamp encodings found in stored documents
func parseMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.UnixMilli(), true
	case string:
		if t == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i, true
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli(), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func boolField(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	case map[string]int64:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[k] = x
		}
		return out, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[k] = x
		}
		return out, true
	case map[string][]string:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[k] = x
		}
		return out, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func stringList(v any) ([]string, bool) {
	l, ok := asList(v)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, true
}

func anyList(l []string) []any {
	out := make([]any, 0, len(l))
	for _, s := range l {
		out = append(out, s)
	}
	return out
}

func anyStringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyInt64Map(m map[string]int64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyReactions(m map[string][]string) map[string]any {
	out := make(map[string]any, len(m))
	for emoji, users := range m {
		out[emoji] = anyList(users)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = appendUnique(out, v)
	}
	return out
}

func nilIfEmpty(m map[string]int64) map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	return m
}
