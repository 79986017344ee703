package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation names one AI backed function. It is also the rate limit budget
// and the cache TTL class.
type Operation string

const (
	OpTranslate       Operation = "translate"
	OpDetectLanguage  Operation = "detect_language"
	OpCulturalContext Operation = "cultural_context"
	OpFormality       Operation = "formality"
	OpSmartReplies    Operation = "smart_replies"
	OpTranscribe      Operation = "transcribe"
	OpExtractEntities Operation = "extract_entities"
)

// Operations lists every AI operation
var Operations = []Operation{
	OpTranslate,
	OpDetectLanguage,
	OpCulturalContext,
	OpFormality,
	OpSmartReplies,
	OpTranscribe,
	OpExtractEntities,
}

type TranslateRequest struct {
	Text           string `json:"text" validate:"required,max=5000"`
	SourceLanguage string `json:"sourceLanguage,omitempty" validate:"omitempty,iso6391"`
	TargetLanguage string `json:"targetLanguage" validate:"required,iso6391"`
}

type TranslateResult struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage string `json:"detectedLanguage,omitempty"`
}

type DetectLanguageRequest struct {
	Text string `json:"text" validate:"required,max=5000"`
}

type DetectLanguageResult struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type CulturalContextRequest struct {
	Text           string `json:"text" validate:"required,max=5000"`
	Language       string `json:"language" validate:"required,iso6391"`
	TargetLanguage string `json:"targetLanguage" validate:"required,iso6391"`
}

// CulturalItem explains one idiom, slang term or reference found in a text
type CulturalItem struct {
	Phrase      string `json:"phrase"`
	Explanation string `json:"explanation"`
	Category    string `json:"category,omitempty"`
}

type CulturalContextResult struct {
	Items []CulturalItem `json:"items"`
}

// FormalityLevel is the register a text is rewritten into
type FormalityLevel string

const (
	FormalityCasual  FormalityLevel = "casual"
	FormalityNeutral FormalityLevel = "neutral"
	FormalityFormal  FormalityLevel = "formal"
)

type FormalityRequest struct {
	Text     string         `json:"text" validate:"required,max=5000"`
	Language string         `json:"language" validate:"required,iso6391"`
	Level    FormalityLevel `json:"level" validate:"required,oneof=casual neutral formal"`
}

type FormalityResult struct {
	AdjustedText string         `json:"adjustedText"`
	Level        FormalityLevel `json:"level"`
}

// ContextMessage is one line of conversation history given to smart replies
type ContextMessage struct {
	SenderID string `json:"senderId" validate:"required"`
	Text     string `json:"text" validate:"required"`
}

type SmartRepliesRequest struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []ContextMessage `json:"messages" validate:"required,min=1,dive"`
	Language       string           `json:"language" validate:"required,iso6391"`
	Count          int              `json:"count,omitempty" validate:"omitempty,min=1,max=5"`
}

// SmartReply is one suggested reply
type SmartReply struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type SmartRepliesResult struct {
	Replies []SmartReply `json:"replies"`
}

// TranscribeRequest carries audio inline or as an object reference
type TranscribeRequest struct {
	Audio        []byte `json:"audio,omitempty"`
	ObjectKey    string `json:"objectKey,omitempty"`
	Filename     string `json:"filename,omitempty"`
	LanguageHint string `json:"languageHint,omitempty" validate:"omitempty,iso6391"`
}

type TranscriptionResult struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type ExtractEntitiesRequest struct {
	Text     string `json:"text" validate:"required,max=5000"`
	Language string `json:"language,omitempty" validate:"omitempty,iso6391"`
}

type ExtractEntitiesResult struct {
	Entities EntityList `json:"entities"`
}

// EntityType is the discriminator of an extracted entity
type EntityType string

const (
	EntityDateTime   EntityType = "datetime"
	EntityLocation   EntityType = "location"
	EntityContact    EntityType = "contact"
	EntityLink       EntityType = "link"
	EntityActionItem EntityType = "action_item"
)

// Entity is an extracted structured item. The set of implementations is closed.
type Entity interface {
	Type() EntityType
	isEntity()
}

type DateTimeEntity struct {
	Text     string `json:"text"`
	ISO      string `json:"iso,omitempty"`
	AllDay   bool   `json:"allDay,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type LocationEntity struct {
	Text    string `json:"text"`
	Address string `json:"address,omitempty"`
}

type ContactEntity struct {
	Text  string `json:"text"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type LinkEntity struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type ActionItemEntity struct {
	Text     string `json:"text"`
	Task     string `json:"task"`
	Assignee string `json:"assignee,omitempty"`
	Due      string `json:"due,omitempty"`
}

func (DateTimeEntity) Type() EntityType   { return EntityDateTime }
func (LocationEntity) Type() EntityType   { return EntityLocation }
func (ContactEntity) Type() EntityType    { return EntityContact }
func (LinkEntity) Type() EntityType       { return EntityLink }
func (ActionItemEntity) Type() EntityType { return EntityActionItem }

func (DateTimeEntity) isEntity()   {}
func (LocationEntity) isEntity()   {}
func (ContactEntity) isEntity()    {}
func (LinkEntity) isEntity()       {}
func (ActionItemEntity) isEntity() {}

// EntityList encodes entities with a "type" discriminator
type EntityList []Entity

type entityEnvelope struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"-"`
}

// MarshalJSON flattens each entity and adds its type field
func (l EntityList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, e := range l {
		raw, err := marshalEntity(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func marshalEntity(e Entity) (json.RawMessage, error) {
	var body any
	switch v := e.(type) {
	case DateTimeEntity:
		body = struct {
			Type EntityType `json:"type"`
			DateTimeEntity
		}{v.Type(), v}
	case LocationEntity:
		body = struct {
			Type EntityType `json:"type"`
			LocationEntity
		}{v.Type(), v}
	case ContactEntity:
		body = struct {
			Type EntityType `json:"type"`
			ContactEntity
		}{v.Type(), v}
	case LinkEntity:
		body = struct {
			Type EntityType `json:"type"`
			LinkEntity
		}{v.Type(), v}
	case ActionItemEntity:
		body = struct {
			Type EntityType `json:"type"`
			ActionItemEntity
		}{v.Type(), v}
	default:
		return nil, fmt.Errorf("unknown entity %T", e)
	}
	return json.Marshal(body)
}

// UnmarshalJSON decodes entities by their type field. Unknown types are skipped.
func (l *EntityList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(EntityList, 0, len(raws))
	for _, raw := range raws {
		var env entityEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		e, err := decodeEntity(env.Type, raw)
		if err != nil {
			return err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	*l = out
	return nil
}

func decodeEntity(t EntityType, raw []byte) (Entity, error) {
	switch t {
	case EntityDateTime:
		var v DateTimeEntity
		err := json.Unmarshal(raw, &v)
		return v, err
	case EntityLocation:
		var v LocationEntity
		err := json.Unmarshal(raw, &v)
		return v, err
	case EntityContact:
		var v ContactEntity
		err := json.Unmarshal(raw, &v)
		return v, err
	case EntityLink:
		var v LinkEntity
		err := json.Unmarshal(raw, &v)
		return v, err
	case EntityActionItem:
		var v ActionItemEntity
		err := json.Unmarshal(raw, &v)
		return v, err
	default:
		return nil, nil
	}
}
