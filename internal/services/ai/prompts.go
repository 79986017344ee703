package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
)

const (
	translatePrompt = `You are a translation engine. Translate the user's text into the language with ISO 639-1 code %q.%s
Preserve tone, emoji and formatting. Reply with JSON only: {"translatedText": "...", "detectedLanguage": "<ISO 639-1 code of the source>"}`

	detectPrompt = `Identify the language of the user's text. Reply with JSON only: {"language": "<ISO 639-1 code>", "confidence": <0..1>}`

	culturalPrompt = `The user's text is written in the language %q. Find idioms, slang, cultural references and culturally specific expressions a speaker of %q may not understand.
Reply with JSON only: {"items": [{"phrase": "...", "explanation": "<written in %s>", "category": "idiom|slang|reference|custom"}]}. Use an empty list when there is nothing to explain.`

	formalityPrompt = `Rewrite the user's text, written in the language %q, in a %s register. Keep the meaning and the language unchanged.
Reply with JSON only: {"adjustedText": "..."}`

	repliesPrompt = `You suggest short replies for the participant labelled "me" in a chat. Given the recent conversation, propose %d distinct replies in the language %q.
Reply with JSON only: {"replies": [{"text": "...", "category": "positive|negative|question|neutral", "confidence": <0..1>}]}`

	entitiesPrompt = `Extract structured items from the user's text. Allowed types:
datetime {"text","iso","allDay","timezone"}, location {"text","address"}, contact {"text","name","phone","email"}, link {"text","url"}, action_item {"text","task","assignee","due"}.
Reply with JSON only: {"entities": [{"type": "<type>", ...fields}]}. Use an empty list when nothing is found.`

	defaultReplyCount = 3
)

func (s *CustomAI) Translate(ctx context.Context, req models.TranslateRequest) (models.TranslateResult, error) {
	source := ""
	if req.SourceLanguage != "" {
		source = fmt.Sprintf(" The source language is %q.", req.SourceLanguage)
	}
	res, err := chatJSON[models.TranslateResult](ctx, s, string(models.OpTranslate),
		fmt.Sprintf(translatePrompt, req.TargetLanguage, source), req.Text, s.cfg.Temperature)
	if err != nil {
		return res, err
	}
	if res.TranslatedText == "" {
		return res, fmt.Errorf("%w: empty translation", errs.ErrLanguageService)
	}
	if res.DetectedLanguage == "" {
		res.DetectedLanguage = req.SourceLanguage
	}
	res.DetectedLanguage = strings.ToLower(res.DetectedLanguage)
	return res, nil
}

func (s *CustomAI) DetectLanguage(ctx context.Context, req models.DetectLanguageRequest) (models.DetectLanguageResult, error) {
	res, err := chatJSON[models.DetectLanguageResult](ctx, s, string(models.OpDetectLanguage),
		detectPrompt, req.Text, s.cfg.Temperature)
	if err != nil {
		return res, err
	}
	if len(res.Language) != 2 {
		return res, fmt.Errorf("%w: invalid language code %q", errs.ErrLanguageService, res.Language)
	}
	res.Language = strings.ToLower(res.Language)
	return res, nil
}

func (s *CustomAI) ExplainCulturalContext(ctx context.Context, req models.CulturalContextRequest) (models.CulturalContextResult, error) {
	res, err := chatJSON[models.CulturalContextResult](ctx, s, string(models.OpCulturalContext),
		fmt.Sprintf(culturalPrompt, req.Language, req.TargetLanguage, req.TargetLanguage), req.Text, s.cfg.Temperature)
	if err != nil {
		return res, err
	}
	if res.Items == nil {
		res.Items = []models.CulturalItem{}
	}
	return res, nil
}

func (s *CustomAI) AdjustFormality(ctx context.Context, req models.FormalityRequest) (models.FormalityResult, error) {
	res, err := chatJSON[models.FormalityResult](ctx, s, string(models.OpFormality),
		fmt.Sprintf(formalityPrompt, req.Language, req.Level), req.Text, s.cfg.Temperature)
	if err != nil {
		return res, err
	}
	if res.AdjustedText == "" {
		return res, fmt.Errorf("%w: empty rewrite", errs.ErrLanguageService)
	}
	res.Level = req.Level
	return res, nil
}

func (s *CustomAI) SuggestReplies(ctx context.Context, req models.SmartRepliesRequest) (models.SmartRepliesResult, error) {
	count := req.Count
	if count <= 0 {
		count = defaultReplyCount
	}
	self := ""
	if user, ok := models.UserFromContext(ctx); ok {
		self = user
	}

	var history strings.Builder
	for _, m := range req.Messages {
		speaker := m.SenderID
		if speaker == self {
			speaker = "me"
		}
		fmt.Fprintf(&history, "%s: %s\n", speaker, m.Text)
	}

	res, err := chatJSON[models.SmartRepliesResult](ctx, s, string(models.OpSmartReplies),
		fmt.Sprintf(repliesPrompt, count, req.Language), history.String(), replyTemperature)
	if err != nil {
		return res, err
	}
	if len(res.Replies) > count {
		res.Replies = res.Replies[:count]
	}
	if res.Replies == nil {
		res.Replies = []models.SmartReply{}
	}
	return res, nil
}

func (s *CustomAI) Transcribe(ctx context.Context, req models.TranscribeRequest) (models.TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return models.TranscriptionResult{}, errs.Invalid("audio", "must not be empty")
	}
	text, language, err := s.transcribe(ctx, req.Audio, req.Filename, req.LanguageHint)
	if err != nil {
		return models.TranscriptionResult{}, err
	}
	if language == "" {
		language = req.LanguageHint
	}
	return models.TranscriptionResult{Text: text, Language: normalizeLanguage(language)}, nil
}

func (s *CustomAI) ExtractEntities(ctx context.Context, req models.ExtractEntitiesRequest) (models.ExtractEntitiesResult, error) {
	res, err := chatJSON[models.ExtractEntitiesResult](ctx, s, string(models.OpExtractEntities),
		entitiesPrompt, req.Text, s.cfg.Temperature)
	if err != nil {
		return res, err
	}
	if res.Entities == nil {
		res.Entities = models.EntityList{}
	}
	return res, nil
}

// normalizeLanguage turns names like "english" from the transcription
// endpoint into ISO 639-1 codes where known
func normalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if len(language) == 2 {
		return language
	}
	if code, ok := languageNames[language]; ok {
		return code
	}
	return language
}

var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"chinese":    "zh",
	"japanese":   "ja",
	"korean":     "ko",
	"russian":    "ru",
	"arabic":     "ar",
	"hindi":      "hi",
}
