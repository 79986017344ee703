package i18n

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/lingosync-go/internal/config"
)

// Localizer manages internationalization of API error messages
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
	matcher         language.Matcher
	tags            []string
}

// NewLocalizer creates a new localizer. Built-in English messages are always
// available; files under cfg.Directory add or override translations.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	if err := bundle.AddMessages(language.English, defaultMessages...); err != nil {
		return nil, fmt.Errorf("failed to register default messages: %w", err)
	}

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	defaultLanguage := cfg.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}

	for _, lang := range languages {
		path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
		if cfg.Directory == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer, len(languages))
	tags := make([]language.Tag, 0, len(languages))
	for _, lang := range languages {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", lang, err)
		}
		tags = append(tags, tag)
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLanguage)
	}
	if _, ok := localizers[defaultLanguage]; !ok {
		localizers[defaultLanguage] = i18n.NewLocalizer(bundle, defaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
		matcher:         language.NewMatcher(tags),
		tags:            languages,
	}, nil
}

// Match resolves an Accept-Language header to a configured language
func (l *Localizer) Match(acceptLanguage string) string {
	if acceptLanguage == "" {
		return l.defaultLanguage
	}
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return l.defaultLanguage
	}
	_, idx, confidence := l.matcher.Match(prefs...)
	if confidence == language.No {
		return l.defaultLanguage
	}
	return l.tags[idx]
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgNotAuthenticated  = "not_authenticated"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgTimeout           = "timeout"
	MsgInvalidRequest    = "invalid_request"
	MsgLanguageService   = "language_service_error"
	MsgNotFound          = "not_found"
	MsgError             = "error"
)

var defaultMessages = []*i18n.Message{
	{ID: MsgNotAuthenticated, Other: "Sign in to use this feature."},
	{ID: MsgRateLimitExceeded, Other: "Too many requests. Try again in {{.RetryAfter}}."},
	{ID: MsgTimeout, Other: "The request took too long. Please try again."},
	{ID: MsgInvalidRequest, Other: "Invalid request: {{.Reason}}"},
	{ID: MsgLanguageService, Other: "The language service is unavailable right now."},
	{ID: MsgNotFound, Other: "Not found."},
	{ID: MsgError, Other: "Something went wrong."},
}
