package assist

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/cache"
	"github.com/lingosync-go/internal/services/media"
	"github.com/lingosync-go/internal/services/storage"
)

// stubLS records calls and answers from canned functions
type stubLS struct {
	mu        sync.Mutex
	calls     map[models.Operation]int
	lastReply models.SmartRepliesRequest
	lastAudio []byte
	err       error
	block     bool
}

func (s *stubLS) record(op models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[models.Operation]int)
	}
	s.calls[op]++
	return s.err
}

func (s *stubLS) count(op models.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubLS) Translate(ctx context.Context, req models.TranslateRequest) (models.TranslateResult, error) {
	if err := s.record(models.OpTranslate); err != nil {
		return models.TranslateResult{}, err
	}
	if s.block {
		<-ctx.Done()
		return models.TranslateResult{}, ctx.Err()
	}
	texts := map[string]string{"Hello": "Hola"}
	return models.TranslateResult{TranslatedText: texts[req.Text] + "\x07", DetectedLanguage: "en"}, nil
}

func (s *stubLS) DetectLanguage(ctx context.Context, req models.DetectLanguageRequest) (models.DetectLanguageResult, error) {
	return models.DetectLanguageResult{Language: "en", Confidence: 1}, s.record(models.OpDetectLanguage)
}

func (s *stubLS) ExplainCulturalContext(ctx context.Context, req models.CulturalContextRequest) (models.CulturalContextResult, error) {
	return models.CulturalContextResult{Items: []models.CulturalItem{}}, s.record(models.OpCulturalContext)
}

func (s *stubLS) AdjustFormality(ctx context.Context, req models.FormalityRequest) (models.FormalityResult, error) {
	return models.FormalityResult{AdjustedText: "Good day", Level: req.Level}, s.record(models.OpFormality)
}

func (s *stubLS) SuggestReplies(ctx context.Context, req models.SmartRepliesRequest) (models.SmartRepliesResult, error) {
	s.mu.Lock()
	s.lastReply = req
	s.mu.Unlock()
	return models.SmartRepliesResult{Replies: []models.SmartReply{{Text: "Sure", Category: "positive", Confidence: 0.9}}}, s.record(models.OpSmartReplies)
}

func (s *stubLS) Transcribe(ctx context.Context, req models.TranscribeRequest) (models.TranscriptionResult, error) {
	s.mu.Lock()
	s.lastAudio = req.Audio
	s.mu.Unlock()
	return models.TranscriptionResult{Text: "hello", Language: "en"}, s.record(models.OpTranscribe)
}

func (s *stubLS) ExtractEntities(ctx context.Context, req models.ExtractEntitiesRequest) (models.ExtractEntitiesResult, error) {
	return models.ExtractEntitiesResult{Entities: models.EntityList{models.LinkEntity{Text: "x", URL: "https://x.io"}}}, s.record(models.OpExtractEntities)
}

type fixture struct {
	svc   *Service
	ls    *stubLS
	media *media.MemoryFetcher
}

func newFixture(t *testing.T, maxRequests int) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ls := &stubLS{}
	resultCache := cache.NewResultCache(config.CacheConfig{Enabled: true, MaxSize: 100}, storage.NewMemoryCacheStore(time.Minute), nil, logger)
	limiter := middleware.NewRateLimiter(config.RateLimitConfig{
		Enabled:     true,
		Window:      time.Hour,
		MaxRequests: maxRequests,
	}, storage.NewMemoryCounterStore(), nil, logger)
	fetcher := media.NewMemoryFetcher(0)

	svc := NewService(config.LanguageConfig{Timeout: time.Second, SmartReplyContext: 2},
		ls, resultCache, limiter, middleware.NewSecurityMiddleware(0, logger), fetcher, nil, logger)
	return &fixture{svc: svc, ls: ls, media: fetcher}
}

func asUser(id string) context.Context {
	return models.WithUser(context.Background(), id)
}

func TestTranslateServesRepeatFromCache(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")
	req := models.TranslateRequest{Text: "Hello", TargetLanguage: "es"}

	first, err := f.svc.Translate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Hola", first.Value.TranslatedText, "control characters are stripped")
	assert.False(t, first.Cached)

	second, err := f.svc.Translate(ctx, models.TranslateRequest{Text: "Hello", TargetLanguage: "ES"})
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, f.ls.count(models.OpTranslate))
}

func TestRateLimitStopsCallBeforeLanguageService(t *testing.T) {
	f := newFixture(t, 2)
	ctx := asUser("u1")

	for _, text := range []string{"a", "b"} {
		_, err := f.svc.DetectLanguage(ctx, models.DetectLanguageRequest{Text: text})
		require.NoError(t, err)
	}
	_, err := f.svc.DetectLanguage(ctx, models.DetectLanguageRequest{Text: "c"})
	require.ErrorIs(t, err, errs.ErrRateLimitExceeded)
	var rle *errs.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Positive(t, rle.RetryAfter)
	assert.Equal(t, 2, f.ls.count(models.OpDetectLanguage))

	_, err = f.svc.DetectLanguage(ctx, models.DetectLanguageRequest{Text: "a"})
	assert.ErrorIs(t, err, errs.ErrRateLimitExceeded, "the limiter runs before the cache lookup")

	_, err = f.svc.AdjustFormality(ctx, models.FormalityRequest{Text: "hey", Language: "en", Level: models.FormalityFormal})
	assert.NoError(t, err, "budgets are per operation")
	_, err = f.svc.DetectLanguage(asUser("u2"), models.DetectLanguageRequest{Text: "c"})
	assert.NoError(t, err, "budgets are per user")
}

func TestRequiresAuthenticatedCaller(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.svc.Translate(context.Background(), models.TranslateRequest{Text: "Hello", TargetLanguage: "es"})
	assert.ErrorIs(t, err, errs.ErrNotAuthenticated)
	assert.Zero(t, f.ls.count(models.OpTranslate))
}

func TestValidation(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")

	tests := []struct {
		name string
		call func() error
	}{
		{"unknown language", func() error {
			_, err := f.svc.Translate(ctx, models.TranslateRequest{Text: "Hello", TargetLanguage: "xq"})
			return err
		}},
		{"three letter code", func() error {
			_, err := f.svc.Translate(ctx, models.TranslateRequest{Text: "Hello", TargetLanguage: "spa"})
			return err
		}},
		{"blank text", func() error {
			_, err := f.svc.ExtractEntities(ctx, models.ExtractEntitiesRequest{Text: "   "})
			return err
		}},
		{"bad level", func() error {
			_, err := f.svc.AdjustFormality(ctx, models.FormalityRequest{Text: "hey", Language: "en", Level: "royal"})
			return err
		}},
		{"no messages", func() error {
			_, err := f.svc.SuggestReplies(ctx, models.SmartRepliesRequest{Language: "en"})
			return err
		}},
		{"no audio", func() error {
			_, err := f.svc.Transcribe(ctx, models.TranscribeRequest{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), errs.ErrInvalidArgument)
		})
	}
	assert.True(t, IsLanguageCode("EN"))
	assert.False(t, IsLanguageCode("e"))
}

func TestLanguageServiceDeadline(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.timeout = 10 * time.Millisecond
	f.ls.block = true

	_, err := f.svc.Translate(asUser("u1"), models.TranslateRequest{Text: "Hello", TargetLanguage: "es"})
	assert.ErrorIs(t, err, errs.ErrDeadlineExceeded)
	assert.True(t, errs.Retryable(err))
}

func TestLanguageServiceFailureIsNotCached(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")
	f.ls.err = errors.Join(errs.ErrLanguageService, errors.New("upstream 502"))

	_, err := f.svc.ExtractEntities(ctx, models.ExtractEntitiesRequest{Text: "see https://x.io"})
	assert.ErrorIs(t, err, errs.ErrLanguageService)

	f.ls.err = nil
	res, err := f.svc.ExtractEntities(ctx, models.ExtractEntitiesRequest{Text: "see https://x.io"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	require.Len(t, res.Value.Entities, 1)
	assert.Equal(t, models.LinkEntity{Text: "x", URL: "https://x.io"}, res.Value.Entities[0])
}

func TestSmartRepliesKeyOnRecentContext(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")

	first, err := f.svc.SuggestReplies(ctx, models.SmartRepliesRequest{
		Language: "en",
		Messages: []models.ContextMessage{
			{SenderID: "u2", Text: "old"},
			{SenderID: "u2", Text: "Lunch?"},
			{SenderID: "u1", Text: "Where?"},
		},
	})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, f.ls.lastReply.Messages, 2)
	assert.Equal(t, "Lunch?", f.ls.lastReply.Messages[0].Text)

	second, err := f.svc.SuggestReplies(ctx, models.SmartRepliesRequest{
		Language: "en",
		Messages: []models.ContextMessage{
			{SenderID: "u2", Text: "different history"},
			{SenderID: "u2", Text: "Lunch?"},
			{SenderID: "u1", Text: "Where?"},
		},
	})
	require.NoError(t, err)
	assert.True(t, second.Cached)

	other, err := f.svc.SuggestReplies(asUser("u2"), models.SmartRepliesRequest{
		Language: "en",
		Messages: []models.ContextMessage{{SenderID: "u2", Text: "Lunch?"}, {SenderID: "u1", Text: "Where?"}},
	})
	require.NoError(t, err)
	assert.False(t, other.Cached, "suggestions are per caller")
}

func TestSmartRepliesContextCannotCollide(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")

	first, err := f.svc.SuggestReplies(ctx, models.SmartRepliesRequest{
		Language: "en",
		Messages: []models.ContextMessage{{SenderID: "bob\x1dwant", Text: "lunch?"}},
	})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.SuggestReplies(ctx, models.SmartRepliesRequest{
		Language: "en",
		Messages: []models.ContextMessage{{SenderID: "bob", Text: "want\x1dlunch?"}},
	})
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, f.ls.count(models.OpSmartReplies))
}

func TestTranscribeByObjectKey(t *testing.T) {
	f := newFixture(t, 100)
	ctx := asUser("u1")
	f.media.Put("voice/u1/a.m4a", "audio/mp4", []byte("AUDIO"))

	res, err := f.svc.Transcribe(ctx, models.TranscribeRequest{ObjectKey: "voice/u1/a.m4a"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Value.Text)
	assert.False(t, res.Cached)
	assert.Equal(t, []byte("AUDIO"), f.ls.lastAudio)

	inline, err := f.svc.Transcribe(ctx, models.TranscribeRequest{Audio: []byte("AUDIO")})
	require.NoError(t, err)
	assert.True(t, inline.Cached, "the key is the audio hash, not its location")

	_, err = f.svc.Transcribe(ctx, models.TranscribeRequest{ObjectKey: "voice/u1/missing.m4a"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.svc.Transcribe(ctx, models.TranscribeRequest{Audio: []byte("x"), ObjectKey: "voice/u1/a.m4a"})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
