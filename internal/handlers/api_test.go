package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/i18n"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/assist"
	"github.com/lingosync-go/internal/services/cache"
	"github.com/lingosync-go/internal/services/storage"
)

// fakeLS translates by table and fails or stalls on demand
type fakeLS struct {
	err   error
	stall bool
}

func (f *fakeLS) Translate(ctx context.Context, req models.TranslateRequest) (models.TranslateResult, error) {
	if f.stall {
		<-ctx.Done()
		return models.TranslateResult{}, ctx.Err()
	}
	if f.err != nil {
		return models.TranslateResult{}, f.err
	}
	return models.TranslateResult{TranslatedText: "Hola", DetectedLanguage: "en"}, nil
}

func (f *fakeLS) DetectLanguage(ctx context.Context, req models.DetectLanguageRequest) (models.DetectLanguageResult, error) {
	return models.DetectLanguageResult{Language: "en", Confidence: 1}, f.err
}

func (f *fakeLS) ExplainCulturalContext(ctx context.Context, req models.CulturalContextRequest) (models.CulturalContextResult, error) {
	return models.CulturalContextResult{}, f.err
}

func (f *fakeLS) AdjustFormality(ctx context.Context, req models.FormalityRequest) (models.FormalityResult, error) {
	return models.FormalityResult{AdjustedText: req.Text, Level: req.Level}, f.err
}

func (f *fakeLS) SuggestReplies(ctx context.Context, req models.SmartRepliesRequest) (models.SmartRepliesResult, error) {
	return models.SmartRepliesResult{}, f.err
}

func (f *fakeLS) Transcribe(ctx context.Context, req models.TranscribeRequest) (models.TranscriptionResult, error) {
	return models.TranscriptionResult{Text: "hi"}, f.err
}

func (f *fakeLS) ExtractEntities(ctx context.Context, req models.ExtractEntitiesRequest) (models.ExtractEntitiesResult, error) {
	return models.ExtractEntitiesResult{Entities: models.EntityList{models.ActionItemEntity{Text: "call mom", Task: "call mom"}}}, f.err
}

type apiFixture struct {
	server *httptest.Server
	ls     *fakeLS
	token  string
}

func newAPIFixture(t *testing.T, maxRequests int, requestTimeout time.Duration) *apiFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	localizer, err := i18n.NewLocalizer(&config.I18nConfig{
		DefaultLanguage: "en",
		Languages:       []string{"en", "es"},
		Directory:       "../../configs/i18n",
	})
	require.NoError(t, err)

	ls := &fakeLS{}
	resultCache := cache.NewResultCache(config.CacheConfig{Enabled: true, MaxSize: 10}, storage.NewMemoryCacheStore(time.Minute), nil, logger)
	limiter := middleware.NewRateLimiter(config.RateLimitConfig{Enabled: true, Window: time.Hour, MaxRequests: maxRequests},
		storage.NewMemoryCounterStore(), nil, logger)
	svc := assist.NewService(config.LanguageConfig{Timeout: time.Second}, ls, resultCache, limiter,
		middleware.NewSecurityMiddleware(0, logger), nil, nil, logger)

	auth := middleware.NewAuthenticator(config.AuthConfig{JWTSecret: "test-secret"})
	token, err := auth.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	h := NewAPIHandler(config.ServerConfig{RequestTimeout: requestTimeout, MaxBodyBytes: 1 << 16}, svc, auth, localizer, logger)
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return &apiFixture{server: server, ls: ls, token: "Bearer " + token}
}

func (f *apiFixture) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", f.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 10, 0)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTranslateEndpoint(t *testing.T) {
	f := newAPIFixture(t, 10, 0)
	body := `{"text":"Hello","targetLanguage":"es"}`

	resp, out := f.post(t, "/v1/translate", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, false, out["cached"])
	assert.Equal(t, "Hola", out["value"].(map[string]any)["translatedText"])

	_, out = f.post(t, "/v1/translate", body, nil)
	assert.Equal(t, true, out["cached"])
}

func TestEntitiesEndpointEncodesTypeTag(t *testing.T) {
	f := newAPIFixture(t, 10, 0)
	resp, out := f.post(t, "/v1/entities", `{"text":"remember to call mom"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entities := out["value"].(map[string]any)["entities"].([]any)
	require.Len(t, entities, 1)
	assert.Equal(t, "action_item", entities[0].(map[string]any)["type"])
}

func TestUnauthenticatedRequestIsLocalized(t *testing.T) {
	f := newAPIFixture(t, 10, 0)
	f.token = ""

	resp, out := f.post(t, "/v1/translate", `{"text":"Hello","targetLanguage":"es"}`, map[string]string{"Accept-Language": "es-MX,es;q=0.9"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, i18n.MsgNotAuthenticated, out["error"])
	assert.Equal(t, "Inicia sesión para usar esta función.", out["message"])
}

func TestRateLimitedRequestCarriesRetryAfter(t *testing.T) {
	f := newAPIFixture(t, 1, 0)

	resp, _ := f.post(t, "/v1/detect-language", `{"text":"hola"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := f.post(t, "/v1/detect-language", `{"text":"hola"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))
	assert.Equal(t, float64(3600), out["retryAfterSeconds"])
	assert.Contains(t, out["message"], "1h0m0s")
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fakeLS)
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid json", nil, "/v1/translate", `{"text":`, http.StatusBadRequest, i18n.MsgInvalidRequest},
		{"invalid language", nil, "/v1/translate", `{"text":"Hello","targetLanguage":"zz"}`, http.StatusBadRequest, i18n.MsgInvalidRequest},
		{"language service failure", func(f *fakeLS) { f.err = errs.ErrLanguageService }, "/v1/translate", `{"text":"Hello","targetLanguage":"es"}`, http.StatusBadGateway, i18n.MsgLanguageService},
		{"deadline", func(f *fakeLS) { f.stall = true }, "/v1/translate", `{"text":"Hello","targetLanguage":"es"}`, http.StatusGatewayTimeout, i18n.MsgTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, 10, 50*time.Millisecond)
			if tt.setup != nil {
				tt.setup(f.ls)
			}
			resp, out := f.post(t, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, out["error"])
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1), retryAfterSeconds(0))
	assert.Equal(t, int64(2), retryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, int64(60), retryAfterSeconds(time.Minute))
	assert.Equal(t, "text is too long", reason(errs.Invalid("text", "is too long")))
	assert.True(t, strings.HasPrefix(reason(errs.ErrInvalidArgument), "invalid argument"))
}
