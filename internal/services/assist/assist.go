// Package assist implements the AI backend functions. Every call runs the
// same pipeline: caller identity, validation, rate limit, result cache and
// finally the language service.
package assist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/ai"
	"github.com/lingosync-go/internal/services/cache"
	"github.com/lingosync-go/internal/services/media"
	logpkg "github.com/lingosync-go/pkg/logger"
)

const defaultReplyContext = 10

// Service runs AI requests for authenticated callers
type Service struct {
	ls           ai.LanguageService
	cache        *cache.ResultCache
	limiter      middleware.Limiter
	security     *middleware.SecurityMiddleware
	media        media.Fetcher
	validate     *validator.Validate
	timeout      time.Duration
	replyContext int
	metrics      *middleware.Metrics
	logger       *logrus.Logger
}

// NewService wires the pipeline. fetcher may be nil when media storage is
// disabled.
func NewService(
	cfg config.LanguageConfig,
	ls ai.LanguageService,
	resultCache *cache.ResultCache,
	limiter middleware.Limiter,
	security *middleware.SecurityMiddleware,
	fetcher media.Fetcher,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Service {
	replyContext := cfg.SmartReplyContext
	if replyContext <= 0 {
		replyContext = defaultReplyContext
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Service{
		ls:           ls,
		cache:        resultCache,
		limiter:      limiter,
		security:     security,
		media:        fetcher,
		validate:     newValidator(),
		timeout:      timeout,
		replyContext: replyContext,
		metrics:      metrics,
		logger:       logger,
	}
}

func (s *Service) Translate(ctx context.Context, req models.TranslateRequest) (cache.Result[models.TranslateResult], error) {
	op := models.OpTranslate
	req.SourceLanguage = strings.ToLower(req.SourceLanguage)
	req.TargetLanguage = strings.ToLower(req.TargetLanguage)

	user, err := s.admit(ctx, op, req, req.Text)
	if err != nil {
		return cache.Result[models.TranslateResult]{}, err
	}
	key := staticKey(op, map[string]string{
		"text":   req.Text,
		"source": req.SourceLanguage,
		"target": req.TargetLanguage,
	})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.TranslateResult, error) {
		res, err := s.ls.Translate(ctx, req)
		res.TranslatedText = s.security.SanitizeOutput(res.TranslatedText)
		return res, err
	})
}

func (s *Service) DetectLanguage(ctx context.Context, req models.DetectLanguageRequest) (cache.Result[models.DetectLanguageResult], error) {
	op := models.OpDetectLanguage
	user, err := s.admit(ctx, op, req, req.Text)
	if err != nil {
		return cache.Result[models.DetectLanguageResult]{}, err
	}
	key := staticKey(op, map[string]string{"text": req.Text})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.DetectLanguageResult, error) {
		return s.ls.DetectLanguage(ctx, req)
	})
}

func (s *Service) ExplainCulturalContext(ctx context.Context, req models.CulturalContextRequest) (cache.Result[models.CulturalContextResult], error) {
	op := models.OpCulturalContext
	req.Language = strings.ToLower(req.Language)
	req.TargetLanguage = strings.ToLower(req.TargetLanguage)

	user, err := s.admit(ctx, op, req, req.Text)
	if err != nil {
		return cache.Result[models.CulturalContextResult]{}, err
	}
	key := staticKey(op, map[string]string{
		"text":   req.Text,
		"source": req.Language,
		"target": req.TargetLanguage,
	})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.CulturalContextResult, error) {
		return s.ls.ExplainCulturalContext(ctx, req)
	})
}

func (s *Service) AdjustFormality(ctx context.Context, req models.FormalityRequest) (cache.Result[models.FormalityResult], error) {
	op := models.OpFormality
	req.Language = strings.ToLower(req.Language)

	user, err := s.admit(ctx, op, req, req.Text)
	if err != nil {
		return cache.Result[models.FormalityResult]{}, err
	}
	key := staticKey(op, map[string]string{
		"text":     req.Text,
		"language": req.Language,
		"level":    string(req.Level),
	})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.FormalityResult, error) {
		res, err := s.ls.AdjustFormality(ctx, req)
		res.AdjustedText = s.security.SanitizeOutput(res.AdjustedText)
		return res, err
	})
}

// SuggestReplies keys on the caller and the last messages of the
// conversation only, so older history does not split the cache.
func (s *Service) SuggestReplies(ctx context.Context, req models.SmartRepliesRequest) (cache.Result[models.SmartRepliesResult], error) {
	op := models.OpSmartReplies
	req.Language = strings.ToLower(req.Language)
	if len(req.Messages) > s.replyContext {
		req.Messages = req.Messages[len(req.Messages)-s.replyContext:]
	}

	user, err := s.admit(ctx, op, req)
	if err != nil {
		return cache.Result[models.SmartRepliesResult]{}, err
	}
	for _, m := range req.Messages {
		if err := s.security.ValidateInput("messages.text", m.Text); err != nil {
			return cache.Result[models.SmartRepliesResult]{}, err
		}
	}
	history, err := json.Marshal(req.Messages)
	if err != nil {
		return cache.Result[models.SmartRepliesResult]{}, fmt.Errorf("failed to encode reply context: %w", err)
	}

	key := staticKey(op, map[string]string{
		"user":     user,
		"context":  string(history),
		"language": req.Language,
		"count":    strconv.Itoa(req.Count),
	})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.SmartRepliesResult, error) {
		res, err := s.ls.SuggestReplies(ctx, req)
		for i := range res.Replies {
			res.Replies[i].Text = s.security.SanitizeOutput(res.Replies[i].Text)
		}
		return res, err
	})
}

// Transcribe keys on the SHA-256 of the audio. Audio given by object key is
// fetched after the rate limit check.
func (s *Service) Transcribe(ctx context.Context, req models.TranscribeRequest) (cache.Result[models.TranscriptionResult], error) {
	op := models.OpTranscribe
	req.LanguageHint = strings.ToLower(req.LanguageHint)

	user, err := s.admit(ctx, op, req)
	if err != nil {
		return cache.Result[models.TranscriptionResult]{}, err
	}
	switch {
	case len(req.Audio) == 0 && req.ObjectKey == "":
		return cache.Result[models.TranscriptionResult]{}, errs.Invalid("audio", "or objectKey is required")
	case len(req.Audio) > 0 && req.ObjectKey != "":
		return cache.Result[models.TranscriptionResult]{}, errs.Invalid("audio", "and objectKey are mutually exclusive")
	case req.ObjectKey != "" && s.media == nil:
		return cache.Result[models.TranscriptionResult]{}, errs.Invalid("objectKey", "media storage is disabled")
	}

	key := func(ctx context.Context) (string, error) {
		if req.ObjectKey != "" {
			obj, err := s.media.Fetch(ctx, req.ObjectKey)
			if err != nil {
				return "", err
			}
			req.Audio = obj.Data
			if req.Filename == "" {
				req.Filename = obj.Filename
			}
		}
		sum := sha256.Sum256(req.Audio)
		return cache.Key(string(op), map[string]string{
			"audio":    hex.EncodeToString(sum[:]),
			"language": req.LanguageHint,
		}), nil
	}
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.TranscriptionResult, error) {
		res, err := s.ls.Transcribe(ctx, req)
		res.Text = s.security.SanitizeOutput(res.Text)
		return res, err
	})
}

func (s *Service) ExtractEntities(ctx context.Context, req models.ExtractEntitiesRequest) (cache.Result[models.ExtractEntitiesResult], error) {
	op := models.OpExtractEntities
	req.Language = strings.ToLower(req.Language)

	user, err := s.admit(ctx, op, req, req.Text)
	if err != nil {
		return cache.Result[models.ExtractEntitiesResult]{}, err
	}
	key := staticKey(op, map[string]string{
		"text":     req.Text,
		"language": req.Language,
	})
	return run(ctx, s, op, user, key, func(ctx context.Context) (models.ExtractEntitiesResult, error) {
		return s.ls.ExtractEntities(ctx, req)
	})
}

// admit checks identity and validates the request and its text fields
func (s *Service) admit(ctx context.Context, op models.Operation, req any, texts ...string) (string, error) {
	user, ok := models.UserFromContext(ctx)
	if !ok {
		s.metrics.RecordAPIRequest(string(op), "unauthenticated")
		return "", errs.ErrNotAuthenticated
	}
	if err := s.validateStruct(req); err != nil {
		s.metrics.RecordAPIRequest(string(op), "invalid")
		return "", err
	}
	for _, text := range texts {
		if err := s.security.ValidateInput("text", text); err != nil {
			s.metrics.RecordAPIRequest(string(op), "invalid")
			return "", err
		}
	}
	return user, nil
}

type keyFunc func(ctx context.Context) (string, error)

func staticKey(op models.Operation, fields map[string]string) keyFunc {
	key := cache.Key(string(op), fields)
	return func(context.Context) (string, error) { return key, nil }
}

// run gates the call on the caller's budget, then serves it through the
// result cache. The language service gets its own deadline.
func run[T any](ctx context.Context, s *Service, op models.Operation, user string, key keyFunc, call func(ctx context.Context) (T, error)) (cache.Result[T], error) {
	start := time.Now()
	logger := logpkg.WithContext(s.logger, user, string(op))

	if err := s.limiter.Check(ctx, user, string(op)); err != nil {
		status := "error"
		if errors.Is(err, errs.ErrRateLimitExceeded) {
			status = "rate_limited"
		}
		s.metrics.RecordAPIRequest(string(op), status)
		return cache.Result[T]{}, err
	}

	k, err := key(ctx)
	if err != nil {
		s.metrics.RecordAPIRequest(string(op), "error")
		return cache.Result[T]{}, err
	}

	res, err := cache.Fetch(ctx, s.cache, string(op), k, func(ctx context.Context) (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		v, err := call(callCtx)
		if err != nil && callCtx.Err() != nil {
			return v, errs.FromContext(callCtx.Err())
		}
		return v, err
	})
	if err != nil {
		status := "error"
		if errors.Is(err, errs.ErrDeadlineExceeded) {
			status = "timeout"
		}
		s.metrics.RecordAPIRequest(string(op), status)
		logger.WithError(err).Warn("AI request failed")
		return cache.Result[T]{}, err
	}

	status := "success"
	if res.Cached {
		status = "cached"
	}
	s.metrics.RecordAPIRequest(string(op), status)
	logger.WithFields(logrus.Fields{
		"cached":   res.Cached,
		"duration": time.Since(start),
	}).Debug("AI request served")
	return res, nil
}
