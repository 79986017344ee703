package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/pkg/markdown"
)

const (
	textWeight  = int64(1)
	audioWeight = int64(4)

	replyTemperature = 0.7
	maxErrorBody     = 512
)

// errServer marks a 5xx reply, the only kind worth another attempt
var errServer = errors.New("server error")

// CustomAI implements LanguageService over an OpenAI-compatible endpoint
type CustomAI struct {
	cfg        config.LanguageConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	maxWeight  int64
	metrics    *middleware.Metrics
	logger     *logrus.Logger
	retryDelay time.Duration
}

// NewCustomAI creates the language service client
func NewCustomAI(cfg config.LanguageConfig, metrics *middleware.Metrics, logger *logrus.Logger) *CustomAI {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger.WithFields(logrus.Fields{
		"baseURL": cfg.BaseURL,
		"model":   cfg.Model,
	}).Info("Language service initialized")

	return &CustomAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		maxWeight:  cfg.MaxConcurrency,
		metrics:    metrics,
		logger:     logger,
		retryDelay: 2 * time.Second,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chatJSON sends one chat completion and decodes the JSON in its reply
func chatJSON[T any](ctx context.Context, s *CustomAI, op, system, user string, temperature float64) (T, error) {
	var out T
	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return out, fmt.Errorf("failed to marshal request: %w", err)
	}

	raw, err := s.do(ctx, op, textWeight, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("chat/completions"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return out, err
	}

	var result chatResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return out, fmt.Errorf("%w: failed to parse response: %v", errs.ErrLanguageService, err)
	}
	if result.Error.Message != "" {
		return out, fmt.Errorf("%w: %s", errs.ErrLanguageService, result.Error.Message)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return out, fmt.Errorf("%w: no response from model", errs.ErrLanguageService)
	}

	payload, ok := markdown.ExtractJSON(result.Choices[0].Message.Content)
	if !ok {
		return out, fmt.Errorf("%w: reply carries no JSON", errs.ErrLanguageService)
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, fmt.Errorf("%w: failed to decode reply: %v", errs.ErrLanguageService, err)
	}
	return out, nil
}

// transcribe uploads audio to the transcription endpoint
func (s *CustomAI) transcribe(ctx context.Context, audio []byte, filename, language string) (string, string, error) {
	if filename == "" {
		filename = "audio.m4a"
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := map[string]string{
		"model":           s.cfg.TranscriptionModel,
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return "", "", fmt.Errorf("failed to build upload: %w", err)
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", "", fmt.Errorf("failed to build upload: %w", err)
	}
	body := buf.Bytes()

	weight := audioWeight
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	raw, err := s.do(ctx, "transcribe", weight, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("audio/transcriptions"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", form.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", "", err
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", "", fmt.Errorf("%w: failed to parse transcription: %v", errs.ErrLanguageService, err)
	}
	return result.Text, result.Language, nil
}

// do runs a request under the upstream budget with the retry policy. Only
// 5xx replies are retried and only up to MaxAttempts.
func (s *CustomAI) do(ctx context.Context, op string, weight int64, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := s.attempt(ctx, op, weight, build)
	for attempt := 2; err != nil && errors.Is(err, errServer) && attempt <= s.cfg.MaxAttempts; attempt++ {
		s.logger.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"error":     err.Error(),
		}).Warn("Language service request failed, retrying...")

		wait := s.retryDelay << uint(attempt-2)
		select {
		case <-ctx.Done():
			err = errs.FromContext(ctx.Err())
		case <-time.After(wait):
			body, err = s.attempt(ctx, op, weight, build)
		}
	}

	status := "success"
	switch {
	case errors.Is(err, errs.ErrDeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordAIRequest(op, status, time.Since(start))
	return body, err
}

func (s *CustomAI) attempt(ctx context.Context, op string, weight int64, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, s.contextError(ctx, err)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, s.contextError(ctx, err)
	}
	defer s.sem.Release(weight)

	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	s.logger.WithFields(logrus.Fields{
		"operation": op,
		"url":       req.URL.String(),
	}).Debug("Sending language service request")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err())
		}
		return nil, fmt.Errorf("%w: failed to send request: %v", errs.ErrLanguageService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err())
		}
		return nil, fmt.Errorf("%w: failed to read response: %v", errs.ErrLanguageService, err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"operation": op,
			"status":    resp.StatusCode,
			"body":      truncate(string(body), maxErrorBody),
		}).Error("Language service request failed")

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %w: status %d", errs.ErrLanguageService, errServer, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", errs.ErrLanguageService, resp.StatusCode, truncate(string(body), maxErrorBody))
	}
	return body, nil
}

// contextError maps a limiter or semaphore wait failure. rate.Limiter
// refuses early when the deadline cannot be met, before ctx is done.
func (s *CustomAI) contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errs.FromContext(ctx.Err())
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", errs.ErrDeadlineExceeded, err)
	}
	return err
}

func (s *CustomAI) url(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.cfg.BaseURL, "/"), path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
