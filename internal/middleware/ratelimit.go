package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/storage"
)

// Limiter gates Language Service attempts per user and operation
type Limiter interface {
	Check(ctx context.Context, userID, operation string) error
	Reset(ctx context.Context, userID, operation string) error
}

// RateLimiter is a fixed window counter keyed by (user, operation). Each
// operation has its own budget.
type RateLimiter struct {
	enabled bool
	cfg     config.RateLimitConfig
	store   storage.CounterStore
	metrics *Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewRateLimiter creates a limiter over the given counter store
func NewRateLimiter(cfg config.RateLimitConfig, store storage.CounterStore, metrics *Metrics, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		enabled: cfg.Enabled,
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Check records one attempt. The attempt past the budget fails with a
// *errs.RateLimitError and leaves the stored count untouched.
func (r *RateLimiter) Check(ctx context.Context, userID, operation string) error {
	if !r.enabled {
		return nil
	}
	if userID == "" {
		return errs.ErrNotAuthenticated
	}

	limit := r.cfg.LimitFor(operation)
	window := r.cfg.Window
	now := r.now()

	err := r.store.Transact(ctx, counterKey(userID, operation), r.ttl(), func(current *models.RateCounter) (*models.RateCounter, error) {
		next := models.RateCounter{WindowStart: now.UnixMilli()}
		if current != nil && now.Sub(time.UnixMilli(current.WindowStart)) < window {
			next = *current
		}
		if next.Count+1 > limit {
			retryAfter := time.UnixMilli(next.WindowStart).Add(window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return nil, &errs.RateLimitError{
				UserID:     userID,
				Operation:  operation,
				Limit:      limit,
				RetryAfter: retryAfter,
			}
		}
		next.Count++
		return &next, nil
	})
	if err == nil {
		return nil
	}

	var rle *errs.RateLimitError
	if errors.As(err, &rle) {
		r.metrics.RecordRateLimitExceeded(operation)
		r.logger.WithFields(logrus.Fields{
			"user_id":     userID,
			"operation":   operation,
			"retry_after": rle.RetryAfter,
		}).Warn("Rate limit exceeded")
		return rle
	}
	return fmt.Errorf("failed to update rate counter: %w", errs.FromContext(err))
}

// Reset clears a user's counter for an operation
func (r *RateLimiter) Reset(ctx context.Context, userID, operation string) error {
	return r.store.Reset(ctx, counterKey(userID, operation))
}

// Sweep drops counters idle for longer than the configured idle TTL
func (r *RateLimiter) Sweep(ctx context.Context) (int, error) {
	removed, err := r.store.Sweep(ctx, r.now().Add(-r.ttl()))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep rate counters: %w", err)
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Debug("Swept idle rate counters")
	}
	return removed, nil
}

// ttl keeps a counter at least one full window past its start
func (r *RateLimiter) ttl() time.Duration {
	if r.cfg.IdleTTL > r.cfg.Window {
		return r.cfg.IdleTTL
	}
	return r.cfg.Window
}

func counterKey(userID, operation string) string {
	return userID + ":" + operation
}
