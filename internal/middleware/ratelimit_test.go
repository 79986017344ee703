package middleware

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/services/storage"
)

func newTestLimiter(max int, window time.Duration) (*RateLimiter, *storage.MemoryCounterStore, *time.Time) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := storage.NewMemoryCounterStore()
	cfg := config.RateLimitConfig{
		Enabled:     true,
		Window:      window,
		MaxRequests: max,
		Operations:  map[string]int{"smart_replies": 1},
	}
	rl := NewRateLimiter(cfg, store, nil, logger)
	now := time.UnixMilli(1_700_000_000_000)
	rl.now = func() time.Time { return now }
	return rl, store, &now
}

func TestRateLimiterRejectsAttemptPastBudget(t *testing.T) {
	ctx := context.Background()
	rl, _, _ := newTestLimiter(3, time.Hour)

	var invoked int
	call := func() error {
		if err := rl.Check(ctx, "u1", "translate"); err != nil {
			return err
		}
		invoked++
		return nil
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, call())
	}
	err := call()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRateLimitExceeded))
	assert.Equal(t, 3, invoked, "the rejected attempt must not reach the language service")

	var rle *errs.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "translate", rle.Operation)
	assert.Equal(t, 3, rle.Limit)
	assert.Equal(t, time.Hour, rle.RetryAfter)
}

func TestRateLimiterRejectionDoesNotIncrement(t *testing.T) {
	ctx := context.Background()
	rl, store, now := newTestLimiter(2, time.Minute)

	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, rl.Check(ctx, "u1", "translate"), errs.ErrRateLimitExceeded)
	}
	assert.Equal(t, 1, store.Len())

	// the window elapses at exactly windowStart+window
	*now = now.Add(time.Minute)
	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	assert.ErrorIs(t, rl.Check(ctx, "u1", "translate"), errs.ErrRateLimitExceeded)
}

func TestRateLimiterBudgetsAreIndependent(t *testing.T) {
	ctx := context.Background()
	rl, _, _ := newTestLimiter(2, time.Hour)

	require.NoError(t, rl.Check(ctx, "u1", "smart_replies"))
	assert.ErrorIs(t, rl.Check(ctx, "u1", "smart_replies"), errs.ErrRateLimitExceeded)

	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	require.NoError(t, rl.Check(ctx, "u2", "smart_replies"))
}

func TestRateLimiterRetryAfterShrinksWithinWindow(t *testing.T) {
	ctx := context.Background()
	rl, _, now := newTestLimiter(1, time.Hour)

	require.NoError(t, rl.Check(ctx, "u1", "formality"))
	*now = now.Add(20 * time.Minute)

	var rle *errs.RateLimitError
	require.ErrorAs(t, rl.Check(ctx, "u1", "formality"), &rle)
	assert.Equal(t, 40*time.Minute, rle.RetryAfter)
}

func TestRateLimiterConcurrentAttemptsNeverExceedBudget(t *testing.T) {
	ctx := context.Background()
	rl, _, _ := newTestLimiter(10, time.Hour)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Check(ctx, "u1", "translate") == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestRateLimiterDisabledAndAnonymous(t *testing.T) {
	ctx := context.Background()
	rl, _, _ := newTestLimiter(1, time.Hour)
	assert.ErrorIs(t, rl.Check(ctx, "", "translate"), errs.ErrNotAuthenticated)

	rl.enabled = false
	for i := 0; i < 5; i++ {
		assert.NoError(t, rl.Check(ctx, "u1", "translate"))
	}
}

func TestRateLimiterSweepDropsIdleCounters(t *testing.T) {
	ctx := context.Background()
	rl, store, now := newTestLimiter(5, time.Minute)

	require.NoError(t, rl.Check(ctx, "u1", "translate"))
	*now = now.Add(30 * time.Second)
	require.NoError(t, rl.Check(ctx, "u2", "translate"))

	*now = now.Add(45 * time.Second)
	removed, err := rl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestSecurityMiddlewareValidateInput(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewSecurityMiddleware(8, logger)

	assert.NoError(t, s.ValidateInput("text", "hello"))
	assert.ErrorIs(t, s.ValidateInput("text", "   "), errs.ErrInvalidArgument)
	assert.ErrorIs(t, s.ValidateInput("text", "far too long"), errs.ErrInvalidArgument)
	assert.ErrorIs(t, s.ValidateInput("text", "\xff\xfe"), errs.ErrInvalidArgument)
	assert.Equal(t, "hi\tthere", s.SanitizeOutput("  hi\tthere\x00\x07 "))
}
