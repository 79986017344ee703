package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/services/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type countingSweeper struct{ calls int }

func (c *countingSweeper) Sweep(ctx context.Context) error {
	c.calls++
	return nil
}

func TestRegisterSweeps(t *testing.T) {
	logger := quietLogger()
	m := NewManager(logger)
	limiter := middleware.NewRateLimiter(config.RateLimitConfig{Enabled: true, Window: time.Minute, MaxRequests: 1},
		storage.NewMemoryCounterStore(), nil, logger)

	err := m.RegisterSweeps(config.JobsConfig{CacheSweep: "@every 10m", CounterSweep: "@every 30m"}, &countingSweeper{}, limiter)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	err = m.RegisterSweeps(config.JobsConfig{CacheSweep: "every tuesday"}, &countingSweeper{}, nil)
	assert.Error(t, err)
}

func TestJobRunsWithDeadline(t *testing.T) {
	var deadline bool
	job := &Job{name: "probe", timeout: time.Second, logger: quietLogger(), fn: func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return errors.New("logged, not raised")
	}}
	job.Run()
	assert.True(t, deadline)
}

func TestSchedulerRunsJobs(t *testing.T) {
	m := NewManager(quietLogger())
	sweeper := make(chan struct{}, 1)
	require.NoError(t, m.Register("tick", "@every 1s", func(ctx context.Context) error {
		select {
		case sweeper <- struct{}{}:
		default:
		}
		return nil
	}))

	m.Start()
	defer m.Stop(context.Background())

	select {
	case <-sweeper:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
