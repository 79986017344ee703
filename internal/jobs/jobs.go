// Package jobs runs periodic maintenance such as sweeping expired cache
// entries and idle rate counters.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
)

const defaultJobTimeout = time.Minute

// CacheSweeper purges expired cache entries
type CacheSweeper interface {
	Sweep(ctx context.Context) error
}

// CounterSweeper drops idle rate counters and reports how many it removed
type CounterSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Manager owns the cron engine
type Manager struct {
	engine *cron.Cron
	logger *logrus.Logger
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		engine: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

// RegisterSweeps schedules the cache and counter sweeps from cfg
func (m *Manager) RegisterSweeps(cfg config.JobsConfig, c CacheSweeper, counters CounterSweeper) error {
	if c != nil && cfg.CacheSweep != "" {
		if err := m.Register("cache_sweep", cfg.CacheSweep, c.Sweep); err != nil {
			return err
		}
	}
	if counters != nil && cfg.CounterSweep != "" {
		err := m.Register("counter_sweep", cfg.CounterSweep, func(ctx context.Context) error {
			_, err := counters.Sweep(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Register schedules fn under a cron spec
func (m *Manager) Register(name, spec string, fn func(ctx context.Context) error) error {
	if _, err := m.engine.AddJob(spec, &Job{name: name, fn: fn, timeout: defaultJobTimeout, logger: m.logger}); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	m.logger.WithFields(logrus.Fields{
		"job":      name,
		"schedule": spec,
	}).Info("Scheduled job")
	return nil
}

// Len returns the number of scheduled jobs
func (m *Manager) Len() int {
	return len(m.engine.Entries())
}

func (m *Manager) Start() {
	m.logger.Info("Job scheduler started")
	m.engine.Start()
}

// Stop waits for running jobs until ctx ends
func (m *Manager) Stop(ctx context.Context) {
	done := m.engine.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		m.logger.Warn("Job scheduler stopped before running jobs finished")
		return
	}
	m.logger.Info("Job scheduler stopped")
}

// Job adapts a sweep function to cron.Job
type Job struct {
	name    string
	fn      func(ctx context.Context) error
	timeout time.Duration
	logger  *logrus.Logger
}

func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		j.logger.WithError(err).WithField("job", j.name).Error("Job failed")
		return
	}
	j.logger.WithFields(logrus.Fields{
		"job":      j.name,
		"duration": time.Since(start),
	}).Debug("Job finished")
}
