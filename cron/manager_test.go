package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vary-cache/logger"
	"github.com/saiset-co/sai-vary-cache/metrics"
	"github.com/saiset-co/sai-vary-cache/types"
)

func newTestManager(t *testing.T, options Options, m types.MetricsManager) *Manager {
	t.Helper()

	manager, err := NewManager(context.Background(), options, logger.NewNopLogger(), m)
	require.NoError(t, err)

	return manager
}

func TestAddValidatesArguments(t *testing.T) {
	manager := newTestManager(t, Options{}, nil)
	job := func(ctx context.Context) error { return nil }

	assert.ErrorIs(t, manager.Add("", "@every 1m", job), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("sweep", "", job), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, manager.Add("sweep", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, manager.Add("sweep", "not a spec", job), types.ErrCronExpressionInvalid)

	require.NoError(t, manager.Add("sweep", "@every 1m", job))
	assert.ErrorIs(t, manager.Add("sweep", "*/5 * * * *", job), types.ErrCronJobExists)
	require.NoError(t, manager.Add("with-seconds", "*/30 * * * * *", job))

	jobs := manager.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "sweep", jobs[0].Name)
	assert.Equal(t, "with-seconds", jobs[1].Name)
}

func TestNewManagerRejectsUnknownTimezone(t *testing.T) {
	_, err := NewManager(context.Background(), Options{Timezone: "Mars/Olympus"}, logger.NewNopLogger(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestRunRecordsStats(t *testing.T) {
	manager := newTestManager(t, Options{}, nil)

	var calls atomic.Int32
	require.NoError(t, manager.Add("sweep", "@every 1h", func(ctx context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("redis down")
		}
		return nil
	}))

	require.NoError(t, manager.Run("sweep"))
	assert.EqualError(t, manager.Run("sweep"), "redis down")
	assert.ErrorIs(t, manager.Run("missing"), types.ErrInvalidParameter)

	jobs := manager.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].RunCount)
	assert.False(t, jobs[0].LastRun.IsZero())
	assert.Error(t, jobs[0].Error)
}

func TestRunRecoversPanics(t *testing.T) {
	manager := newTestManager(t, Options{}, nil)

	require.NoError(t, manager.Add("panics", "@every 1h", func(ctx context.Context) error {
		panic("boom")
	}))

	err := manager.Run("panics")
	assert.ErrorIs(t, err, types.ErrCronJobFailed)
}

func TestRunReportsTimeout(t *testing.T) {
	manager := newTestManager(t, Options{JobTimeout: 20 * time.Millisecond}, nil)

	require.NoError(t, manager.Add("slow", "@every 1h", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	assert.ErrorIs(t, manager.Run("slow"), types.ErrCronJobTimeout)
}

func TestScheduledJobRunsAndRecordsMetrics(t *testing.T) {
	m, err := metrics.NewMemoryMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	manager := newTestManager(t, Options{}, m)

	var calls atomic.Int32
	require.NoError(t, manager.Add("tick", "@every 1s", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, manager.Start())
	assert.ErrorIs(t, manager.Start(), types.ErrCronIsRunning)
	assert.Equal(t, 1.0, m.Gauge("cron_scheduler_running", nil).Get())

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.Equal(t, 0.0, m.Gauge("cron_scheduler_running", nil).Get())
	assert.GreaterOrEqual(t, m.Counter("cron_job_executions_total", map[string]string{
		"job_name": "tick",
		"result":   "success",
	}).Get(), 1.0)

	assert.ErrorIs(t, manager.Add("late", "@every 1m", func(ctx context.Context) error { return nil }), types.ErrCronSchedulerStopped)
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	manager := newTestManager(t, Options{}, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, manager.Add("long", "@every 1h", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	require.NoError(t, manager.Start())
	go func() { _ = manager.Run("long") }()

	<-started
	require.NoError(t, manager.Stop())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running job was not cancelled")
	}
}
