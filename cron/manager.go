package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
)

var _ types.CronManager = (*Manager)(nil)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

const defaultJobTimeout = 30 * time.Minute

type Options struct {
	Timezone        string
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

type jobEntry struct {
	types.JobEntry
	totalDuration time.Duration
}

// Manager runs named jobs on cron schedules. Specs accept an optional
// seconds field and descriptors such as "@every 10m". A job still running
// when its next tick fires is skipped for that tick.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*jobEntry
	state           atomic.Int32
	mu              sync.RWMutex
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, options Options, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	timezone := time.UTC
	if options.Timezone != "" {
		location, err := time.LoadLocation(options.Timezone)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidParameter, "timezone %q: %v", options.Timezone, err)
		}
		timezone = location
	}

	if options.JobTimeout <= 0 {
		options.JobTimeout = defaultJobTimeout
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 10 * time.Second
	}

	cronL := cronLogger{logger: logger}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(parser),
			cron.WithLogger(cronL),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]*jobEntry),
		shutdownTimeout: options.ShutdownTimeout,
		jobTimeout:      options.JobTimeout,
	}

	return manager, nil
}

func (m *Manager) Add(jobName, spec string, job func(ctx context.Context) error) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return types.ErrCronSchedulerStopped
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &jobEntry{
		JobEntry: types.JobEntry{
			ID:      entryID,
			Name:    jobName,
			Spec:    spec,
			AddedAt: time.Now(),
		},
	}
	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// Run executes a registered job immediately, outside its schedule.
func (m *Manager) Run(jobName string) error {
	m.mu.RLock()
	entry, exists := m.jobs[jobName]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrInvalidParameter, "unknown cron job %q", jobName)
	}

	m.cron.Entry(entry.ID).WrappedJob.Run()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return entry.Error
}

// Jobs returns a snapshot of every job ordered by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		job := entry.JobEntry
		if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
			job.NextRun = cronEntry.Next
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Name < jobs[j].Name
	})

	return jobs
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setGauge("cron_scheduler_running", 1)

	m.logger.Info("Cron manager started")
	return nil
}

// Stop halts scheduling, cancels running jobs and waits for them up to the
// shutdown timeout.
func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	stopCtx := m.cron.Stop()
	m.setGauge("cron_scheduler_running", 0)

	timer := time.NewTimer(m.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron scheduler stopped gracefully")
		return nil
	case <-timer.C:
		m.logger.Warn("Cron manager stop timeout, some jobs may not have stopped gracefully")
		return types.ErrCronJobTimeout
	}
}

func (m *Manager) IsRunning() bool {
	return State(m.state.Load()) == StateRunning
}

func (m *Manager) wrapJob(jobName string, job func(ctx context.Context) error) func() {
	return func() {
		if m.ctx.Err() != nil {
			m.logger.Info("Job skipped due to shutdown", zap.String("job_name", jobName))
			return
		}

		startTime := time.Now()
		m.logger.Debug("Cron job started", zap.String("job_name", jobName))
		m.updateJobStatsStart(jobName, startTime)

		jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
		defer cancel()

		m.addGauge("cron_active_jobs", 1)
		defer m.addGauge("cron_active_jobs", -1)

		err := m.execute(jobCtx, job)
		duration := time.Since(startTime)

		result := "success"
		if err != nil {
			result = "error"
		}

		if m.metrics != nil {
			m.metrics.Counter("cron_job_executions_total", map[string]string{
				"job_name": jobName,
				"result":   result,
			}).Inc()
			m.metrics.Histogram("cron_job_duration_seconds",
				[]float64{0.1, 1.0, 10.0, 60.0, 300.0, 1800.0},
				map[string]string{"job_name": jobName},
			).Observe(duration.Seconds())
		}

		m.updateJobStatsFinish(jobName, duration, err)

		if err != nil {
			m.logger.Error("Cron job failed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration),
				zap.Error(err))
			return
		}

		m.logger.Info("Cron job completed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration))
	}
}

func (m *Manager) execute(ctx context.Context, job func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
		}
	}()

	err = job(ctx)

	if types.IsError(ctx.Err(), context.DeadlineExceeded) {
		err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
	}

	return err
}

func (m *Manager) updateJobStatsStart(jobName string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.jobs[jobName]; exists {
		entry.LastRun = startTime
	}
}

func (m *Manager) updateJobStatsFinish(jobName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastDuration = duration
	entry.totalDuration += duration
	entry.RunCount++
	entry.AvgDuration = entry.totalDuration / time.Duration(entry.RunCount)
	entry.Error = err
}

func (m *Manager) setGauge(name string, value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Set(value)
}

func (m *Manager) addGauge(name string, delta float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Add(delta)
}

// cronLogger adapts types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	result := make([]zap.Field, 0, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		result = append(result, zap.Any(key, keysAndValues[i+1]))
	}

	return result
}
