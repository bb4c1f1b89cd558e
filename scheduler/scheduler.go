// Package scheduler runs deferred, idempotent maintenance tasks keyed by a
// string. For a given key, concurrent runs share one execution, runs start at
// most once per throttle window (a request inside the window is deferred to
// its end), and failed runs are retried a fixed number of times.
package scheduler

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-vary-cache/types"
)

type Task func(ctx context.Context, key string) error

type Options struct {
	Throttle   time.Duration
	Attempts   int
	RetryDelay time.Duration
	// MaxTracked bounds how many keys' last run times are remembered. Forgetting
	// a key only costs an extra, harmless run.
	MaxTracked int
}

type Scheduler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	task     Task
	opts     Options
	group    singleflight.Group
	lastRun  *lru.Cache[string, time.Time]
	mu       sync.Mutex
	timers   map[*time.Timer]struct{}
	trailing map[string]*time.Timer
	closing  chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(logger types.Logger, task Task, opts Options) *Scheduler {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = 100_000
	}

	// lru.New only fails for a non-positive size.
	lastRun, _ := lru.New[string, time.Time](opts.MaxTracked)

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		task:     task,
		opts:     opts,
		lastRun:  lastRun,
		timers:   make(map[*time.Timer]struct{}),
		trailing: make(map[string]*time.Timer),
		closing:  make(chan struct{}),
	}
}

// Schedule triggers the task for key once after has elapsed.
func (s *Scheduler) Schedule(key string, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrSchedulerClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		s.Trigger(key)
	})
	s.timers[timer] = struct{}{}

	return nil
}

// Trigger runs the task for key now, or at the end of the key's throttle
// window when it already ran recently. It never blocks on the task.
func (s *Scheduler) Trigger(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if last, ok := s.lastRun.Get(key); ok {
		if wait := s.opts.Throttle - time.Since(last); wait > 0 {
			s.deferLocked(key, wait)
			return
		}
	}

	s.lastRun.Add(key, time.Now())
	s.wg.Add(1)
	go s.run(key)
}

// Pending reports how many timers are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers) + len(s.trailing)
}

// Close stops all pending timers and abandons retry waits, then waits for
// running tasks until ctx is done. Running tasks are cancelled either way once
// Close returns.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	close(s.closing)

	for timer := range s.timers {
		timer.Stop()
	}
	for _, timer := range s.trailing {
		timer.Stop()
	}
	stopped := len(s.timers) + len(s.trailing)
	s.timers = make(map[*time.Timer]struct{})
	s.trailing = make(map[string]*time.Timer)
	s.mu.Unlock()

	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("Scheduler closed", zap.Int("stopped_timers", stopped))
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler close timed out, cancelling running tasks", zap.Error(ctx.Err()))
		return types.WrapError(types.ErrShutdownTimeout, "scheduler tasks still running")
	}
}

// deferLocked must be called with s.mu held.
func (s *Scheduler) deferLocked(key string, wait time.Duration) {
	if _, pending := s.trailing[key]; pending {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		if s.trailing[key] == timer {
			delete(s.trailing, key)
		}
		s.mu.Unlock()

		s.Trigger(key)
	})
	s.trailing[key] = timer
}

func (s *Scheduler) run(key string) {
	defer s.wg.Done()

	// Callers that join an in-flight run share its outcome; only the
	// executing one logs it.
	_, _, _ = s.group.Do(key, func() (interface{}, error) {
		err := s.runWithRetries(key)
		if err != nil {
			s.logger.Error("Scheduled task failed", zap.String("key", key), zap.Error(err))
		}
		return nil, err
	})
}

func (s *Scheduler) runWithRetries(key string) error {
	var err error

	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if err = s.task(s.ctx, key); err == nil {
			return nil
		}

		if attempt == s.opts.Attempts {
			break
		}

		s.logger.Debug("Scheduled task failed, will retry",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", s.opts.RetryDelay),
			zap.Error(err))

		timer := time.NewTimer(s.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-s.closing:
			timer.Stop()
			return types.WrapError(err, "retry abandoned on shutdown")
		}
	}

	return types.Errorf(err, "gave up after %d attempts", s.opts.Attempts)
}
