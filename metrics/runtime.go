package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-vary-cache/types"
)

type RuntimeState int32

const (
	RuntimeStateStopped RuntimeState = iota
	RuntimeStateRunning
)

// RuntimeCollector periodically publishes Go runtime gauges into a
// MetricsManager. The prometheus backend uses the client's own collectors
// instead.
type RuntimeCollector struct {
	ctx         context.Context
	logger      types.Logger
	metrics     types.MetricsManager
	interval    time.Duration
	state       atomic.Int32
	startTime   time.Time
	lastGCCount uint32
	stop        chan struct{}
	done        chan struct{}
}

func NewRuntimeCollector(ctx context.Context, logger types.Logger, metrics types.MetricsManager, interval time.Duration) *RuntimeCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &RuntimeCollector{
		ctx:      ctx,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (rc *RuntimeCollector) Start() error {
	if !rc.state.CompareAndSwap(int32(RuntimeStateStopped), int32(RuntimeStateRunning)) {
		return types.ErrServerAlreadyRunning
	}

	rc.startTime = time.Now()
	rc.stop = make(chan struct{})
	rc.done = make(chan struct{})

	go rc.collectLoop()

	rc.logger.Debug("Runtime metrics collection started")
	return nil
}

func (rc *RuntimeCollector) Stop() error {
	if !rc.state.CompareAndSwap(int32(RuntimeStateRunning), int32(RuntimeStateStopped)) {
		return types.ErrServerNotRunning
	}

	close(rc.stop)
	<-rc.done

	rc.logger.Debug("Runtime metrics collection stopped")
	return nil
}

func (rc *RuntimeCollector) IsRunning() bool {
	return RuntimeState(rc.state.Load()) == RuntimeStateRunning
}

func (rc *RuntimeCollector) collectLoop() {
	defer close(rc.done)

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()

	for {
		select {
		case <-ticker.C:
			rc.collect()
		case <-rc.stop:
			return
		case <-rc.ctx.Done():
			return
		}
	}
}

func (rc *RuntimeCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	gauges := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{"runtime_memory_bytes", map[string]string{"type": "heap_inuse"}, float64(m.HeapInuse)},
		{"runtime_memory_bytes", map[string]string{"type": "heap_alloc"}, float64(m.HeapAlloc)},
		{"runtime_memory_bytes", map[string]string{"type": "sys"}, float64(m.Sys)},
		{"runtime_memory_bytes", map[string]string{"type": "stack_inuse"}, float64(m.StackInuse)},
		{"runtime_heap_objects", nil, float64(m.HeapObjects)},
		{"runtime_goroutines", nil, float64(runtime.NumGoroutine())},
		{"runtime_uptime_seconds", nil, time.Since(rc.startTime).Seconds()},
	}

	for _, gauge := range gauges {
		rc.metrics.Gauge(gauge.name, gauge.labels).Set(gauge.value)
	}

	if m.NumGC != rc.lastGCCount {
		rc.metrics.Gauge("runtime_gc_cycles", nil).Set(float64(m.NumGC))
		rc.lastGCCount = m.NumGC

		lastPause := m.PauseNs[(m.NumGC+255)%256]
		if lastPause > 0 {
			rc.metrics.Histogram("runtime_gc_pause_seconds",
				[]float64{0.0001, 0.001, 0.01, 0.1},
				nil,
			).Observe(float64(lastPause) / 1e9)
		}
	}
}
