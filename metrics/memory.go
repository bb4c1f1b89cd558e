package metrics

import (
	"context"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

var _ types.MetricsManager = (*MemoryMetrics)(nil)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxMetrics      int           `yaml:"max_metrics" json:"max_metrics"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	CollectRuntime  bool          `yaml:"collect_runtime" json:"collect_runtime"`
	RuntimeInterval time.Duration `yaml:"runtime_interval" json:"runtime_interval"`
}

// MemoryMetrics keeps every instrument in process and serves a JSON snapshot.
type MemoryMetrics struct {
	ctx         context.Context
	logger      types.Logger
	config      *MemoryConfig
	constLabels map[string]string
	counters    map[string]*MemoryCounter
	gauges      map[string]*MemoryGauge
	histograms  map[string]*MemoryHistogram
	runtime     *RuntimeCollector
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	mu          sync.RWMutex
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*MemoryMetrics, error) {
	var memConfig = &MemoryConfig{
		MaxMetrics:      10000,
		CleanupInterval: time.Hour,
		RuntimeInterval: 15 * time.Second,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	metrics := &MemoryMetrics{
		ctx:         ctx,
		logger:      logger,
		config:      memConfig,
		constLabels: config.Labels,
		counters:    make(map[string]*MemoryCounter),
		gauges:      make(map[string]*MemoryGauge),
		histograms:  make(map[string]*MemoryHistogram),
	}

	metrics.state.Store(MemoryStateStopped)

	return metrics, nil
}

func (m *MemoryMetrics) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory metrics is already running")
		return types.ErrServerAlreadyRunning
	}

	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.cleanupRoutine()

	m.setState(MemoryStateRunning)

	if m.config.CollectRuntime {
		m.runtime = NewRuntimeCollector(m.ctx, m.logger, m, m.config.RuntimeInterval)
		if err := m.runtime.Start(); err != nil {
			m.logger.Warn("Failed to start runtime collection", zap.Error(err))
		}
	}

	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory metrics is not running")
		return types.ErrServerNotRunning
	}

	defer m.setState(MemoryStateStopped)

	if m.runtime != nil {
		if err := m.runtime.Stop(); err != nil {
			m.logger.Error("Failed to stop runtime collection", zap.Error(err))
		}
		m.runtime = nil
	}

	close(m.stopCleanup)
	<-m.cleanupDone

	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryMetrics) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryMetrics) setState(newState MemoryState) {
	m.state.Store(newState)
}

func (m *MemoryMetrics) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &MemoryCounter{name: name, labels: m.withConstLabels(labels)}
	m.counters[key] = counter

	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: m.withConstLabels(labels)}
	m.gauges[key] = gauge

	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  m.withConstLabels(labels),
		buckets: make([]float64, len(buckets)),
		counts:  make([]atomic.Uint64, len(buckets)+1),
	}
	copy(histogram.buckets, buckets)
	sort.Float64s(histogram.buckets)

	m.histograms[key] = histogram

	return histogram
}

func (m *MemoryMetrics) withConstLabels(labels map[string]string) map[string]string {
	if len(m.constLabels) == 0 {
		return labels
	}

	merged := make(map[string]string, len(labels)+len(m.constLabels))
	for k, v := range m.constLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

// Snapshot lists every instrument, ordered by name then labels.
func (m *MemoryMetrics) Snapshot() []types.MetricValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	values := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))

	for _, counter := range m.counters {
		values = append(values, types.MetricValue{
			Name: counter.name, Type: "counter", Value: counter.Get(), Labels: counter.labels, Timestamp: now,
		})
	}
	for _, gauge := range m.gauges {
		values = append(values, types.MetricValue{
			Name: gauge.name, Type: "gauge", Value: gauge.Get(), Labels: gauge.labels, Timestamp: now,
		})
	}
	for _, histogram := range m.histograms {
		values = append(values, types.MetricValue{
			Name: histogram.name, Type: "histogram", Value: histogram.GetSum(), Labels: histogram.labels, Timestamp: now,
		})
	}

	sort.Slice(values, func(i, j int) bool {
		if values[i].Name != values[j].Name {
			return values[i].Name < values[j].Name
		}
		return buildKey("", values[i].Labels) < buildKey("", values[j].Labels)
	})

	return values
}

// Handler serves the snapshot as JSON.
func (m *MemoryMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, types.ErrMetricsNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}

		data, err := utils.Marshal(m.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			m.logger.Error("Failed to write metrics", zap.Error(err))
		}
	})
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	if !m.IsRunning() {
		return nil, types.ErrMetricsNotRunning
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.MetricsStats{
		TotalMetrics:     len(m.counters) + len(m.gauges) + len(m.histograms),
		CounterMetrics:   len(m.counters),
		GaugeMetrics:     len(m.gauges),
		HistogramMetrics: len(m.histograms),
		LastUpdate:       time.Now(),
	}

	return utils.Marshal(stats)
}

func (m *MemoryMetrics) cleanupRoutine() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		}
	}
}

// performCleanup drops gauges past MaxMetrics. Counters and histograms are
// kept since dropping them would reset monotonic series.
func (m *MemoryMetrics) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.counters) + len(m.gauges) + len(m.histograms)
	if m.config.MaxMetrics <= 0 || total <= m.config.MaxMetrics {
		return
	}

	toRemove := total - m.config.MaxMetrics
	removed := 0

	for key := range m.gauges {
		if removed >= toRemove {
			break
		}
		delete(m.gauges, key)
		removed++
	}

	m.logger.Debug("Memory metrics cleanup completed", zap.Int("removed", removed))
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  atomic.Uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(c.value.Load())
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  atomic.Uint64
}

func (g *MemoryGauge) Set(value float64) {
	g.value.Store(math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.value, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.value, -1)
}

func (g *MemoryGauge) Add(value float64) {
	addFloat(&g.value, value)
}

func (g *MemoryGauge) Sub(value float64) {
	addFloat(&g.value, -value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(g.value.Load())
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []atomic.Uint64
	sum     atomic.Uint64
	count   atomic.Uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	h.count.Add(1)
	addFloat(&h.sum, value)

	bucketIndex := sort.SearchFloat64s(h.buckets, value)
	h.counts[bucketIndex].Add(1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return h.count.Load()
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(h.sum.Load())
}

// GetBuckets returns cumulative counts keyed by upper bound.
func (h *MemoryHistogram) GetBuckets() map[float64]uint64 {
	buckets := make(map[float64]uint64, len(h.buckets))

	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i].Load()
		buckets[bound] = cumulative
	}

	return buckets
}

func addFloat(target *atomic.Uint64, delta float64) {
	for {
		old := target.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if target.CompareAndSwap(old, next) {
			return
		}
	}
}
