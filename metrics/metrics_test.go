package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vary-cache/logger"
	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

func newStartedManager(t *testing.T, metricsType string) *Manager {
	t.Helper()

	manager, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true,
		Type:    metricsType,
		Labels:  map[string]string{"service": "test"},
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() { _ = manager.Stop() })

	return manager
}

func serve(t *testing.T, handler http.Handler) (int, string) {
	t.Helper()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(recorder.Result().Body)
	require.NoError(t, err)

	return recorder.Code, string(body)
}

func TestNewManagerRejectsDisabledAndUnknown(t *testing.T) {
	_, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: false}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	_, err = NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "statsd"}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)

	_, err = NewManager(context.Background(), nil, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}

func TestManagerHandsOutNoopInstrumentsWhenStopped(t *testing.T) {
	manager, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "memory"}, logger.NewNopLogger())
	require.NoError(t, err)

	counter := manager.Counter("requests_total", nil)
	counter.Inc()
	assert.Zero(t, counter.Get())
	assert.IsType(t, &emptyCounter{}, counter)

	_, err = manager.GetStats()
	assert.ErrorIs(t, err, types.ErrMetricsNotRunning)

	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestManagerStartTwice(t *testing.T) {
	manager := newStartedManager(t, "memory")

	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)
}

func TestRegisterMetricsManager(t *testing.T) {
	var received interface{}
	RegisterMetricsManager("custom", func(config interface{}) (types.MetricsManager, error) {
		received = config
		return NewMemoryMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{})
	})

	config := &types.MetricsConfig{Enabled: true, Type: "custom"}
	manager, err := NewManager(context.Background(), config, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Same(t, config, received)

	require.NoError(t, manager.Start())
	manager.Counter("custom_total", nil).Add(2)
	assert.Equal(t, 2.0, manager.Counter("custom_total", nil).Get())
	require.NoError(t, manager.Stop())
}

func TestMemoryInstruments(t *testing.T) {
	manager := newStartedManager(t, "memory")

	manager.Counter("ops_total", map[string]string{"operation": "get"}).Inc()
	manager.Counter("ops_total", map[string]string{"operation": "get"}).Add(2.5)
	manager.Counter("ops_total", map[string]string{"operation": "store"}).Inc()
	assert.Equal(t, 3.5, manager.Counter("ops_total", map[string]string{"operation": "get"}).Get())
	assert.Equal(t, 1.0, manager.Counter("ops_total", map[string]string{"operation": "store"}).Get())

	gauge := manager.Gauge("resources", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Sub(3)
	assert.Equal(t, 8.0, gauge.Get())

	histogram := manager.Histogram("duration_seconds", []float64{0.1, 1}, nil)
	histogram.Observe(0.05)
	histogram.Observe(0.5)
	histogram.Observe(5)
	assert.Equal(t, uint64(3), histogram.GetCount())
	assert.InDelta(t, 5.55, histogram.GetSum(), 1e-9)

	buckets := histogram.(*MemoryHistogram).GetBuckets()
	assert.Equal(t, map[float64]uint64{0.1: 1, 1: 2}, buckets)

	data, err := manager.GetStats()
	require.NoError(t, err)

	var stats types.MetricsStats
	require.NoError(t, utils.Unmarshal(data, &stats))
	assert.Equal(t, 4, stats.TotalMetrics)
	assert.Equal(t, 2, stats.CounterMetrics)
}

func TestMemoryHandlerServesSnapshot(t *testing.T) {
	manager := newStartedManager(t, "memory")

	manager.Counter("ops_total", map[string]string{"operation": "get"}).Inc()
	manager.Gauge("resources", nil).Set(4)

	code, body := serve(t, manager.Handler())
	require.Equal(t, http.StatusOK, code)

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal([]byte(body), &values))
	require.Len(t, values, 2)

	assert.Equal(t, "ops_total", values[0].Name)
	assert.Equal(t, "counter", values[0].Type)
	assert.Equal(t, map[string]string{"operation": "get", "service": "test"}, values[0].Labels)
	assert.Equal(t, "resources", values[1].Name)
	assert.Equal(t, 4.0, values[1].Value)
}

func TestMemoryHandlerUnavailableWhenStopped(t *testing.T) {
	metrics, err := NewMemoryMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{})
	require.NoError(t, err)

	code, _ := serve(t, metrics.Handler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMemoryCleanupDropsGaugesPastLimit(t *testing.T) {
	metrics, err := NewMemoryMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{
		Config: map[string]interface{}{"max_metrics": 2},
	})
	require.NoError(t, err)

	metrics.Counter("a_total", nil).Inc()
	metrics.Gauge("b", nil).Set(1)
	metrics.Gauge("c", nil).Set(1)

	metrics.performCleanup()

	assert.Len(t, metrics.counters, 1)
	assert.Len(t, metrics.gauges, 1)
}

func TestRuntimeCollectorPublishesGauges(t *testing.T) {
	metrics, err := NewMemoryMetrics(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{})
	require.NoError(t, err)
	require.NoError(t, metrics.Start())
	defer metrics.Stop()

	collector := NewRuntimeCollector(context.Background(), logger.NewNopLogger(), metrics, time.Hour)
	require.NoError(t, collector.Start())
	assert.ErrorIs(t, collector.Start(), types.ErrServerAlreadyRunning)

	assert.Eventually(t, func() bool {
		return metrics.Gauge("runtime_goroutines", nil).Get() > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, collector.Stop())
	assert.False(t, collector.IsRunning())
}

func TestPrometheusHandlerExposesSeries(t *testing.T) {
	manager := newStartedManager(t, "prometheus")

	manager.Counter("varycache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Inc()
	manager.Counter("varycache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Inc()
	manager.Histogram("varycache_operation_duration_seconds", []float64{0.1, 1}, map[string]string{"operation": "get"}).Observe(0.2)

	assert.Equal(t, 2.0, manager.Counter("varycache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Get())

	histogram := manager.Histogram("varycache_operation_duration_seconds", []float64{0.1, 1}, map[string]string{"operation": "get"})
	assert.Equal(t, uint64(1), histogram.GetCount())
	assert.InDelta(t, 0.2, histogram.GetSum(), 1e-9)

	code, body := serve(t, manager.Handler())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `varycache_operations_total{operation="get",result="hit",service="test"} 2`)
	assert.Contains(t, body, `varycache_operation_duration_seconds_count{operation="get",service="test"} 1`)
}

func TestManagerStopReturnsNoopInstrumentsAndRestarts(t *testing.T) {
	manager, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "memory"}, logger.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, manager.Start())
	manager.Counter("sweeps_total", nil).Inc()
	require.NoError(t, manager.Stop())

	assert.False(t, manager.IsRunning())
	assert.IsType(t, &emptyCounter{}, manager.Counter("sweeps_total", nil))

	require.NoError(t, manager.Start())
	defer manager.Stop()
	assert.Equal(t, 1.0, manager.Counter("sweeps_total", nil).Get())
}
