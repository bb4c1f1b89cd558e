package metrics

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
)

var _ types.MetricsManager = (*Manager)(nil)

// Manager owns the configured backend. Instruments obtained while it is not
// running are no-ops, so store code never has to check whether metrics are on.
type Manager struct {
	logger  types.Logger
	backend types.MetricsManager
	kind    string
	mu      sync.Mutex
	running atomic.Bool
}

var backendCreators = sync.Map{}

// RegisterMetricsManager makes a backend selectable by metrics.type.
func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	backendCreators.Store(name, creator)
}

func NewManager(ctx context.Context, config *types.MetricsConfig, logger types.Logger) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	backend, err := newBackend(ctx, config, logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	logger.Info("Metrics manager initialized", zap.String("type", config.Type))

	return &Manager{logger: logger, backend: backend, kind: config.Type}, nil
}

func newBackend(ctx context.Context, config *types.MetricsConfig, logger types.Logger) (types.MetricsManager, error) {
	switch config.Type {
	case "memory":
		return NewMemoryMetrics(ctx, logger, config)
	case "prometheus":
		return NewPrometheusMetrics(logger, config)
	}

	creator, ok := backendCreators.Load(config.Type)
	if !ok {
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
	}
	return creator.(types.MetricsManagerCreator)(config)
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return types.ErrServerAlreadyRunning
	}

	if err := m.backend.Start(); err != nil {
		return types.WrapError(err, "failed to start metrics manager")
	}

	m.running.Store(true)
	m.logger.Info("Metrics manager started", zap.String("type", m.kind))
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return types.ErrServerNotRunning
	}
	m.running.Store(false)

	if err := m.backend.Stop(); err != nil {
		m.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		return nil
	}

	m.logger.Info("Metrics manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

func (m *Manager) Counter(name string, labels map[string]string) types.Counter {
	if m.IsRunning() {
		return m.backend.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (m *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if m.IsRunning() {
		return m.backend.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (m *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if m.IsRunning() {
		return m.backend.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

// Handler serves the backend's exposition format; it answers even while
// stopped so scrapers see the last values.
func (m *Manager) Handler() http.Handler {
	return m.backend.Handler()
}

func (m *Manager) GetStats() ([]byte, error) {
	if m.IsRunning() {
		return m.backend.GetStats()
	}
	return nil, types.ErrMetricsNotRunning
}

type emptyCounter struct{}

func (emptyCounter) Inc()          {}
func (emptyCounter) Add(_ float64) {}
func (emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (emptyGauge) Set(_ float64) {}
func (emptyGauge) Inc()          {}
func (emptyGauge) Dec()          {}
func (emptyGauge) Add(_ float64) {}
func (emptyGauge) Sub(_ float64) {}
func (emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (emptyHistogram) Observe(_ float64)           {}
func (emptyHistogram) ObserveDuration(_ time.Time) {}
func (emptyHistogram) GetCount() uint64            { return 0 }
func (emptyHistogram) GetSum() float64             { return 0 }
