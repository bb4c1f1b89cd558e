package cache

import (
	"context"
	"sync"
	"time"

	"github.com/saiset-co/sai-vary-cache/types"
)

var (
	customStoreCreators   = make(map[string]types.VariantStoreCreator)
	customStoreCreatorsMu sync.RWMutex
)

// RegisterStore makes a store type selectable by name in NewStore.
func RegisterStore(storeType string, creator types.VariantStoreCreator) {
	customStoreCreatorsMu.Lock()
	defer customStoreCreatorsMu.Unlock()

	customStoreCreators[storeType] = creator
}

// NewStore builds the store selected by config.Type. When metrics is not nil
// every operation is counted and timed.
func NewStore(ctx context.Context, config *types.StoreConfig, logger types.Logger, metrics types.MetricsManager) (types.VariantStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var impl types.VariantStore
	var err error

	switch config.Type {
	case "memory":
		impl, err = NewMemoryStore(logger, config)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, config)
	default:
		customStoreCreatorsMu.RLock()
		creator, exists := customStoreCreators[config.Type]
		customStoreCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
		impl, err = creator(config, logger)
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedStore(logger, metrics, impl), nil
}

// Pinger is implemented by stores backed by a remote server.
type Pinger interface {
	Ping(ctx context.Context) error
}

type instrumentedStore struct {
	impl    types.VariantStore
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.VariantStore) *instrumentedStore {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (is *instrumentedStore) Get(ctx context.Context, id string, params types.Params) ([]types.Entry, error) {
	start := time.Now()
	entries, err := is.impl.Get(ctx, id, params)
	duration := time.Since(start)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case len(entries) > 0:
		result = "hit"
	}

	is.recordMetric("get", result, duration)
	return entries, err
}

func (is *instrumentedStore) Store(ctx context.Context, inputs []types.StoreEntryInput) error {
	start := time.Now()
	err := is.impl.Store(ctx, inputs)
	duration := time.Since(start)

	is.recordMetric("store", resultOf(err), duration)
	if err == nil {
		is.metrics.Counter("varycache_stored_entries_total", nil).Add(float64(len(inputs)))
	}

	return err
}

func (is *instrumentedStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := is.impl.Delete(ctx, id)
	duration := time.Since(start)

	is.recordMetric("delete", resultOf(err), duration)
	return err
}

func (is *instrumentedStore) Sweep(ctx context.Context) (types.SweepResult, error) {
	sweeper, ok := is.impl.(types.Sweeper)
	if !ok {
		return types.SweepResult{}, types.ErrSweepNotSupported
	}

	start := time.Now()
	result, err := sweeper.Sweep(ctx)
	duration := time.Since(start)

	is.recordMetric("sweep", resultOf(err), duration)
	is.metrics.Counter("varycache_sweep_removed_total", map[string]string{"index": "entry_keys"}).Add(float64(result.RemovedEntryKeys))
	is.metrics.Counter("varycache_sweep_removed_total", map[string]string{"index": "vary_keys_sets"}).Add(float64(result.RemovedVaryKeySets))
	is.metrics.Counter("varycache_sweep_removed_total", map[string]string{"index": "entries"}).Add(float64(result.ExpiredEntries))
	is.metrics.Gauge("varycache_sweep_resources", nil).Set(float64(result.Resources))

	return result, err
}

func (is *instrumentedStore) Cleanup(ctx context.Context, id string) (types.CleanupResult, error) {
	cleaner, ok := is.impl.(types.Cleaner)
	if !ok {
		return types.CleanupResult{}, types.ErrCleanupNotSupported
	}

	start := time.Now()
	result, err := cleaner.Cleanup(ctx, id)
	is.recordMetric("cleanup", resultOf(err), time.Since(start))

	return result, err
}

func (is *instrumentedStore) Ping(ctx context.Context) error {
	if pinger, ok := is.impl.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (is *instrumentedStore) Close(ctx context.Context) error {
	return is.impl.Close(ctx)
}

func (is *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	opCounter := is.metrics.Counter("varycache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := is.metrics.Histogram("varycache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
