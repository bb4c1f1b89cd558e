package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/vary"
)

type memoryEntry struct {
	entry      types.Entry
	id         string
	variantKey string
	expiresAt  time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// memoryResource tracks which variants of one resource are stored and the
// vary keys each was produced with.
type memoryResource struct {
	variants map[string]vary.Keys
}

// MemoryStore is an in-process VariantStore. Entries are bounded by an LRU and
// expire lazily on access or during Sweep.
type MemoryStore struct {
	logger    types.Logger
	config    *types.MemoryConfig
	mu        sync.Mutex
	entries   *lru.Cache[string, *memoryEntry]
	resources map[string]*memoryResource
	evictions atomic.Uint64
	now       func() time.Time
	closed    atomic.Bool
}

var (
	_ types.VariantStore = (*MemoryStore)(nil)
	_ types.Sweeper      = (*MemoryStore)(nil)
)

func NewMemoryStore(logger types.Logger, config *types.StoreConfig) (*MemoryStore, error) {
	if config == nil {
		config = DefaultStoreConfig("memory")
	}

	memoryConfig, err := memoryOptions(config)
	if err != nil {
		return nil, err
	}

	store := &MemoryStore{
		logger:    logger,
		config:    memoryConfig,
		resources: make(map[string]*memoryResource),
		now:       time.Now,
	}

	// The callback runs synchronously inside lru calls made under s.mu.
	entries, err := lru.NewWithEvict[string, *memoryEntry](memoryConfig.MaxEntries, store.onRemove)
	if err != nil {
		return nil, types.WrapError(err, "failed to create memory store")
	}
	store.entries = entries

	return store, nil
}

func memoryKey(id, variantKey string) string {
	return id + "\x00" + variantKey
}

func (s *MemoryStore) Get(ctx context.Context, id string, params types.Params) ([]types.Entry, error) {
	if s.closed.Load() {
		return nil, types.ErrStoreClosed
	}
	if id == "" {
		return nil, types.ErrResourceIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resource, ok := s.resources[id]
	if !ok {
		return []types.Entry{}, nil
	}

	now := s.now()
	variantKeys := requestedMemoryVariants(resource, params)
	entries := make([]types.Entry, 0, len(variantKeys))

	for _, variantKey := range variantKeys {
		key := memoryKey(id, variantKey)

		item, ok := s.entries.Get(key)
		if !ok {
			continue
		}

		if item.expired(now) {
			s.entries.Remove(key)
			continue
		}

		if !vary.Matches(item.entry.Vary, params) {
			s.logger.Warn("Stored entry does not match its variant key",
				zap.String("id", id), zap.String("variant_key", variantKey))
			continue
		}

		entries = append(entries, item.entry)
	}

	return entries, nil
}

// requestedMemoryVariants lists the variant keys params select, the default
// variant first.
func requestedMemoryVariants(resource *memoryResource, params types.Params) []string {
	seen := make(map[string]struct{})
	variantKeys := make([]string, 0, len(resource.variants))

	if _, ok := resource.variants[vary.DefaultVariantKey]; ok {
		seen[vary.DefaultVariantKey] = struct{}{}
		variantKeys = append(variantKeys, vary.DefaultVariantKey)
	}

	extra := make([]string, 0)
	for _, keys := range resource.variants {
		if keys.IsEmpty() {
			continue
		}

		variantKey, err := vary.RequestVariantKey(params, keys)
		if err != nil {
			continue
		}
		if _, ok := seen[variantKey]; ok {
			continue
		}

		seen[variantKey] = struct{}{}
		extra = append(extra, variantKey)
	}

	sort.Strings(extra)
	return append(variantKeys, extra...)
}

func (s *MemoryStore) Store(ctx context.Context, inputs []types.StoreEntryInput) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}

	batches, err := groupInputs(s.logger, inputs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for _, batch := range batches {
		for _, variantKey := range batch.order {
			item := batch.variants[variantKey]

			stored := &memoryEntry{
				entry:      item.input.Entry,
				id:         batch.id,
				variantKey: variantKey,
				expiresAt:  s.expiryOf(now, item.input.MaxStoreFor),
			}

			resource, ok := s.resources[batch.id]
			if !ok {
				resource = &memoryResource{variants: make(map[string]vary.Keys)}
				s.resources[batch.id] = resource
			}
			resource.variants[variantKey] = item.keys

			if evicted := s.entries.Add(memoryKey(batch.id, variantKey), stored); evicted {
				s.evictions.Add(1)
			}
		}
	}

	return nil
}

func (s *MemoryStore) expiryOf(now time.Time, maxStoreFor time.Duration) time.Time {
	if maxStoreFor < types.StoreForever {
		return now.Add(maxStoreFor)
	}
	if s.config.FallbackDeleteAfter > 0 {
		return now.Add(s.config.FallbackDeleteAfter)
	}
	return time.Time{}
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}
	if id == "" {
		return types.ErrResourceIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resource, ok := s.resources[id]
	if !ok {
		return nil
	}

	variantKeys := make([]string, 0, len(resource.variants))
	for variantKey := range resource.variants {
		variantKeys = append(variantKeys, variantKey)
	}

	for _, variantKey := range variantKeys {
		s.entries.Remove(memoryKey(id, variantKey))
	}

	// Variants already evicted have no entry left to trigger onRemove.
	delete(s.resources, id)

	return nil
}

// Sweep drops every expired entry.
func (s *MemoryStore) Sweep(ctx context.Context) (types.SweepResult, error) {
	var result types.SweepResult

	if s.closed.Load() {
		return result, types.ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for _, key := range s.entries.Keys() {
		item, ok := s.entries.Peek(key)
		if ok && item.expired(now) {
			s.entries.Remove(key)
			result.ExpiredEntries++
		}
	}

	result.Resources = len(s.resources)

	s.logger.Debug("Memory store swept",
		zap.Int("expired_entries", result.ExpiredEntries),
		zap.Int("resources", result.Resources),
		zap.Uint64("evictions", s.evictions.Load()))

	return result, nil
}

// Len reports how many entries are held, including expired ones not yet
// swept.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

func (s *MemoryStore) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	s.entries.Purge()
	s.mu.Unlock()

	s.logger.Info("Memory store closed")

	return nil
}

// onRemove keeps per-resource metadata in step with the LRU. s.mu is held by
// the caller.
func (s *MemoryStore) onRemove(_ string, item *memoryEntry) {
	resource, ok := s.resources[item.id]
	if !ok {
		return
	}

	delete(resource.variants, item.variantKey)
	if len(resource.variants) == 0 {
		delete(s.resources, item.id)
	}
}
