package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vary-cache/logger"
	"github.com/saiset-co/sai-vary-cache/types"
)

func newTestMemoryStore(t *testing.T, memory *types.MemoryConfig) (*MemoryStore, *testClock) {
	t.Helper()

	config := DefaultStoreConfig("memory")
	config.Memory = memory

	store, err := NewMemoryStore(logger.NewNopLogger(), config)
	require.NoError(t, err)

	clock := &testClock{now: testStart}
	store.now = clock.Now

	return store, clock
}

func TestMemoryStoreArticleScenario(t *testing.T) {
	store, _ := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("article-1", "en", "Hello"), MaxStoreFor: 60 * time.Second},
		{Entry: localeEntry("article-1", "fr", "Bonjour"), MaxStoreFor: 60 * time.Second},
	}))

	entries, err := store.Get(ctx, "article-1", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, contents(entries))

	entries, err = store.Get(ctx, "article-1", types.Params{"locale": "de"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Delete(ctx, "article-1"))
	require.NoError(t, store.Delete(ctx, "article-1"))

	entries, err = store.Get(ctx, "article-1", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, store.resources)
}

func TestMemoryStoreDefaultVariantFirst(t *testing.T) {
	store, _ := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "Hello"), MaxStoreFor: time.Minute},
		{Entry: types.Entry{ID: "a", Content: []byte("default"), Date: testStart}, MaxStoreFor: time.Minute},
	}))

	entries, err := store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "Hello"}, contents(entries))
}

func TestMemoryStoreKeepsNewestAndLaterOnTie(t *testing.T) {
	store, _ := newTestMemoryStore(t, nil)
	ctx := context.Background()

	older := localeEntry("a", "en", "older")
	older.Date = testStart.Add(-time.Minute)

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "first"), MaxStoreFor: time.Minute},
		{Entry: older, MaxStoreFor: time.Minute},
		{Entry: localeEntry("a", "en", "second"), MaxStoreFor: time.Minute},
	}))

	entries, err := store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, contents(entries))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store, clock := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "Hello"), MaxStoreFor: 30 * time.Second},
	}))

	entries, err := store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	clock.Advance(30 * time.Second)

	entries, err = store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, store.resources)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreFallbackDeleteAfter(t *testing.T) {
	store, clock := newTestMemoryStore(t, &types.MemoryConfig{FallbackDeleteAfter: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "Hello"), MaxStoreFor: types.StoreForever},
	}))

	clock.Advance(59 * time.Minute)
	entries, err := store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	clock.Advance(time.Minute)
	entries, err = store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreEvictionCleansMetadata(t *testing.T) {
	store, _ := newTestMemoryStore(t, &types.MemoryConfig{MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "a"), MaxStoreFor: time.Minute},
	}))
	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("b", "en", "b"), MaxStoreFor: time.Minute},
	}))
	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("c", "en", "c"), MaxStoreFor: time.Minute},
	}))

	assert.Equal(t, 2, store.Len())
	assert.NotContains(t, store.resources, "a")
	assert.Contains(t, store.resources, "b")
	assert.Equal(t, uint64(1), store.evictions.Load())

	entries, err := store.Get(ctx, "a", types.Params{"locale": "en"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreSweep(t *testing.T) {
	store, clock := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "short"), MaxStoreFor: 10 * time.Second},
		{Entry: localeEntry("a", "fr", "long"), MaxStoreFor: time.Hour},
		{Entry: localeEntry("b", "en", "short"), MaxStoreFor: 10 * time.Second},
	}))

	clock.Advance(time.Minute)

	result, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepResult{Resources: 1, ExpiredEntries: 2}, result)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreClose(t *testing.T) {
	store, _ := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, []types.StoreEntryInput{
		{Entry: localeEntry("a", "en", "Hello"), MaxStoreFor: time.Minute},
	}))

	require.NoError(t, store.Close(ctx))
	require.NoError(t, store.Close(ctx))

	_, err := store.Get(ctx, "a", nil)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = store.Sweep(ctx)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	assert.Empty(t, store.resources)
}
