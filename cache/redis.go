package cache

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/scheduler"
	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
	"github.com/saiset-co/sai-vary-cache/vary"
)

const sweepScanCount = 100

// RedisStore keeps every variant of a resource in its own Redis key so that
// Redis expires entries by itself. Resources with non-default variants also get
// two index keys, entryKeys and varyKeysSets (see keyBuilder); a background
// cleanup prunes them once the entries they point to are gone.
type RedisStore struct {
	client     redis.UniversalClient
	ownsClient bool
	logger     types.Logger
	keys       keyBuilder
	skew       time.Duration
	cleanup    types.CleanupConfig
	scheduler  *scheduler.Scheduler
	instanceID string
	now        func() time.Time
	closed     atomic.Bool
}

var (
	_ types.VariantStore = (*RedisStore)(nil)
	_ types.Sweeper      = (*RedisStore)(nil)
	_ types.Cleaner      = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis described by config. The client is
// closed together with the store.
func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (*RedisStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	redisConfig, err := redisOptions(config)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisConfig.Addr,
		Username:     redisConfig.Username,
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrStoreConnectFailed, "addr %s: %v", redisConfig.Addr, err)
	}

	store, err := newRedisStore(client, logger, config)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.ownsClient = true

	return store, nil
}

// NewRedisStoreWithClient builds a store on a caller-owned client, which Close
// leaves open. A nil config selects the defaults.
func NewRedisStoreWithClient(client redis.UniversalClient, logger types.Logger, config *types.StoreConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultStoreConfig("redis")
	}
	return newRedisStore(client, logger, config)
}

func newRedisStore(client redis.UniversalClient, logger types.Logger, config *types.StoreConfig) (*RedisStore, error) {
	if config.ExpectedClockSkew < 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "expected clock skew must not be negative, got %s", config.ExpectedClockSkew)
	}

	store := &RedisStore{
		client:     client,
		logger:     logger,
		keys:       newKeyBuilder(config.KeyPrefix),
		skew:       config.ExpectedClockSkew,
		cleanup:    cleanupOptions(config),
		instanceID: uuid.NewString(),
		now:        time.Now,
	}

	store.scheduler = scheduler.New(logger, store.runCleanup, scheduler.Options{
		Throttle:   store.cleanup.Throttle,
		Attempts:   store.cleanup.Attempts,
		RetryDelay: store.cleanup.RetryDelay,
		MaxTracked: store.cleanup.MaxTracked,
	})

	logger.Debug("Redis store created",
		zap.String("instance", store.instanceID),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Duration("expected_clock_skew", store.skew))

	return store, nil
}

func (r *RedisStore) InstanceID() string {
	return r.instanceID
}

// Get fetches the entries that could answer a request for id with params. It
// costs one round trip when the resource only has a default variant and two
// otherwise.
func (r *RedisStore) Get(ctx context.Context, id string, params types.Params) ([]types.Entry, error) {
	if r.closed.Load() {
		return nil, types.ErrStoreClosed
	}
	if id == "" {
		return nil, types.ErrResourceIDEmpty
	}

	r.logger.Debug("Querying default variant and vary keys sets", zap.String("id", id))

	pipe := r.client.Pipeline()
	setsCmd := pipe.SMembers(ctx, r.keys.varyKeysSets(id))
	defaultCmd := pipe.MGet(ctx, r.keys.variant(id, vary.DefaultVariantKey))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, types.WrapError(err, "failed to query resource")
	}

	entries := r.decodeEntries(id, params, defaultCmd.Val())

	variantKeys := r.requestVariantKeys(id, setsCmd.Val(), params)
	if len(variantKeys) == 0 {
		return entries, nil
	}

	storageKeys := make([]string, len(variantKeys))
	for i, variantKey := range variantKeys {
		storageKeys[i] = r.keys.variant(id, variantKey)
	}

	r.logger.Debug("Fetching non-default variants", zap.String("id", id), zap.Strings("variant_keys", variantKeys))

	values, err := r.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to fetch variants")
	}

	return append(entries, r.decodeEntries(id, params, values)...), nil
}

// requestVariantKeys returns the distinct non-default variant keys params
// select across the resource's vary-keys sets. An empty index means only the
// default variant can exist.
func (r *RedisStore) requestVariantKeys(id string, sets []string, params types.Params) []string {
	seen := make(map[string]struct{}, len(sets))
	variantKeys := make([]string, 0, len(sets))

	for _, set := range sets {
		keys, err := vary.ParseKeys(set)
		if err != nil {
			r.logger.Warn("Skipping unreadable vary keys set", zap.String("id", id), zap.String("set", set), zap.Error(err))
			continue
		}

		variantKey, err := vary.RequestVariantKey(params, keys)
		if err != nil {
			r.logger.Warn("Skipping vary keys set", zap.String("id", id), zap.String("set", set), zap.Error(err))
			continue
		}

		if variantKey == vary.DefaultVariantKey {
			continue
		}
		if _, ok := seen[variantKey]; ok {
			continue
		}

		seen[variantKey] = struct{}{}
		variantKeys = append(variantKeys, variantKey)
	}

	sort.Strings(variantKeys)
	return variantKeys
}

// decodeEntries keeps only entries whose vary map matches params, so a variant
// key collision can never hand out another variant's content.
func (r *RedisStore) decodeEntries(id string, params types.Params, values []interface{}) []types.Entry {
	entries := make([]types.Entry, 0, len(values))

	for _, value := range values {
		payload, ok := value.(string)
		if !ok {
			continue
		}

		var entry types.Entry
		if err := utils.Unmarshal([]byte(payload), &entry); err != nil {
			r.logger.Warn("Skipping undecodable entry",
				zap.String("id", id),
				zap.Error(types.Errorf(types.ErrEntryDecodeFailed, "%v", err)))
			continue
		}

		if !vary.Matches(entry.Vary, params) {
			r.logger.Warn("Skipping entry stored under a colliding variant key", zap.String("id", id))
			continue
		}

		entries = append(entries, entry)
	}

	return entries
}

// Store writes inputs with one MULTI/EXEC per resource id, all in a single
// pipeline. Commands failing inside a transaction are reported after the whole
// pipeline ran, so earlier resources may already be written.
func (r *RedisStore) Store(ctx context.Context, inputs []types.StoreEntryInput) error {
	if r.closed.Load() {
		return types.ErrStoreClosed
	}

	batches, err := groupInputs(r.logger, inputs)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	r.logger.Debug("Storing entries", zap.Int("inputs", len(inputs)), zap.Int("resources", len(batches)))

	now := r.now()
	nowMs := now.UnixMilli()

	type pendingCleanup struct {
		id    string
		after time.Duration
	}

	var cleanups []pendingCleanup

	pipe := r.client.Pipeline()
	execs := make([]*redis.Cmd, 0, len(batches))

	for _, batch := range batches {
		sets, err := batch.varyKeysSets()
		if err != nil {
			return err
		}

		pipe.Do(ctx, "multi")

		if len(sets) > 0 {
			args := make([]interface{}, 0, len(sets)+2)
			args = append(args, "sadd", r.keys.varyKeysSets(batch.id))
			for _, set := range sets {
				args = append(args, set)
			}
			pipe.Do(ctx, args...)
		}

		for _, variantKey := range batch.order {
			item := batch.variants[variantKey]
			storageKey := r.keys.variant(batch.id, variantKey)

			payload, err := utils.Marshal(item.input.Entry)
			if err != nil {
				return types.WrapError(err, "failed to encode entry for "+batch.id)
			}

			maxStoreFor := item.input.MaxStoreFor
			forever := maxStoreFor >= types.StoreForever
			expiresAtMs := nowMs + maxStoreFor.Milliseconds()
			isDefault := variantKey == vary.DefaultVariantKey

			if !isDefault {
				score := "inf"
				if !forever {
					score = strconv.FormatInt(expiresAtMs, 10)
				}
				pipe.Do(ctx, "zadd", r.keys.entryKeys(batch.id), score, storageKey)
			}

			pipe.Do(ctx, "set", storageKey, payload)

			switch {
			case maxStoreFor < millisecondExpiryLimit:
				pipe.Do(ctx, "pexpireat", storageKey, expiresAtMs)
			case !forever:
				expiresAtSec := int64(math.Round(float64(nowMs)/1000 + maxStoreFor.Seconds()))
				pipe.Do(ctx, "expireat", storageKey, expiresAtSec)
			}

			if !forever && !isDefault {
				cleanups = append(cleanups, pendingCleanup{id: batch.id, after: maxStoreFor + r.cleanup.ScheduleDelay})
			}
		}

		execs = append(execs, pipe.Do(ctx, "exec"))
	}

	_, execErr := pipe.Exec(ctx)

	for _, c := range cleanups {
		if err := r.scheduler.Schedule(c.id, c.after); err != nil {
			r.logger.Debug("Cleanup not scheduled", zap.String("id", c.id), zap.Error(err))
		}
	}

	if execErr != nil {
		return types.WrapError(execErr, "failed to store entries")
	}

	for i, exec := range execs {
		replies, err := exec.Slice()
		if err != nil {
			return types.WrapError(err, "failed to store entries for "+batches[i].id)
		}
		for _, reply := range replies {
			if replyErr, ok := reply.(error); ok {
				return types.WrapError(replyErr, "failed to store entries for "+batches[i].id)
			}
		}
	}

	r.logger.Debug("Stored entries", zap.Int("resources", len(batches)))

	return nil
}

// Delete removes every variant of id and both indices in one atomic script.
// Deleting a missing resource is not an error.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if r.closed.Load() {
		return types.ErrStoreClosed
	}
	if id == "" {
		return types.ErrResourceIDEmpty
	}

	keys := []string{
		r.keys.entryKeys(id),
		r.keys.varyKeysSets(id),
		r.keys.variant(id, vary.DefaultVariantKey),
	}

	deleted, err := deleteResourceScript.Run(ctx, r.client, keys).Int64()
	if err != nil {
		return types.WrapError(err, "failed to delete resource "+id)
	}

	r.logger.Debug("Deleted resource", zap.String("id", id), zap.Int64("deleted_keys", deleted))

	return nil
}

// Cleanup drops entryKeys members whose entry has expired and
// varyKeysSets members no remaining variant uses. Members that are due but
// whose entry still exists are left alone and reported as
// types.ErrCleanupPremature.
func (r *RedisStore) Cleanup(ctx context.Context, id string) (types.CleanupResult, error) {
	if r.closed.Load() {
		return types.CleanupResult{}, types.ErrStoreClosed
	}

	cutoffMs := r.now().Add(-r.skew).UnixMilli()
	keys := []string{r.keys.entryKeys(id), r.keys.varyKeysSets(id)}

	r.logger.Debug("Cleaning up resource",
		zap.String("id", id),
		zap.Int64("cutoff_ms", cutoffMs),
		zap.Duration("expected_clock_skew", r.skew))

	reply, err := cleanupResourceScript.Run(ctx, r.client, keys, cutoffMs, r.keys.variantKeyOffset(id)).Int64Slice()
	if err != nil {
		return types.CleanupResult{}, types.WrapError(err, "failed to clean up resource "+id)
	}
	if len(reply) != 3 {
		return types.CleanupResult{}, types.Errorf(types.ErrUnexpectedReplyType, "cleanup of %s returned %d values", id, len(reply))
	}

	result := types.CleanupResult{
		RemovedEntryKeys:   reply[0],
		RemovedVaryKeySets: reply[1],
		Premature:          reply[2],
	}

	if result.Premature > 0 {
		return result, types.Errorf(types.ErrCleanupPremature, "resource %s has %d entries past their recorded expiry", id, result.Premature)
	}

	return result, nil
}

func (r *RedisStore) runCleanup(ctx context.Context, id string) error {
	result, err := r.Cleanup(ctx, id)
	if err != nil {
		return err
	}

	r.logger.Debug("Cleaned up resource",
		zap.String("id", id),
		zap.Int64("removed_entry_keys", result.RemovedEntryKeys),
		zap.Int64("removed_vary_key_sets", result.RemovedVaryKeySets))

	return nil
}

// Sweep runs the cleanup for every resource under the prefix that has an
// entryKeys index. It recovers cleanups whose timers were lost with a
// previous process.
func (r *RedisStore) Sweep(ctx context.Context) (types.SweepResult, error) {
	var result types.SweepResult

	if r.closed.Load() {
		return result, types.ErrStoreClosed
	}

	var (
		cursor   uint64
		firstErr error
		pattern  = r.keys.entryKeysPattern()
	)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, sweepScanCount).Result()
		if err != nil {
			return result, types.WrapError(err, "failed to scan resources")
		}

		for _, key := range keys {
			id, ok := r.keys.idFromEntryKeys(key)
			if !ok {
				continue
			}

			result.Resources++

			cleaned, err := r.Cleanup(ctx, id)
			result.RemovedEntryKeys += int(cleaned.RemovedEntryKeys)
			result.RemovedVaryKeySets += int(cleaned.RemovedVaryKeySets)

			switch {
			case err == nil:
			case types.IsError(err, types.ErrCleanupPremature):
				r.logger.Debug("Sweep found unexpired entries", zap.String("id", id), zap.Int64("premature", cleaned.Premature))
			default:
				r.logger.Warn("Sweep failed to clean up resource", zap.String("id", id), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return result, types.WrapError(err, "sweep interrupted")
		}
	}

	r.logger.Info("Sweep completed",
		zap.String("instance", r.instanceID),
		zap.Int("resources", result.Resources),
		zap.Int("removed_entry_keys", result.RemovedEntryKeys),
		zap.Int("removed_vary_key_sets", result.RemovedVaryKeySets))

	return result, firstErr
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops scheduled cleanups and waits for running ones until ctx is done.
// It is safe to call more than once.
func (r *RedisStore) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := r.scheduler.Close(ctx)

	if r.ownsClient {
		if closeErr := r.client.Close(); closeErr != nil {
			r.logger.Error("Failed to close Redis client", zap.Error(closeErr))
			if err == nil {
				err = types.WrapError(closeErr, "failed to close redis client")
			}
		}
	}

	r.logger.Info("Redis store closed", zap.String("instance", r.instanceID))

	return err
}
