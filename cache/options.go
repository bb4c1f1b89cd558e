package cache

import (
	"time"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

const (
	DefaultExpectedClockSkew = 5 * time.Second

	defaultScheduleDelay = 2 * time.Second
	defaultThrottle      = 5 * time.Second
	defaultAttempts      = 2
	defaultBaseRetry     = 5 * time.Second
	defaultMaxTracked    = 100_000

	// Below this lifetime expiry is written in milliseconds, above it in
	// rounded seconds.
	millisecondExpiryLimit = 1000 * time.Second
)

// DefaultStoreConfig is used when a store is built without configuration.
func DefaultStoreConfig(storeType string) *types.StoreConfig {
	return &types.StoreConfig{
		Type:              storeType,
		ExpectedClockSkew: DefaultExpectedClockSkew,
	}
}

func cleanupOptions(config *types.StoreConfig) types.CleanupConfig {
	options := types.CleanupConfig{
		ScheduleDelay: defaultScheduleDelay,
		Throttle:      defaultThrottle,
		Attempts:      defaultAttempts,
		RetryDelay:    defaultBaseRetry + config.ExpectedClockSkew,
		MaxTracked:    defaultMaxTracked,
	}

	if config.Cleanup == nil {
		return options
	}

	if config.Cleanup.ScheduleDelay > 0 {
		options.ScheduleDelay = config.Cleanup.ScheduleDelay
	}
	if config.Cleanup.Throttle > 0 {
		options.Throttle = config.Cleanup.Throttle
	}
	if config.Cleanup.Attempts > 0 {
		options.Attempts = config.Cleanup.Attempts
	}
	if config.Cleanup.RetryDelay > 0 {
		options.RetryDelay = config.Cleanup.RetryDelay
	}
	if config.Cleanup.MaxTracked > 0 {
		options.MaxTracked = config.Cleanup.MaxTracked
	}

	return options
}

func redisOptions(config *types.StoreConfig) (*types.RedisConfig, error) {
	redisConfig := &types.RedisConfig{
		Addr:               "localhost:6379",
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
	}

	switch {
	case config.Redis != nil:
		overlay := *config.Redis
		if overlay.Addr == "" {
			overlay.Addr = redisConfig.Addr
		}
		if overlay.PoolSize == 0 {
			overlay.PoolSize = redisConfig.PoolSize
		}
		if overlay.MinIdleConnections == 0 {
			overlay.MinIdleConnections = redisConfig.MinIdleConnections
		}
		if overlay.DialTimeout == 0 {
			overlay.DialTimeout = redisConfig.DialTimeout
		}
		if overlay.ReadTimeout == 0 {
			overlay.ReadTimeout = redisConfig.ReadTimeout
		}
		if overlay.WriteTimeout == 0 {
			overlay.WriteTimeout = redisConfig.WriteTimeout
		}
		redisConfig = &overlay
	case config.Config != nil:
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	return redisConfig, nil
}

func memoryOptions(config *types.StoreConfig) (*types.MemoryConfig, error) {
	memoryConfig := &types.MemoryConfig{
		MaxEntries:          10_000,
		FallbackDeleteAfter: 24 * time.Hour,
	}

	switch {
	case config.Memory != nil:
		if config.Memory.MaxEntries > 0 {
			memoryConfig.MaxEntries = config.Memory.MaxEntries
		}
		if config.Memory.FallbackDeleteAfter > 0 {
			memoryConfig.FallbackDeleteAfter = config.Memory.FallbackDeleteAfter
		}
	case config.Config != nil:
		if err := utils.UnmarshalConfig(config.Config, memoryConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	return memoryConfig, nil
}
