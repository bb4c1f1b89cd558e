package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-vary-cache/types"
)

// Environment variables applied after the file, so deployments can keep
// secrets out of it.
const (
	EnvRedisAddr     = "VARYCACHE_REDIS_ADDR"
	EnvRedisPassword = "VARYCACHE_REDIS_PASSWORD"
	EnvKeyPrefix     = "VARYCACHE_KEY_PREFIX"
	EnvLogLevel      = "VARYCACHE_LOG_LEVEL"
)

type Loader struct {
	validator *validator.Validate
	lookupEnv func(key string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv: os.LookupEnv,
	}
}

// LoadFromFile reads configPath over Defaults, applies environment overrides
// and validates the result. An empty path loads the defaults alone.
func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return l.Load(nil)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.Load(data)
}

func (l *Loader) Load(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
		}
	}

	l.applyEnv(config)

	if err := l.validator.Struct(config); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) applyEnv(config *types.ServiceConfig) {
	if value, ok := l.lookupEnv(EnvKeyPrefix); ok {
		config.Store.KeyPrefix = value
	}

	if value, ok := l.lookupEnv(EnvLogLevel); ok && value != "" {
		config.Logger.Level = value
	}

	addr, hasAddr := l.lookupEnv(EnvRedisAddr)
	password, hasPassword := l.lookupEnv(EnvRedisPassword)
	if !hasAddr && !hasPassword {
		return
	}

	if config.Store.Redis == nil {
		config.Store.Redis = &types.RedisConfig{}
	}
	if hasAddr && addr != "" {
		config.Store.Redis.Addr = addr
	}
	if hasPassword {
		config.Store.Redis.Password = password
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "varycache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Store: &types.StoreConfig{
			Type:              "redis",
			KeyPrefix:         "varycache",
			ExpectedClockSkew: 5 * time.Second,
			Redis: &types.RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "prometheus",
		},
		Sweeper: &types.SweeperConfig{
			Enabled:  false,
			Spec:     "@every 10m",
			Timezone: "UTC",
			Timeout:  5 * time.Minute,
		},
		Admin: &types.AdminConfig{
			Enabled:         false,
			Host:            "0.0.0.0",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     time.Minute,
			ShutdownTimeout: 5 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
	}
}
