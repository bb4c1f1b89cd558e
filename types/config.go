package types

import (
	"time"
)

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger" validate:"required"`
	Store   *StoreConfig   `yaml:"store" json:"store" validate:"required"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Sweeper *SweeperConfig `yaml:"sweeper" json:"sweeper"`
	Admin   *AdminConfig   `yaml:"admin" json:"admin"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error fatal"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type              string         `yaml:"type" json:"type" validate:"required"`
	KeyPrefix         string         `yaml:"key_prefix" json:"key_prefix"`
	ExpectedClockSkew time.Duration  `yaml:"expected_clock_skew" json:"expected_clock_skew" validate:"min=0"`
	Cleanup           *CleanupConfig `yaml:"cleanup" json:"cleanup"`
	Redis             *RedisConfig   `yaml:"redis" json:"redis"`
	Memory            *MemoryConfig  `yaml:"memory" json:"memory"`
	// Config carries settings for stores registered at runtime.
	Config interface{} `yaml:"config" json:"config"`
}

// CleanupConfig tunes the background reconciliation of the secondary indices.
// Zero values are replaced by defaults derived from ExpectedClockSkew.
type CleanupConfig struct {
	ScheduleDelay time.Duration `yaml:"schedule_delay" json:"schedule_delay" validate:"min=0"`
	Throttle      time.Duration `yaml:"throttle" json:"throttle" validate:"min=0"`
	Attempts      int           `yaml:"attempts" json:"attempts" validate:"min=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
	MaxTracked    int           `yaml:"max_tracked" json:"max_tracked" validate:"min=0"`
}

type RedisConfig struct {
	Addr               string        `yaml:"addr" json:"addr" validate:"required"`
	Username           string        `yaml:"username" json:"username"`
	Password           string        `yaml:"password" json:"password"`
	DB                 int           `yaml:"db" json:"db" validate:"min=0"`
	PoolSize           int           `yaml:"pool_size" json:"pool_size" validate:"min=0"`
	MinIdleConnections int           `yaml:"min_idle_connections" json:"min_idle_connections" validate:"min=0"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

type MemoryConfig struct {
	MaxEntries          int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	FallbackDeleteAfter time.Duration `yaml:"fallback_delete_after" json:"fallback_delete_after" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Spec     string        `yaml:"spec" json:"spec" validate:"required_if=Enabled true"`
	Timezone string        `yaml:"timezone" json:"timezone"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
}

type AdminConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"required_if=Enabled true,omitempty,min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
	// RequestTimeout bounds store operations issued through the admin API.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"min=0"`
	// Responses smaller than CompressionThreshold bytes are sent as is.
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold" validate:"min=0"`
}
