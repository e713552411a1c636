package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ServiceName    = ""
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Providers               map[string]ProviderConfig `mapstructure:"providers"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Registry                RegistryConfig            `mapstructure:"registry"`
	Recovery                RecoveryConfig            `mapstructure:"recovery"`
	TickCache               TickCacheConfig           `mapstructure:"tick_cache"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

// ProviderConfig holds per upstream provider admission control and liveness
// settings. Each provider gets its own independent token bucket.
type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	MaxQPS         float64       `mapstructure:"max_qps"`
	BurstSize      int           `mapstructure:"burst_size"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
}

type RedisConfig struct {
	CacheDSN        string        `mapstructure:"cache_dsn"`
	MaxRetry        int           `mapstructure:"max_retry"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type RegistryConfig struct {
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RecoveryConfig struct {
	WorkerConcurrency  int              `mapstructure:"worker_concurrency"`
	MaxRetries         int              `mapstructure:"max_retries"`
	BackoffBase        time.Duration    `mapstructure:"backoff_base"`
	BackoffMax         time.Duration    `mapstructure:"backoff_max"`
	PollInterval       time.Duration    `mapstructure:"poll_interval"`
	JobTimeout         time.Duration    `mapstructure:"job_timeout"`
	BatchSize          int              `mapstructure:"batch_size"`
	MaxRecoveryWindow  time.Duration    `mapstructure:"max_recovery_window"`
	MaxDataPoints      int              `mapstructure:"max_data_points"`
	CompletedRetention int              `mapstructure:"completed_retention"`
	FailedRetention    int              `mapstructure:"failed_retention"`
	PriorityWeights    map[string]int64 `mapstructure:"priority_weights"`
	DegradedThreshold  int64            `mapstructure:"degraded_threshold"`
	UnhealthyThreshold int64            `mapstructure:"unhealthy_threshold"`
	QPSWindow          time.Duration    `mapstructure:"qps_window"`
	KeyPrefix          string           `mapstructure:"key_prefix"`
}

type TickCacheConfig struct {
	RetentionWindow    time.Duration `mapstructure:"retention_window"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	BreakerMinRequests uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailureRate float64       `mapstructure:"breaker_failure_rate"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
