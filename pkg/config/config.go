package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Pool       PoolConfig       `yaml:"pool"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Refresher  RefresherConfig  `yaml:"refresher"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Auth       AuthConfig       `yaml:"auth"`
}

// UpstreamConfig points the OAuth/project/quota stand-in collaborators at
// the real Cloud Code endpoints and the fallback chain of base URLs the
// executor fails over across.
type UpstreamConfig struct {
	Endpoints        []string `yaml:"endpoints"`
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ProjectDiscoverURL string `yaml:"project_discover_url"`
	QuotaURL         string   `yaml:"quota_url"`
	StreamingModels  []string `yaml:"streaming_models"`
	Models           []string `yaml:"models"`
}

// AuthConfig configures client-facing authentication and the master key
// used to decrypt account credentials at rest.
type AuthConfig struct {
	// APIKeys are "ccr_"-prefixed keys previously issued by `ccrelay keys
	// create`. An empty list disables authentication on /v1 and /admin.
	APIKeys []string `yaml:"api_keys"`
	// MasterKeyEnv names the environment variable holding the master key
	// pkg/secure derives the credential-encryption key from.
	MasterKeyEnv string `yaml:"master_key_env"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	TLS  struct {
		Enabled bool   `yaml:"enabled"`
		Cert    string `yaml:"cert"`
		Key     string `yaml:"key"`
	} `yaml:"tls"`
}

// StorageConfig points at the account store on disk.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the optional shared token cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PoolConfig configures account selection.
type PoolConfig struct {
	Strategy string `yaml:"strategy"` // "round_robin", "sticky", "least_used", "quota_aware"
}

// ExecutorConfig configures the request executor's retry and backoff
// behavior. Field names track §6's tunable names directly so the mapping
// to the spec is obvious at a glance.
type ExecutorConfig struct {
	MaxRetries                int             `yaml:"max_retries"`
	MaxEmptyResponseRetries   int             `yaml:"max_empty_response_retries"`
	MaxWaitBeforeErrorMs      time.Duration   `yaml:"max_wait_before_error_ms"`
	MaxConsecutiveFailures    int             `yaml:"max_consecutive_failures"`
	ExtendedCooldownDuration  time.Duration   `yaml:"extended_cooldown_ms"`
	MaxCapacityRetries        int             `yaml:"max_capacity_retries"`
	CapacityRetryDelay        time.Duration   `yaml:"capacity_retry_delay_ms"`
	CapacityBackoffTiers      []time.Duration `yaml:"capacity_backoff_tiers_ms"`
	QuotaExhaustedBackoffTiers []time.Duration `yaml:"quota_exhausted_backoff_tiers_ms"`
	MinBackoff                time.Duration   `yaml:"min_backoff_ms"`
	RequestTimeout            time.Duration   `yaml:"request_timeout_ms"`
	NonStreamingTimeout       time.Duration   `yaml:"non_streaming_timeout_ms"`
	FallbackEnabled           bool            `yaml:"fallback_enabled"`
	StreamDrainTimeout        time.Duration   `yaml:"stream_drain_timeout_ms"`

	// ExtendedCooldownThreshold is loaded but not read anywhere; the
	// executor's extended-cooldown trip point comes from
	// MaxConsecutiveFailures.
	ExtendedCooldownThreshold int `yaml:"extended_cooldown_threshold"`
}

// RefresherConfig configures the periodic quota sweep.
type RefresherConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StaggerDelay time.Duration `yaml:"stagger_delay"`
}

// MonitoringConfig configures metrics and logging.
type MonitoringConfig struct {
	Prometheus struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"prometheus"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads configuration from configPath (or the default search path),
// falling back to defaults for anything unset, then overlays environment
// variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ccrelay")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("storage.path", "./data/accounts.json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("pool.strategy", "round_robin")

	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.max_empty_response_retries", 2)
	v.SetDefault("executor.max_wait_before_error_ms", "120s")
	v.SetDefault("executor.max_consecutive_failures", 5)
	v.SetDefault("executor.extended_cooldown_threshold", 5)
	v.SetDefault("executor.extended_cooldown_ms", "10m")
	v.SetDefault("executor.max_capacity_retries", 3)
	v.SetDefault("executor.capacity_retry_delay_ms", "1s")
	v.SetDefault("executor.capacity_backoff_tiers_ms", []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second})
	v.SetDefault("executor.quota_exhausted_backoff_tiers_ms", []time.Duration{60 * time.Second, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute})
	v.SetDefault("executor.min_backoff_ms", "500ms")
	v.SetDefault("executor.request_timeout_ms", "60s")
	v.SetDefault("executor.non_streaming_timeout_ms", "5m")
	v.SetDefault("executor.fallback_enabled", true)
	v.SetDefault("executor.stream_drain_timeout_ms", "5s")

	v.SetDefault("refresher.interval", "15m")
	v.SetDefault("refresher.stagger_delay", "2s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.port", 9090)
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "json")

	v.SetDefault("upstream.endpoints", []string{"https://cloudcode-pa.googleapis.com"})
	v.SetDefault("upstream.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("upstream.project_discover_url", "https://cloudcode-pa.googleapis.com/v1internal:discoverProjects")
	v.SetDefault("upstream.quota_url", "https://cloudcode-pa.googleapis.com/v1internal:checkQuota")
	v.SetDefault("upstream.models", []string{"claude-3-opus", "claude-3-sonnet", "claude-3-haiku"})
	v.SetDefault("upstream.streaming_models", []string{})

	v.SetDefault("auth.master_key_env", "CCRELAY_MASTER_KEY")
}

// Validate checks values that can't be caught by viper's unmarshal alone.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.TLS.Enabled {
		if _, err := os.Stat(c.Server.TLS.Cert); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate not found: %s", c.Server.TLS.Cert)
		}
		if _, err := os.Stat(c.Server.TLS.Key); os.IsNotExist(err) {
			return fmt.Errorf("TLS key not found: %s", c.Server.TLS.Key)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}

	switch c.Pool.Strategy {
	case "round_robin", "sticky", "least_used", "quota_aware", "":
	default:
		return fmt.Errorf("unknown pool strategy: %s", c.Pool.Strategy)
	}

	return nil
}
