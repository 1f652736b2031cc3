// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	API     APIConfig     `mapstructure:"api"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Keyring KeyringConfig `mapstructure:"keyring"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// DryRun routes broadcasts to a faked handle while still reading
	// nonces and running simulations against the real endpoints.
	DryRun bool `mapstructure:"dry_run"`

	// Chains lists every chain the orchestrator serves. Scalar settings
	// come from env or file interchangeably; the chain list itself comes
	// from the config file.
	Chains []ChainConfig `mapstructure:"chains"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// APIConfig holds the control API configuration.
type APIConfig struct {
	Port               string        `mapstructure:"port"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
}

// RedisConfig holds Redis-related configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka-related configuration.
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	RequestsTopic  string `mapstructure:"requests_topic"`
	ConfirmedTopic string `mapstructure:"confirmed_topic"`
	FailedTopic    string `mapstructure:"failed_topic"`
}

// AlertsConfig holds alert delivery configuration.
type AlertsConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	MinLevel        string `mapstructure:"min_level"`
}

// VaultConfig holds the signing backend configuration.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

// KeyringConfig holds the local development keyring. Keys are hex-encoded
// private keys; never use this outside dev and tests.
type KeyringConfig struct {
	Keys []string `mapstructure:"keys"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// ChainConfig holds the per-chain submission settings.
type ChainConfig struct {
	// ID is the canonical chain identifier requests route on.
	ID string `mapstructure:"id"`
	// Name is a human-readable label for logs and alerts.
	Name string `mapstructure:"name"`
	// Endpoint is the chain endpoint descriptor. "memory://" selects the
	// in-process simulated endpoint; anything else is a JSON-RPC URL.
	Endpoint string `mapstructure:"endpoint"`
	// AccountConcurrency is the number of in-flight submissions allowed
	// per account. 1 gives strict per-account ordering.
	AccountConcurrency int `mapstructure:"account_concurrency"`
	// MaxOutstanding is the per-account reservation threshold. Reserve
	// reports exhaustion once this many numbers are outstanding.
	MaxOutstanding int `mapstructure:"max_outstanding"`
	// ReserveRetryBudget is how many reservation attempts a submission gets
	// before exhaustion becomes its terminal rejection.
	ReserveRetryBudget int `mapstructure:"reserve_retry_budget"`
	// QueueSize bounds the chain's intake queue.
	QueueSize int `mapstructure:"queue_size"`
	// MaxSimAttempts bounds simulation retries for inconclusive results.
	MaxSimAttempts int `mapstructure:"max_sim_attempts"`
	// MaxBroadcastAttempts bounds broadcast retries.
	MaxBroadcastAttempts int `mapstructure:"max_broadcast_attempts"`
	// ConfirmTimeout is how long a broadcast transaction may stay
	// unconfirmed before it is declared dropped.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	// PollInterval is the confirmation polling cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RPCTimeout bounds a single endpoint call.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
	// RPCRateLimit caps endpoint calls per second. 0 disables the cap.
	RPCRateLimit float64 `mapstructure:"rpc_rate_limit"`
	// ReconcileInterval is the background nonce reconciliation cadence.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// LoadOptions controls how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. When empty, config.yaml
	// is searched for in the working directory and /etc/txpilot.
	ConfigFile string
	// EnvFile is a dotenv file loaded before anything else. Missing files
	// are ignored.
	EnvFile string
	// EnvPrefix is the environment variable prefix.
	EnvPrefix string
}

// DefaultLoadOptions returns the standard load options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvFile:   ".env",
		EnvPrefix: "TXPILOT",
	}
}

// Load loads configuration with the default options.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from defaults, an optional config
// file, and environment variables, in increasing precedence.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		// Best effort: a missing .env is not an error.
		_ = godotenv.Load(opts.EnvFile)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/txpilot")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyChainDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")

	v.SetDefault("api.port", "8080")
	v.SetDefault("api.cors_allowed_origins", []string{"*"})
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.rate_window", time.Minute)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_group", "txpilot")
	v.SetDefault("kafka.requests_topic", "tx.requests")
	v.SetDefault("kafka.confirmed_topic", "tx.confirmed")
	v.SetDefault("kafka.failed_topic", "tx.failed")

	v.SetDefault("alerts.slack_webhook_url", "")
	v.SetDefault("alerts.min_level", "warning")

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")

	v.SetDefault("metrics.namespace", "txpilot")

	v.SetDefault("dry_run", false)
}

// Per-chain defaults. Zero values in the decoded config mean "unset".
const (
	DefaultAccountConcurrency   = 1
	DefaultMaxOutstanding       = 16
	DefaultReserveRetryBudget   = 3
	DefaultQueueSize            = 1024
	DefaultMaxSimAttempts       = 3
	DefaultMaxBroadcastAttempts = 3
	DefaultConfirmTimeout       = 90 * time.Second
	DefaultPollInterval         = 2 * time.Second
	DefaultRPCTimeout           = 10 * time.Second
	DefaultReconcileInterval    = 30 * time.Second
)

func (c *Config) applyChainDefaults() {
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		if ch.AccountConcurrency == 0 {
			ch.AccountConcurrency = DefaultAccountConcurrency
		}
		if ch.MaxOutstanding == 0 {
			ch.MaxOutstanding = DefaultMaxOutstanding
		}
		if ch.ReserveRetryBudget == 0 {
			ch.ReserveRetryBudget = DefaultReserveRetryBudget
		}
		if ch.QueueSize == 0 {
			ch.QueueSize = DefaultQueueSize
		}
		if ch.MaxSimAttempts == 0 {
			ch.MaxSimAttempts = DefaultMaxSimAttempts
		}
		if ch.MaxBroadcastAttempts == 0 {
			ch.MaxBroadcastAttempts = DefaultMaxBroadcastAttempts
		}
		if ch.ConfirmTimeout == 0 {
			ch.ConfirmTimeout = DefaultConfirmTimeout
		}
		if ch.PollInterval == 0 {
			ch.PollInterval = DefaultPollInterval
		}
		if ch.RPCTimeout == 0 {
			ch.RPCTimeout = DefaultRPCTimeout
		}
		if ch.ReconcileInterval == 0 {
			ch.ReconcileInterval = DefaultReconcileInterval
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}

	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == "" {
			return fmt.Errorf("chain with empty id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate chain id %q", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Endpoint == "" {
			return fmt.Errorf("chain %s: endpoint is required", ch.ID)
		}
		if ch.AccountConcurrency < 1 {
			return fmt.Errorf("chain %s: account_concurrency must be at least 1", ch.ID)
		}
		if ch.MaxOutstanding < ch.AccountConcurrency {
			return fmt.Errorf("chain %s: max_outstanding must be at least account_concurrency", ch.ID)
		}
		if ch.QueueSize < 1 {
			return fmt.Errorf("chain %s: queue_size must be at least 1", ch.ID)
		}
	}

	if c.Kafka.Enabled {
		if c.Kafka.Brokers == "" {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.RequestsTopic == "" {
			return fmt.Errorf("kafka.requests_topic is required when kafka is enabled")
		}
	}

	return nil
}

// Chain returns the configuration for the given chain ID.
func (c *Config) Chain(id string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
