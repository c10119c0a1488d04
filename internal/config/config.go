// Package config loads the engine configuration from a YAML file named by
// CONFIG_PATH, with environment overrides under the MERIDIAN_ prefix and
// code-level defaults merged in.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meridianhq/meridian/internal/db"
	"github.com/meridianhq/meridian/internal/embeddings"
	"github.com/meridianhq/meridian/internal/policy"
	"github.com/meridianhq/meridian/internal/vectordb"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config/meridian.yaml"

// LoggingConfig controls the zap logger construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig points at the distributed cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IntentConfig locates the classification rules.
type IntentConfig struct {
	RulesPath string  `mapstructure:"rules_path"`
	Threshold float64 `mapstructure:"threshold"`
}

// WorkflowConfig locates workflow definitions.
type WorkflowConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// ExecutorConfig tunes workflow execution.
type ExecutorConfig struct {
	PoolWidth int `mapstructure:"pool_width"`
}

// StreamingConfig tunes the progress fan-out.
type StreamingConfig struct {
	History int `mapstructure:"history"`
}

// CredentialConfig carries the sealing key for the tenant credential vault.
// SealingKey is hex or base64 and is normally injected via
// MERIDIAN_CREDENTIALS_SEALING_KEY rather than written to the file.
type CredentialConfig struct {
	SealingKey string `mapstructure:"sealing_key"`
}

// MetricsConfig controls the Prometheus endpoint of the demo binary.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is the full engine configuration.
type Config struct {
	Environment string            `mapstructure:"environment"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    db.Config         `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Embeddings  embeddings.Config `mapstructure:"embeddings"`
	VectorDB    vectordb.Config   `mapstructure:"vectordb"`
	Policy      policy.Config     `mapstructure:"policy"`
	Intent      IntentConfig      `mapstructure:"intent"`
	Workflows   WorkflowConfig    `mapstructure:"workflows"`
	ToolSpecDir string            `mapstructure:"toolspec_dir"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Credentials CredentialConfig  `mapstructure:"credentials"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// Load reads the file named by CONFIG_PATH (default config/meridian.yaml).
// A missing file at the default path is not an error; defaults and
// environment overrides still apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return LoadFile(path, !explicit)
}

// LoadFile reads one config file. When optional is set, a missing file
// falls back to defaults.
func LoadFile(path string, optional bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !(optional && os.IsNotExist(err)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "meridian.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.default_model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 10*time.Second)
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 1000)

	v.SetDefault("vectordb.enabled", false)
	v.SetDefault("vectordb.host", "localhost")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.timeout", 5*time.Second)

	v.SetDefault("policy.window", time.Minute)
	v.SetDefault("policy.limits.READ", 100)
	v.SetDefault("policy.limits.WRITE", 20)
	v.SetDefault("policy.limits.MONEY_MOVE", 5)
	v.SetDefault("policy.hooks.enabled", false)
	v.SetDefault("policy.hooks.mode", "enforce")

	v.SetDefault("intent.rules_path", "config/intents.yaml")
	v.SetDefault("intent.threshold", 0.7)

	v.SetDefault("workflows.dir", "workflows")
	v.SetDefault("workflows.watch", false)
	v.SetDefault("toolspec_dir", "toolspecs")

	v.SetDefault("executor.pool_width", 4)
	v.SetDefault("streaming.history", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
}
