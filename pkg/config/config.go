package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quotient-labs/quotient/pkg/scoring"
)

// Duration wraps time.Duration so YAML configs can say "5m" instead of
// nanosecond integers.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `yaml:"server"`

	// Store Configuration
	Store StoreConfig `yaml:"store"`

	// SLA Configuration
	SLA SLAConfig `yaml:"sla"`

	// Scoring weights; zero values fall back to the stock weights.
	Scoring scoring.Weights `yaml:"scoring"`

	// Fallback Configuration
	Fallback FallbackConfig `yaml:"fallback"`

	// Audit Configuration
	Audit AuditConfig `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `yaml:"port"`
	MetricsPort     int      `yaml:"metrics_port"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the session storage backend
type StoreConfig struct {
	// Backend is one of memory, redis, sqlite.
	Backend string `yaml:"backend"`

	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SLAConfig holds the deadline policy
type SLAConfig struct {
	Window             Duration `yaml:"window"`
	ExtensionIncrement Duration `yaml:"extension_increment"`
	MaxExtensions      int      `yaml:"max_extensions"`
	SweepInterval      Duration `yaml:"sweep_interval"`
}

// FallbackConfig holds fallback resolver settings
type FallbackConfig struct {
	TierTimeout Duration `yaml:"tier_timeout"`
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	// KafkaBrokers enables the Kafka sink when non-empty; events always
	// go to the log sink as well.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// maxConfigSize bounds config file reads.
const maxConfigSize = 1 << 20

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// DefaultConfig returns a config with every default applied, used when no
// config file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 50
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 100
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "quotient:"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "quotient.db"
	}
	if c.SLA.Window == 0 {
		c.SLA.Window = Duration(5 * time.Minute)
	}
	if c.SLA.ExtensionIncrement == 0 {
		c.SLA.ExtensionIncrement = Duration(2 * time.Minute)
	}
	if c.SLA.MaxExtensions == 0 {
		c.SLA.MaxExtensions = 2
	}
	if c.SLA.SweepInterval == 0 {
		c.SLA.SweepInterval = Duration(30 * time.Second)
	}
	if c.Fallback.TierTimeout == 0 {
		c.Fallback.TierTimeout = Duration(3 * time.Second)
	}
	if c.Audit.KafkaTopic == "" {
		c.Audit.KafkaTopic = "quotient.audit"
	}
}

// applyEnv overrides settings from the environment when set.
func (c *Config) applyEnv() {
	if addr := os.Getenv("QUOTIENT_REDIS_ADDR"); addr != "" {
		c.Store.Redis.Addr = addr
	}
	if pw := os.Getenv("QUOTIENT_REDIS_PASSWORD"); pw != "" {
		c.Store.Redis.Password = pw
	}
	if backend := os.Getenv("QUOTIENT_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if brokers := os.Getenv("QUOTIENT_KAFKA_BROKERS"); brokers != "" {
		c.Audit.KafkaBrokers = splitCommaList(brokers)
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.SLA.MaxExtensions < 0 {
		return fmt.Errorf("sla.max_extensions must not be negative")
	}
	if c.SLA.Window <= 0 {
		return fmt.Errorf("sla.window must be positive")
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return fmt.Errorf("audit.kafka_topic is required when brokers are set")
	}
	return nil
}
