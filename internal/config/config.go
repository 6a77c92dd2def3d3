package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
)

type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Transport TransportConfig `yaml:"transport"`
	Rules     []RuleConfig    `yaml:"rules"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BrokerConfig sets the restrictions targets are launched under and the
// compiled policy's capacity.
type BrokerConfig struct {
	TokenLevel string `yaml:"token_level"`
	JobLevel   string `yaml:"job_level"`
	Integrity  string `yaml:"integrity"`
	// PolicyBufferSize accepts byte sizes such as "56KiB".
	PolicyBufferSize string `yaml:"policy_buffer_size"`
	// UserSID resolves HKEY_CURRENT_USER in registry rules.
	UserSID string `yaml:"user_sid"`
}

type TransportConfig struct {
	// Address is a named pipe path on Windows and a unix socket path
	// elsewhere.
	Address string `yaml:"address"`
}

// RuleConfig is one rule declaration, e.g. files / allow_readonly /
// C:\data\*.
type RuleConfig struct {
	Subsystem string `yaml:"subsystem"`
	Semantics string `yaml:"semantics"`
	Pattern   string `yaml:"pattern"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

type AuditConfig struct {
	Enabled    bool             `yaml:"enabled"`
	JSONL      AuditJSONLConfig `yaml:"jsonl"`
	SQLitePath string           `yaml:"sqlite_path"`
}

type AuditJSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSize    string `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Rule is a validated rule declaration.
type Rule struct {
	Subsystem policy.Subsystem
	Semantics policy.Semantics
	Pattern   string
}

// Limits are the parsed broker levels.
type Limits struct {
	Token     ntapi.TokenLevel
	Job       ntapi.JobLevel
	Integrity ntapi.IntegrityLevel
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// DefaultAddress is the platform's default transport address.
func DefaultAddress() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\agentsh-broker`
	}
	return filepath.Join(os.TempDir(), "agentsh-broker.sock")
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.TokenLevel == "" {
		cfg.Broker.TokenLevel = ntapi.UserLockdown.String()
	}
	if cfg.Broker.JobLevel == "" {
		cfg.Broker.JobLevel = ntapi.JobLockdown.String()
	}
	if cfg.Broker.Integrity == "" {
		cfg.Broker.Integrity = ntapi.IntegrityLow.String()
	}
	if cfg.Broker.PolicyBufferSize == "" {
		cfg.Broker.PolicyBufferSize = "56KiB"
	}

	if cfg.Transport.Address == "" {
		cfg.Transport.Address = DefaultAddress()
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Audit.JSONL.MaxSize == "" {
		cfg.Audit.JSONL.MaxSize = "64MiB"
	}
	if cfg.Audit.JSONL.MaxBackups == 0 {
		cfg.Audit.JSONL.MaxBackups = 3
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9464"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTSH_BROKER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTSH_BROKER_ADDR"); v != "" {
		cfg.Transport.Address = v
	}
	if v := os.Getenv("AGENTSH_BROKER_USER_SID"); v != "" {
		cfg.Broker.UserSID = v
	}
	if v := os.Getenv("AGENTSH_BROKER_DATA_DIR"); v != "" {
		cfg.Audit.JSONL.Path = filepath.Join(v, "events.jsonl")
		cfg.Audit.SQLitePath = filepath.Join(v, "events.db")
	}
}

func validateConfig(cfg *Config) error {
	if _, err := cfg.Limits(); err != nil {
		return err
	}
	if _, err := cfg.BufferSize(); err != nil {
		return err
	}
	if _, err := cfg.CompiledRules(); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if cfg.Audit.Enabled && cfg.Audit.JSONL.Path == "" && cfg.Audit.SQLitePath == "" {
		return fmt.Errorf("audit.enabled requires audit.jsonl.path or audit.sqlite_path")
	}
	if _, err := ParseByteSize(cfg.Audit.JSONL.MaxSize); err != nil {
		return fmt.Errorf("audit.jsonl.max_size: %w", err)
	}
	if cfg.Audit.JSONL.MaxBackups < 0 {
		return fmt.Errorf("audit.jsonl.max_backups must be >= 0")
	}
	return nil
}

// Limits parses the broker levels.
func (c *Config) Limits() (Limits, error) {
	tok, err := ntapi.ParseTokenLevel(c.Broker.TokenLevel)
	if err != nil {
		return Limits{}, fmt.Errorf("broker.token_level: %w", err)
	}
	job, err := ntapi.ParseJobLevel(c.Broker.JobLevel)
	if err != nil {
		return Limits{}, fmt.Errorf("broker.job_level: %w", err)
	}
	il, err := ntapi.ParseIntegrityLevel(c.Broker.Integrity)
	if err != nil {
		return Limits{}, fmt.Errorf("broker.integrity: %w", err)
	}
	return Limits{Token: tok, Job: job, Integrity: il}, nil
}

// BufferSize returns the policy buffer capacity in bytes.
func (c *Config) BufferSize() (int, error) {
	n, err := ParseByteSize(c.Broker.PolicyBufferSize)
	if err != nil {
		return 0, fmt.Errorf("broker.policy_buffer_size: %w", err)
	}
	if n < 4096 || n > 16<<20 {
		return 0, fmt.Errorf("broker.policy_buffer_size %s out of range", c.Broker.PolicyBufferSize)
	}
	return int(n), nil
}

// CompiledRules resolves every rule declaration's subsystem and semantics.
func (c *Config) CompiledRules() ([]Rule, error) {
	rules := make([]Rule, 0, len(c.Rules))
	for i, rc := range c.Rules {
		sub, err := policy.ParseSubsystem(rc.Subsystem)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		sem, err := policy.ParseSemantics(sub, rc.Semantics)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if strings.TrimSpace(rc.Pattern) == "" {
			return nil, fmt.Errorf("rules[%d]: empty pattern", i)
		}
		rules = append(rules, Rule{Subsystem: sub, Semantics: sem, Pattern: rc.Pattern})
	}
	return rules, nil
}

// JSONLMaxSizeMB returns audit.jsonl.max_size rounded up to whole MiB.
func (c *Config) JSONLMaxSizeMB() int {
	n, err := ParseByteSize(c.Audit.JSONL.MaxSize)
	if err != nil || n <= 0 {
		return 0
	}
	return int((n + (1 << 20) - 1) >> 20)
}
