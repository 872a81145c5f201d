// Package config handles loading and validating keyward configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for keyward.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.keyward/data. Override: KEYWARD_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error".
	Validation    ValidationConfig     `json:"validation" yaml:"validation"`
	Broker        BrokerConfig         `json:"broker" yaml:"broker"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = no persistence beyond the audit file
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = alerts are only logged
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ValidationConfig configures the validation orchestrator.
type ValidationConfig struct {
	TimeoutSeconds    int      `json:"timeout_seconds" yaml:"timeout_seconds"`         // Per-call timeout. Default: 10.
	RunTimeoutSeconds int      `json:"run_timeout_seconds" yaml:"run_timeout_seconds"` // Whole-run timeout. Default: 300.
	MaxConcurrency    int      `json:"max_concurrency" yaml:"max_concurrency"`         // Default: 10.
	CacheTTLSeconds   int      `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`     // Default: 3600.
	CacheMaxEntries   int      `json:"cache_max_entries" yaml:"cache_max_entries"`     // Default: 10000.
	BailThreshold     int      `json:"bail_threshold" yaml:"bail_threshold"`           // Consecutive auth failures before a provider is skipped. Default: 3.
	Strict            bool     `json:"strict" yaml:"strict"`                           // Run the self-test before any network call.
	Providers         []string `json:"providers,omitempty" yaml:"providers,omitempty"` // Restrict runs to these providers. Empty = all.
	EnvFile           string   `json:"env_file,omitempty" yaml:"env_file,omitempty"`   // Credentials to validate. Default: ./.env.
	Schedule          string   `json:"schedule,omitempty" yaml:"schedule,omitempty"`   // Cron expression for periodic revalidation in serve mode. Empty = disabled.
}

// Timeout returns the per-call timeout with a default of 10s.
func (v *ValidationConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// RunTimeout returns the whole-run timeout with a default of 5m.
func (v *ValidationConfig) RunTimeout() time.Duration {
	if v != nil && v.RunTimeoutSeconds > 0 {
		return time.Duration(v.RunTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Concurrency returns the max pairs validated at once, with a default of 10.
func (v *ValidationConfig) Concurrency() int {
	if v != nil && v.MaxConcurrency > 0 {
		return v.MaxConcurrency
	}
	return 10
}

// CacheTTL returns the validation cache TTL with a default of 1h.
func (v *ValidationConfig) CacheTTL() time.Duration {
	if v != nil && v.CacheTTLSeconds > 0 {
		return time.Duration(v.CacheTTLSeconds) * time.Second
	}
	return time.Hour
}

// CacheSize returns the validation cache capacity with a default of 10000.
func (v *ValidationConfig) CacheSize() int {
	if v != nil && v.CacheMaxEntries > 0 {
		return v.CacheMaxEntries
	}
	return 10000
}

// Bail returns the circuit breaker threshold with a default of 3.
func (v *ValidationConfig) Bail() int {
	if v != nil && v.BailThreshold > 0 {
		return v.BailThreshold
	}
	return 3
}

// BrokerConfig configures the scoped access broker.
type BrokerConfig struct {
	PolicyPath          string `json:"policy_path" yaml:"policy_path"`                       // Permission policy document. Default: ./.keyward_policy.json. Override: KEYWARD_POLICY env var.
	EnvFile             string `json:"env_file,omitempty" yaml:"env_file,omitempty"`         // Credential source (.env). Override: KEYWARD_ENV_FILE env var.
	VaultPath           string `json:"vault_path,omitempty" yaml:"vault_path,omitempty"`     // age-encrypted credential vault. Passphrase: KEYWARD_VAULT_PASSPHRASE.
	VaultPassphrase     string `json:"-" yaml:"-"`                                           // Only ever set from the environment.
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                       // Default: 127.0.0.1:8765. Override: KEYWARD_LISTEN_ADDR env var.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`                       // Serve OpenAPI docs.
	AlertThreshold      int64  `json:"alert_threshold" yaml:"alert_threshold"`               // Usage units per credential before an alert fires. 0 = disabled.
	SweepIntervalSecond int    `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Expired token sweep. Default: 60.

	// KV reads credentials from one HashiCorp Vault KV v2 path. nil = disabled.
	KV *KVSourceConfig `json:"kv,omitempty" yaml:"kv,omitempty"`
}

// KVSourceConfig configures the HashiCorp Vault credential source.
// Address, token and namespace may come from VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE instead.
type KVSourceConfig struct {
	Address       string `json:"address" yaml:"address"`
	Token         string `json:"-" yaml:"-"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	// Path is the full KV v2 API path, e.g. secret/data/agents.
	Path          string `json:"path" yaml:"path"`
	Timeout       string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// Addr returns the listen address with a loopback default.
func (b *BrokerConfig) Addr() string {
	if b != nil && b.ListenAddr != "" {
		return b.ListenAddr
	}
	return "127.0.0.1:8765"
}

// SweepInterval returns the expired token sweep interval with a default of 1m.
func (b *BrokerConfig) SweepInterval() time.Duration {
	if b != nil && b.SweepIntervalSecond > 0 {
		return time.Duration(b.SweepIntervalSecond) * time.Second
	}
	return time.Minute
}

// AuditConfig configures the append-only audit log.
type AuditConfig struct {
	Path         string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
	MaxSizeBytes int64  `json:"max_size_bytes" yaml:"max_size_bytes"` // Rotation threshold. Default: 10 MiB.
	Database     bool   `json:"database" yaml:"database"`             // Mirror events into the configured store.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/keyward.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KEYWARD_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// NotificationConfig configures where usage alerts are delivered.
type NotificationConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Webhook *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"` // nil = no generic webhook.
	Slack   *SlackConfig   `json:"slack,omitempty" yaml:"slack,omitempty"`     // nil = no Slack delivery.
}

// SlackConfig configures delivery to a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// WebhookConfig configures the webhook alert sender.
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"` // Override: KEYWARD_ALERT_WEBHOOK env var.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "keyward"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultPolicyFile is the policy document read when broker.policy_path is unset.
const DefaultPolicyFile = ".keyward_policy.json"

// DefaultConfigPath returns the default config file path (~/.keyward/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keyward.yaml"
	}
	return filepath.Join(home, ".keyward", "config.yaml")
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file yields the defaults. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KEYWARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KEYWARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KEYWARD_POLICY"); v != "" {
		c.Broker.PolicyPath = v
	}
	if v := os.Getenv("KEYWARD_ENV_FILE"); v != "" {
		c.Broker.EnvFile = v
		if c.Validation.EnvFile == "" {
			c.Validation.EnvFile = v
		}
	}
	if v := os.Getenv("KEYWARD_VAULT_PASSPHRASE"); v != "" {
		c.Broker.VaultPassphrase = v
	}
	if v := os.Getenv("KEYWARD_LISTEN_ADDR"); v != "" {
		c.Broker.ListenAddr = v
	}
	if v := os.Getenv("KEYWARD_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("KEYWARD_ALERT_WEBHOOK"); v != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{Enabled: true}
		}
		if c.Notification.Webhook == nil {
			c.Notification.Webhook = &WebhookConfig{}
		}
		c.Notification.Webhook.URL = v
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".keyward", "data")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Validation.EnvFile == "" {
		c.Validation.EnvFile = ".env"
	}
	if c.Broker.PolicyPath == "" {
		c.Broker.PolicyPath = DefaultPolicyFile
	}
	if c.Broker.EnvFile == "" && c.Broker.VaultPath == "" {
		c.Broker.EnvFile = ".env"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".keyward", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path, defaulting to the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "keyward.db")
}

// AuditLogPath returns the audit log path, defaulting to the data directory.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// AuditMaxSize returns the audit rotation threshold with a default of 10 MiB.
func (c *Config) AuditMaxSize() int64 {
	if c.Audit.MaxSizeBytes > 0 {
		return c.Audit.MaxSizeBytes
	}
	return 10 << 20
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	v := c.Validation
	if v.TimeoutSeconds < 0 || v.RunTimeoutSeconds < 0 {
		return fmt.Errorf("validation timeouts must not be negative")
	}
	if v.MaxConcurrency < 0 {
		return fmt.Errorf("validation.max_concurrency must not be negative")
	}
	if v.CacheTTLSeconds < 0 || v.CacheMaxEntries < 0 {
		return fmt.Errorf("validation cache settings must not be negative")
	}
	if v.BailThreshold < 0 {
		return fmt.Errorf("validation.bail_threshold must not be negative")
	}
	for i, p := range v.Providers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("validation.providers[%d] is empty", i)
		}
	}
	if c.Broker.AlertThreshold < 0 {
		return fmt.Errorf("broker.alert_threshold must not be negative")
	}
	if c.Broker.KV != nil && c.Broker.KV.Path == "" {
		return fmt.Errorf("broker.kv.path is required")
	}
	if c.Broker.VaultPath != "" && c.Broker.VaultPassphrase == "" {
		return fmt.Errorf("broker.vault_path requires KEYWARD_VAULT_PASSPHRASE")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set KEYWARD_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Audit.Database && c.Storage == nil {
		return fmt.Errorf("audit.database requires storage to be configured")
	}
	if c.Notification != nil && c.Notification.Enabled && c.Notification.Webhook != nil {
		if !strings.HasPrefix(c.Notification.Webhook.URL, "http://") && !strings.HasPrefix(c.Notification.Webhook.URL, "https://") {
			return fmt.Errorf("notification.webhook.url must be an http(s) URL")
		}
	}
	if c.Notification != nil && c.Notification.Enabled && c.Notification.Slack != nil {
		if !strings.HasPrefix(c.Notification.Slack.WebhookURL, "https://") {
			return fmt.Errorf("notification.slack.webhook_url must be an https URL")
		}
	}
	if t := c.tracing(); t != nil && t.Enabled {
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
