// Package config provides configuration management for the speakloop API client.
// It loads the YAML configuration file, fills in defaults and applies
// environment overrides for credentials that should not live in the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8317"
	DefaultHealthPath     = "/health"
	DefaultTimeout        = 30 * time.Second
	DefaultUploadTimeout  = 120 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 10 * time.Second
	DefaultBackoffJitter  = 0.2
	DefaultSecretDir      = "~/.speakloop/secrets"
)

// Config represents the client's configuration, loaded from a YAML file.
type Config struct {
	// BaseURL is the root of the backend API, e.g. https://api.example.com/v1.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// HealthPath is appended to BaseURL by the connectivity prober.
	HealthPath string `yaml:"health-path" json:"health-path"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// RequestLog logs every physical HTTP attempt.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LoggingToFile redirects logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the log directory; 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	Request     RequestConfig     `yaml:"request" json:"request"`
	Backoff     BackoffConfig     `yaml:"backoff" json:"backoff"`
	SecretStore SecretStoreConfig `yaml:"secret-store" json:"secret-store"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		SecretStore: SecretStoreConfig{AllowInsecureFallback: true},
	}
	cfg.SanitizeDefaults()
	return cfg
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the YAML configuration at path. When optional is true
// a missing or empty file yields the default configuration instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			return Default(), nil
		}
		return nil, fmt.Errorf("config file %s is empty", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults applied. Keys missing
// from the document keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		SecretStore: SecretStoreConfig{AllowInsecureFallback: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.SanitizeDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SanitizeDefaults trims string fields and fills zero values with defaults.
func (cfg *Config) SanitizeDefaults() {
	if cfg == nil {
		return
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.HealthPath = strings.TrimSpace(cfg.HealthPath)
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(cfg.HealthPath, "/") {
		cfg.HealthPath = "/" + cfg.HealthPath
	}
	cfg.ProxyURL = strings.TrimSpace(cfg.ProxyURL)
	if cfg.LogsMaxTotalSizeMB < 0 {
		cfg.LogsMaxTotalSizeMB = 0
	}

	r := &cfg.Request
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.UploadTimeout <= 0 {
		r.UploadTimeout = DefaultUploadTimeout
	}
	if r.ProbeTimeout <= 0 {
		r.ProbeTimeout = DefaultProbeTimeout
	}
	if r.RefreshTimeout <= 0 {
		r.RefreshTimeout = DefaultRefreshTimeout
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}

	b := &cfg.Backoff
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.Jitter == 0 {
		b.Jitter = DefaultBackoffJitter
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}

	s := &cfg.SecretStore
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = "file"
	}
	s.Dir = strings.TrimSpace(s.Dir)
	if s.Dir == "" {
		s.Dir = DefaultSecretDir
	}
}

// Validate reports configuration values that cannot be used.
func (cfg *Config) Validate() error {
	switch cfg.SecretStore.Type {
	case "memory", "file", "encrypted", "postgres", "object", "git", "redis":
	default:
		return fmt.Errorf("config: unknown secret-store type %q", cfg.SecretStore.Type)
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("config: base-url must start with http:// or https://")
	}
	return nil
}

// LookupEnv returns the first non-empty value among keys.
func LookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// ApplyEnv overrides secret-store credentials from the environment. Setting
// PGSTORE_DSN, REDISSTORE_ADDR, GITSTORE_GIT_URL or OBJECTSTORE_ENDPOINT also
// selects that backend, in that order of preference.
func (cfg *Config) ApplyEnv(lookup func(keys ...string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = LookupEnv
	}
	s := &cfg.SecretStore

	if value, ok := lookup("SECRET_STORE_PASSPHRASE", "secret_store_passphrase"); ok {
		s.Passphrase = value
	}
	if value, ok := lookup("APICLIENT_BASE_URL", "apiclient_base_url"); ok {
		cfg.BaseURL = strings.TrimRight(value, "/")
	}

	selected := ""
	if value, ok := lookup("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		selected = "object"
		s.Object.Endpoint = value
	}
	if value, ok := lookup("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key"); ok {
		s.Object.AccessKey = value
	}
	if value, ok := lookup("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key"); ok {
		s.Object.SecretKey = value
	}
	if value, ok := lookup("OBJECTSTORE_BUCKET", "objectstore_bucket"); ok {
		s.Object.Bucket = value
	}

	if value, ok := lookup("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		selected = "git"
		s.Git.RemoteURL = value
	}
	if value, ok := lookup("GITSTORE_GIT_USERNAME", "gitstore_git_username"); ok {
		s.Git.Username = value
	}
	if value, ok := lookup("GITSTORE_GIT_TOKEN", "gitstore_git_token"); ok {
		s.Git.Password = value
	}
	if value, ok := lookup("GITSTORE_LOCAL_PATH", "gitstore_local_path"); ok {
		s.Git.LocalPath = value
	}

	if value, ok := lookup("REDISSTORE_ADDR", "redisstore_addr"); ok {
		selected = "redis"
		s.Redis.Addr = value
	}
	if value, ok := lookup("REDISSTORE_PASSWORD", "redisstore_password"); ok {
		s.Redis.Password = value
	}

	if value, ok := lookup("PGSTORE_DSN", "pgstore_dsn"); ok {
		selected = "postgres"
		s.Postgres.DSN = value
	}
	if value, ok := lookup("PGSTORE_SCHEMA", "pgstore_schema"); ok {
		s.Postgres.Schema = value
	}

	if selected != "" {
		s.Type = selected
	}
}
