package config

import "time"

// RequestConfig holds timeouts and the retry budget of the request executor.
type RequestConfig struct {
	// Timeout bounds each physical attempt of a regular request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// UploadTimeout bounds each physical attempt of a multipart upload.
	UploadTimeout time.Duration `yaml:"upload-timeout" json:"upload-timeout"`

	// ProbeTimeout bounds each connectivity probe.
	ProbeTimeout time.Duration `yaml:"probe-timeout" json:"probe-timeout"`

	// RefreshTimeout bounds the shared token refresh call.
	RefreshTimeout time.Duration `yaml:"refresh-timeout" json:"refresh-timeout"`

	// MaxRetries is the number of resubmissions after the first attempt.
	// A negative value disables retries.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`
}

// BackoffConfig configures the jittered exponential retry delay.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base" json:"base"`
	Cap    time.Duration `yaml:"cap" json:"cap"`
	Jitter float64       `yaml:"jitter" json:"jitter"`
}

// SecretStoreConfig selects and configures the credential backend.
type SecretStoreConfig struct {
	// Type is one of memory, file, encrypted, postgres, object, git or redis.
	Type string `yaml:"type" json:"type"`

	// AllowInsecureFallback permits falling back to the in-memory store when the
	// configured backend cannot be opened. The fallback is always logged.
	AllowInsecureFallback bool `yaml:"allow-insecure-fallback" json:"allow-insecure-fallback"`

	// Dir is the directory used by the file and encrypted backends.
	Dir string `yaml:"dir" json:"dir"`

	// Passphrase derives the key of the encrypted backend.
	Passphrase string `yaml:"passphrase" json:"-"`

	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectConfig   `yaml:"object" json:"object"`
	Git      GitConfig      `yaml:"git" json:"git"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

// PostgresConfig configures the PostgreSQL secret backend.
type PostgresConfig struct {
	DSN    string `yaml:"dsn" json:"-"`
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`
}

// ObjectConfig configures the S3-compatible secret backend.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	PathStyle bool   `yaml:"path-style" json:"path-style"`
}

// GitConfig configures the git secret backend.
type GitConfig struct {
	RemoteURL string `yaml:"remote-url" json:"remote-url"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"-"`
	LocalPath string `yaml:"local-path" json:"local-path"`
}

// RedisConfig configures the Redis secret backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}
