package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("base-url: https://api.speakloop.app/v1/\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BaseURL != "https://api.speakloop.app/v1" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.HealthPath != DefaultHealthPath || cfg.Request.Timeout != DefaultTimeout || cfg.Request.UploadTimeout != DefaultUploadTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Request.MaxRetries != DefaultMaxRetries || cfg.Backoff.Base != time.Second || cfg.Backoff.Cap != 10*time.Second || cfg.Backoff.Jitter != 0.2 {
		t.Fatalf("retry defaults = %+v %+v", cfg.Request, cfg.Backoff)
	}
	if cfg.SecretStore.Type != "file" || !cfg.SecretStore.AllowInsecureFallback || cfg.SecretStore.Dir != DefaultSecretDir {
		t.Fatalf("secret store defaults = %+v", cfg.SecretStore)
	}
}

func TestParseFullDocument(t *testing.T) {
	doc := `
base-url: http://localhost:9000
health-path: status
debug: true
request-log: true
request:
  timeout: 3s
  upload-timeout: 2m
  max-retries: -1
backoff:
  base: 250ms
  cap: 100ms
  jitter: 3
secret-store:
  type: Encrypted
  allow-insecure-fallback: false
  dir: /tmp/secrets
  passphrase: hunter2
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HealthPath != "/status" || !cfg.Debug || !cfg.RequestLog {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Request.Timeout != 3*time.Second || cfg.Request.UploadTimeout != 2*time.Minute || cfg.Request.MaxRetries != 0 {
		t.Fatalf("request = %+v", cfg.Request)
	}
	if cfg.Backoff.Base != 250*time.Millisecond || cfg.Backoff.Cap != 250*time.Millisecond || cfg.Backoff.Jitter != 1 {
		t.Fatalf("backoff = %+v", cfg.Backoff)
	}
	if cfg.SecretStore.Type != "encrypted" || cfg.SecretStore.AllowInsecureFallback || cfg.SecretStore.Passphrase != "hunter2" {
		t.Fatalf("secret store = %+v", cfg.SecretStore)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "base-url: [",
		"bad scheme":    "base-url: ftp://example.com",
		"unknown store": "secret-store:\n  type: keychain\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("Parse(%q) succeeded", doc)
			}
		})
	}
}

func TestLoadConfigOptional(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	if _, err := LoadConfig(missing); err == nil {
		t.Fatal("LoadConfig of a missing file succeeded")
	}
	cfg, err := LoadConfigOptional(missing, true)
	if err != nil || cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("LoadConfigOptional = %+v, %v", cfg, err)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err = os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err = LoadConfig(empty); err == nil {
		t.Fatal("LoadConfig of an empty file succeeded")
	}
	if cfg, err = LoadConfigOptional(empty, true); err != nil || cfg == nil {
		t.Fatalf("LoadConfigOptional(empty) = %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err = os.WriteFile(path, []byte("base-url: http://10.0.2.2:8317\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cfg, err = LoadConfig(path); err != nil || cfg.BaseURL != "http://10.0.2.2:8317" {
		t.Fatalf("LoadConfig = %+v, %v", cfg, err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SECRET_STORE_PASSPHRASE": "pw",
		"APICLIENT_BASE_URL":      "https://staging.speakloop.app/",
		"OBJECTSTORE_ENDPOINT":    "minio:9000",
		"OBJECTSTORE_BUCKET":      "secrets",
		"GITSTORE_GIT_URL":        "https://git.example.com/secrets.git",
		"GITSTORE_GIT_TOKEN":      "tok",
	}
	lookup := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := env[k]; ok {
				return v, true
			}
		}
		return "", false
	}

	cfg := Default()
	cfg.ApplyEnv(lookup)
	if cfg.SecretStore.Passphrase != "pw" || cfg.BaseURL != "https://staging.speakloop.app" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SecretStore.Type != "git" {
		t.Fatalf("Type = %q, git must win over object", cfg.SecretStore.Type)
	}
	if cfg.SecretStore.Object.Bucket != "secrets" || cfg.SecretStore.Git.Password != "tok" {
		t.Fatalf("credentials = %+v", cfg.SecretStore)
	}

	env["REDISSTORE_ADDR"] = "redis:6379"
	cfg = Default()
	cfg.ApplyEnv(lookup)
	if cfg.SecretStore.Type != "redis" || cfg.SecretStore.Redis.Addr != "redis:6379" {
		t.Fatalf("redis selection = %+v", cfg.SecretStore)
	}

	env["PGSTORE_DSN"] = "postgres://localhost/app"
	cfg = Default()
	cfg.ApplyEnv(lookup)
	if cfg.SecretStore.Type != "postgres" || cfg.SecretStore.Postgres.DSN != "postgres://localhost/app" {
		t.Fatalf("postgres selection = %+v", cfg.SecretStore)
	}

	cfg = Default()
	cfg.ApplyEnv(func(...string) (string, bool) { return "", false })
	if cfg.SecretStore.Type != "file" {
		t.Fatalf("empty env changed store type to %q", cfg.SecretStore.Type)
	}
}

func TestLookupEnv(t *testing.T) {
	t.Setenv("APICLIENT_TEST_EMPTY", "  ")
	t.Setenv("APICLIENT_TEST_SET", " value ")
	if v, ok := LookupEnv("APICLIENT_TEST_MISSING", "APICLIENT_TEST_EMPTY", "APICLIENT_TEST_SET"); !ok || v != "value" {
		t.Fatalf("LookupEnv = %q, %v", v, ok)
	}
	if _, ok := LookupEnv("APICLIENT_TEST_EMPTY"); ok {
		t.Fatal("blank value must be ignored")
	}
}
