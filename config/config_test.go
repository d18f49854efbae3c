package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "biolink.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Store.Backend != want.Store.Backend || cfg.PIN.MaxAttempts != 5 || cfg.PIN.LockoutDurationMs != 300000 {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	policy, err := cfg.PIN.Policy()
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if policy.LockoutDuration != 5*time.Minute || policy.MinLength != 4 || policy.MaxLength != 8 {
		t.Errorf("Unexpected default policy %+v", policy)
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
namespace: alice
pin:
  max_attempts: 3
  digest: argon2id
store:
  backend: memory
events:
  sink: nats
  nats:
    url: nats://broker:4222
    reconnect_wait_ms: 500
`)
	t.Setenv("BIOLINK_PIN_MAX_ATTEMPTS", "7")
	t.Setenv("BIOLINK_STORE_SQLITE_MASTER_KEY", "00ff")
	t.Setenv("BIOLINK_EVENTS_NATS_SUBJECT_PREFIX", "acme")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Namespace != "alice" {
		t.Errorf("Expected namespace from YAML, got %q", cfg.Namespace)
	}
	if cfg.PIN.MaxAttempts != 7 {
		t.Errorf("Expected env to override YAML, got %d", cfg.PIN.MaxAttempts)
	}
	if cfg.PIN.Digest != "argon2id" || cfg.PIN.MinLength != 4 {
		t.Errorf("Expected YAML merged over defaults, got %+v", cfg.PIN)
	}
	if cfg.Store.SQLite.MasterKey != "00ff" {
		t.Errorf("Expected master key from env, got %q", cfg.Store.SQLite.MasterKey)
	}

	nc := cfg.Events.NATS.Events()
	if nc.URL != "nats://broker:4222" || nc.SubjectPrefix != "acme" || nc.ReconnectWait != 500*time.Millisecond {
		t.Errorf("Unexpected NATS config %+v", nc)
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	path := writeConfig(t, "pin: [not, a, map")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero attempts", func(c *Config) { c.PIN.MaxAttempts = 0 }, "invalid pin config"},
		{"bad lengths", func(c *Config) { c.PIN.MinLength = 9 }, "invalid pin config"},
		{"bad digest", func(c *Config) { c.PIN.Digest = "md5" }, "invalid pin config"},
		{"bad store", func(c *Config) { c.Store.Backend = "redis" }, "unknown backend"},
		{"ssm without region", func(c *Config) { c.Store.Backend = "ssm"; c.Store.SSM.Region = "" }, "ssm region"},
		{"kms without key", func(c *Config) { c.Signing.Backend = "kms" }, "key_id"},
		{"bad algorithm", func(c *Config) { c.Signing.Algorithm = "dsa" }, "invalid signing config"},
		{"bad sink", func(c *Config) { c.Events.Sink = "kafka" }, "unknown sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
