// Package config loads biolink configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/gmemmy/biolink/events"
	"github.com/gmemmy/biolink/pinauth"
	"github.com/gmemmy/biolink/securestore"
	"github.com/gmemmy/biolink/signing"
)

// EnvPrefix prefixes every environment override, e.g. BIOLINK_NAMESPACE.
const EnvPrefix = "BIOLINK_"

// Config holds the biolink configuration
type Config struct {
	// DevMode allows insecure conveniences: a generated master key file and
	// the weak salt source fallback.
	DevMode bool `yaml:"dev_mode" env:"DEV_MODE"`

	// Namespace scopes PIN state, signing keys and backups.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	PIN     PINConfig     `yaml:"pin" envPrefix:"PIN_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Signing SigningConfig `yaml:"signing" envPrefix:"SIGNING_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
	Backup  BackupConfig  `yaml:"backup" envPrefix:"BACKUP_"`
}

// PINConfig holds the PIN policy
type PINConfig struct {
	MaxAttempts       int    `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	LockoutDurationMs int64  `yaml:"lockout_duration_ms" env:"LOCKOUT_DURATION_MS"`
	MinLength         int    `yaml:"min_length" env:"MIN_LENGTH"`
	MaxLength         int    `yaml:"max_length" env:"MAX_LENGTH"`
	Digest            string `yaml:"digest" env:"DIGEST"`
}

// StoreConfig selects and configures the secure store
type StoreConfig struct {
	// Backend is memory, sqlite or ssm.
	Backend string            `yaml:"backend" env:"BACKEND"`
	SQLite  SQLiteStoreConfig `yaml:"sqlite" envPrefix:"SQLITE_"`
	SSM     SSMStoreConfig    `yaml:"ssm" envPrefix:"SSM_"`
}

// SQLiteStoreConfig holds encrypted SQLite store settings
type SQLiteStoreConfig struct {
	Path string `yaml:"path" env:"PATH"`
	// MasterKey is hex. It takes precedence over MasterKeyFile and is meant
	// for the environment, not the YAML file.
	MasterKey     string `yaml:"-" env:"MASTER_KEY"`
	MasterKeyFile string `yaml:"master_key_file" env:"MASTER_KEY_FILE"`
	CacheSize     int    `yaml:"cache_size" env:"CACHE_SIZE"`
}

// SSMStoreConfig holds Parameter Store settings
type SSMStoreConfig struct {
	Region   string `yaml:"region" env:"REGION"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	KMSKeyID string `yaml:"kms_key_id" env:"KMS_KEY_ID"`
}

// SigningConfig selects the signer
type SigningConfig struct {
	// Backend is software or kms.
	Backend   string `yaml:"backend" env:"BACKEND"`
	Algorithm string `yaml:"algorithm" env:"ALGORITHM"`
	KeyAlias  string `yaml:"key_alias" env:"KEY_ALIAS"`

	KMS KMSSigningConfig `yaml:"kms" envPrefix:"KMS_"`
}

// KMSSigningConfig holds KMS signer settings
type KMSSigningConfig struct {
	Region           string `yaml:"region" env:"REGION"`
	KeyID            string `yaml:"key_id" env:"KEY_ID"`
	SigningAlgorithm string `yaml:"signing_algorithm" env:"SIGNING_ALGORITHM"`
}

// EventsConfig selects where PIN events go
type EventsConfig struct {
	// Sink is none, log or nats.
	Sink string     `yaml:"sink" env:"SINK"`
	NATS NATSConfig `yaml:"nats" envPrefix:"NATS_"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url" env:"URL"`
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	SubjectPrefix   string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms" env:"RECONNECT_WAIT_MS"`
	MaxReconnects   int    `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
}

// BackupConfig holds S3 backup settings
type BackupConfig struct {
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LoadConfig loads configuration from a YAML file, then applies BIOLINK_*
// environment overrides. A missing file means defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	policy := pinauth.DefaultPolicy()
	return &Config{
		DevMode:  false,
		LogLevel: "info",
		PIN: PINConfig{
			MaxAttempts:       policy.MaxAttempts,
			LockoutDurationMs: policy.LockoutDuration.Milliseconds(),
			MinLength:         policy.MinLength,
			MaxLength:         policy.MaxLength,
			Digest:            "sha256",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite: SQLiteStoreConfig{
				Path:          "biolink.db",
				MasterKeyFile: "biolink.key",
				CacheSize:     256,
			},
			SSM: SSMStoreConfig{
				Region: "us-east-1",
				Prefix: "/biolink/",
			},
		},
		Signing: SigningConfig{
			Backend:   "software",
			Algorithm: string(signing.AlgorithmECDSA),
			KeyAlias:  "biolink-signing-key",
			KMS: KMSSigningConfig{
				Region:           "us-east-1",
				SigningAlgorithm: "ECDSA_SHA_256",
			},
		},
		Events: EventsConfig{
			Sink: "log",
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "biolink",
				ReconnectWait: 2000,
				MaxReconnects: -1, // Unlimited
			},
		},
		Backup: BackupConfig{
			Region:    "us-east-1",
			KeyPrefix: "backups/",
		},
	}
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if _, err := c.PIN.Policy(); err != nil {
		return fmt.Errorf("invalid pin config: %w", err)
	}
	if _, err := pinauth.DigestByName(c.PIN.Digest); err != nil {
		return fmt.Errorf("invalid pin config: %w", err)
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	case "ssm":
		if c.Store.SSM.Region == "" {
			return fmt.Errorf("invalid store config: ssm region is required")
		}
	default:
		return fmt.Errorf("invalid store config: unknown backend %q", c.Store.Backend)
	}

	switch c.Signing.Backend {
	case "software":
		if _, err := signing.ParseAlgorithm(c.Signing.Algorithm); err != nil {
			return fmt.Errorf("invalid signing config: %w", err)
		}
		if c.Signing.KeyAlias == "" {
			return fmt.Errorf("invalid signing config: key_alias is required")
		}
	case "kms":
		if c.Signing.KMS.KeyID == "" {
			return fmt.Errorf("invalid signing config: kms key_id is required")
		}
	default:
		return fmt.Errorf("invalid signing config: unknown backend %q", c.Signing.Backend)
	}

	switch c.Events.Sink {
	case "none", "log":
	case "nats":
		if c.Events.NATS.URL == "" {
			return fmt.Errorf("invalid events config: nats url is required")
		}
	default:
		return fmt.Errorf("invalid events config: unknown sink %q", c.Events.Sink)
	}
	return nil
}

// Policy converts the PIN settings.
func (c PINConfig) Policy() (pinauth.Policy, error) {
	p := pinauth.Policy{
		MaxAttempts:     c.MaxAttempts,
		LockoutDuration: time.Duration(c.LockoutDurationMs) * time.Millisecond,
		MinLength:       c.MinLength,
		MaxLength:       c.MaxLength,
	}
	if err := p.Check(); err != nil {
		return pinauth.Policy{}, err
	}
	return p, nil
}

// SQLite converts the SQLite settings for a given namespace and DEK.
func (c SQLiteStoreConfig) SQLite(namespace string, dek []byte) securestore.SQLiteConfig {
	return securestore.SQLiteConfig{
		Path:      c.Path,
		Namespace: namespace,
		DEK:       dek,
		CacheSize: c.CacheSize,
	}
}

// SSMConfig converts the Parameter Store settings.
func (c SSMStoreConfig) SSMConfig() securestore.SSMConfig {
	return securestore.SSMConfig{Region: c.Region, Prefix: c.Prefix, KMSKeyID: c.KMSKeyID}
}

// KMSConfig converts the KMS signer settings.
func (c KMSSigningConfig) KMSConfig() signing.KMSConfig {
	return signing.KMSConfig{Region: c.Region, KeyID: c.KeyID, SigningAlgorithm: c.SigningAlgorithm}
}

// Events converts the NATS settings.
func (c NATSConfig) Events() events.NATSConfig {
	return events.NATSConfig{
		URL:             c.URL,
		CredentialsFile: c.CredentialsFile,
		SubjectPrefix:   c.SubjectPrefix,
		ReconnectWait:   time.Duration(c.ReconnectWait) * time.Millisecond,
		MaxReconnects:   c.MaxReconnects,
	}
}

// S3Config converts the backup settings.
func (c BackupConfig) S3Config() securestore.S3Config {
	return securestore.S3Config{Bucket: c.Bucket, Region: c.Region, KeyPrefix: c.KeyPrefix}
}
