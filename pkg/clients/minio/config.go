package minio

import (
	"errors"
	"time"
)

const maxStatementTruncateLen = 100

const (
	DefaultEndpoint = "minio.databases.svc.cluster.local:9000"
	DefaultRegion   = "us-east-1"

	// DefaultBucket holds the policy bundles.
	DefaultBucket = "iam-policies"

	// DefaultHealthTimeout applies to Health when the caller's context has
	// no deadline.
	DefaultHealthTimeout = 5 * time.Second

	// MaxObjectBytes caps how much of an object ReadObject will buffer.
	MaxObjectBytes = 4 << 20
)

// Secret hides a credential from logs and serialized config.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// Value returns the plaintext secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON and YAML dumps.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the object store settings. The service reads them as
// IAM_MINIO_*.
type Config struct {
	// Endpoint is host:port without a scheme.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint" env:"ENDPOINT"`

	AccessKey string `json:"access_key,omitempty" yaml:"access_key" env:"ACCESS_KEY"`

	SecretKey Secret `json:"-" yaml:"-" env:"SECRET_KEY"`

	Region string `json:"region,omitempty" yaml:"region" env:"REGION"`

	UseSSL bool `json:"use_ssl,omitempty" yaml:"use_ssl" env:"USE_SSL"`

	// HealthBucket is probed with BucketExists. It need not exist.
	HealthBucket string `json:"health_bucket,omitempty" yaml:"health_bucket" env:"HEALTH_BUCKET"`
}

// DefaultConfig returns a Config for the in-cluster object store.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: DefaultEndpoint,
		Region:   DefaultRegion,
	}
}

// Validate applies defaults and rejects a config that cannot connect.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("minio: config access_key must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.HealthBucket == "" {
		c.HealthBucket = DefaultBucket
	}
	return nil
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
