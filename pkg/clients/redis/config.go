// Package redis is the traced Redis client behind the shared tenant-profile
// cache. Replicas of the service read and write profiles through it so a
// tenant looked up by one replica is warm for the others.
//
// Create a client with [NewClient]:
//
//	cfg := redis.DefaultConfig()
//	cfg.Password = redis.Secret(os.Getenv("IAM_REDIS_PASSWORD"))
//	client, err := redis.NewClient(ctx, *cfg)
//
// Tests inject a mock with [NewFromClient].
//
// Every command runs in an OpenTelemetry span carrying db.system,
// db.redis.database_index and a truncated db.statement.
package redis

import (
	"fmt"
	"net/url"
	"time"
)

// maxStatementTruncateLen bounds db.statement span attributes.
const maxStatementTruncateLen = 100

const (
	// DefaultHost is the in-cluster Service name of the Redis instance.
	DefaultHost = "redis.databases.svc.cluster.local"

	DefaultPort = 6379

	DefaultDB = 0

	DefaultPoolSize = 10

	DefaultMinIdleConns = 2

	DefaultMaxRetries = 2

	// DefaultDialTimeout is short because the cache is optional: a slow
	// Redis must not hold up token validation.
	DefaultDialTimeout = 2 * time.Second

	DefaultReadTimeout = 500 * time.Millisecond

	DefaultWriteTimeout = 500 * time.Millisecond

	// DefaultHealthTimeout applies to Health when the caller's context has
	// no deadline.
	DefaultHealthTimeout = 2 * time.Second
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

// Config holds the Redis connection settings. When URI is set it takes
// precedence over Host, Port, DB and Password.
//
// The env tags are relative: the service nests Config under REDIS with the
// IAM prefix, so Host is read from IAM_REDIS_HOST.
type Config struct {
	// Enabled turns the shared cache on. A disabled config is never dialed.
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// URI is a redis:// or rediss:// connection string.
	URI string `json:"uri,omitempty" yaml:"uri" env:"URI"`

	Host string `json:"host,omitempty" yaml:"host" env:"HOST"`

	Port int `json:"port,omitempty" yaml:"port" env:"PORT"`

	DB int `json:"db" yaml:"db" env:"DB"`

	Password Secret `json:"-" yaml:"-" env:"PASSWORD"`

	PoolSize int `json:"pool_size,omitempty" yaml:"pool_size" env:"POOL_SIZE"`

	MinIdleConns int `json:"min_idle_conns,omitempty" yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`

	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries" env:"MAX_RETRIES"`

	DialTimeout time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	ReadTimeout time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout" env:"READ_TIMEOUT"`

	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	TLSEnabled bool `json:"tls_enabled,omitempty" yaml:"tls_enabled" env:"TLS_ENABLED"`

	// KeyPrefix namespaces every key written by the service.
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DefaultConfig returns a Config pointing at the in-cluster instance.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		KeyPrefix:    "plutus:",
	}
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid setting.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis or rediss, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("redis: config db must be between 0 and 15, got %d", c.DB)
	}
	if c.PoolSize < 0 || c.MinIdleConns < 0 {
		return fmt.Errorf("redis: config pool sizes must not be negative")
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("redis: config timeouts must not be negative")
	}
	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("redis: config min_idle_conns (%d) must be <= pool_size (%d)", c.MinIdleConns, c.PoolSize)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func truncateStatement(s string) string {
	if len(s) <= maxStatementTruncateLen {
		return s
	}
	return s[:maxStatementTruncateLen] + "..."
}
