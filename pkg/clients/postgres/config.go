package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// maxSQLTruncateLen bounds db.statement span attributes so bound values
// never reach telemetry.
const maxSQLTruncateLen = 100

const (
	DefaultHost     = "postgres.databases.svc.cluster.local"
	DefaultPort     = 5432
	DefaultDatabase = "iam"
	DefaultUser     = "iam"

	DefaultMaxConns int32 = 10
	DefaultMinConns int32 = 2

	DefaultMaxConnLifetime   = time.Hour
	DefaultMaxConnIdleTime   = 30 * time.Minute
	DefaultHealthCheckPeriod = time.Minute
	DefaultConnectTimeout    = 5 * time.Second

	// DefaultHealthTimeout applies to Health when the caller's context has
	// no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// SSLMode is the libpq sslmode parameter.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Valid reports whether m is a recognized sslmode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer,
		SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// Secret hides a credential from logs and serialized config.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// Value returns the plaintext secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON and YAML dumps.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the connection settings of the tenant directory database.
// URI, when set, replaces Host, Port, Database, User, Password and SSLMode.
//
// The env tags are relative to the enclosing struct; the service reads them
// as IAM_POSTGRES_*.
type Config struct {
	URI string `json:"uri,omitempty" yaml:"uri" env:"URI"`

	Host string `json:"host,omitempty" yaml:"host" env:"HOST"`

	Port int `json:"port,omitempty" yaml:"port" env:"PORT"`

	Database string `json:"database" yaml:"database" env:"DATABASE"`

	User string `json:"user" yaml:"user" env:"USER"`

	Password Secret `json:"-" yaml:"-" env:"PASSWORD"`

	SSLMode SSLMode `json:"ssl_mode,omitempty" yaml:"ssl_mode" env:"SSLMODE"`

	MaxConns int32 `json:"max_conns,omitempty" yaml:"max_conns" env:"MAX_CONNS"`

	MinConns int32 `json:"min_conns,omitempty" yaml:"min_conns" env:"MIN_CONNS"`

	MaxConnLifetime time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`

	MaxConnIdleTime time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`

	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period" env:"HEALTH_CHECK_PERIOD"`

	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config for the in-cluster database.
func DefaultConfig() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Database:          DefaultDatabase,
		User:              DefaultUser,
		SSLMode:           SSLModeRequire,
		MaxConns:          DefaultMaxConns,
		MinConns:          DefaultMinConns,
		MaxConnLifetime:   DefaultMaxConnLifetime,
		MaxConnIdleTime:   DefaultMaxConnIdleTime,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid setting. With a URI only the URI and the pool are checked.
func (c *Config) Validate() error {
	c.applyPoolDefaults()
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: config URI scheme must be postgres or postgresql, got %q", u.Scheme)
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
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: config database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: config user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI when set, otherwise a postgres:// URL built
// from the structured fields. The result contains the password.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}
