package main

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/StricklySoft/plutus-security/pkg/clients/minio"
	"github.com/StricklySoft/plutus-security/pkg/clients/postgres"
	"github.com/StricklySoft/plutus-security/pkg/clients/redis"
	"github.com/StricklySoft/plutus-security/pkg/config"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Tenant profile sources selectable with IAM_TENANT_SOURCE.
const (
	TenantSourceConfigService = "config-service"
	TenantSourcePostgres      = "postgres"
)

// HTTPConfig controls the listener.
type HTTPConfig struct {
	Host   string `yaml:"host" env:"HOST" envDefault:"0.0.0.0"`
	Port   int    `yaml:"port" env:"PORT" envDefault:"4000" validate:"min=1,max=65535"`
	Prefix string `yaml:"prefix" env:"PREFIX" envDefault:"api"`
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// OIDCConfig is what every token is checked against, and how long the
// discovery document and key set fetched for it are reused.
type OIDCConfig struct {
	Issuer   string `yaml:"issuer" env:"ISSUER" required:"true"`
	Audience string `yaml:"audience" env:"AUDIENCE" required:"true"`

	DiscoveryTTL time.Duration `yaml:"discovery_ttl" env:"DISCOVERY_TTL" envDefault:"10m"`
	KeySetTTL    time.Duration `yaml:"jwks_ttl" env:"JWKS_TTL" envDefault:"5m"`
}

// PolicyConfig selects the bundle. Bucket wins over BundlePath, which wins
// over the embedded default.
type PolicyConfig struct {
	BundlePath string `yaml:"bundle_path" env:"BUNDLE_PATH"`
	HotReload  bool   `yaml:"hot_reload" env:"HOT_RELOAD"`
	Bucket     string `yaml:"bucket" env:"BUCKET"`
	Object     string `yaml:"object" env:"OBJECT" envDefault:"decision-matrix.json"`

	// Seed writes the embedded bundle to Bucket/Object at startup.
	Seed bool `yaml:"seed" env:"SEED"`
}

// Config is the iam-svc configuration, read from IAM_* variables.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http" env:"HTTP"`
	OIDC   OIDCConfig   `yaml:"oidc" env:"OIDC"`
	Policy PolicyConfig `yaml:"policy" env:"POLICY"`

	ConfigServiceURL string        `yaml:"config_service_url" env:"CONFIG_SERVICE_URL"`
	TenantSource     string        `yaml:"tenant_source" env:"TENANT_SOURCE" envDefault:"config-service" validate:"oneof=config-service postgres"`
	TenantCacheTTL   time.Duration `yaml:"tenant_cache_ttl" env:"TENANT_CACHE_TTL" envDefault:"15m"`

	DefaultTenant    string `yaml:"default_tenant" env:"DEFAULT_TENANT" envDefault:"tenant-root"`
	DefaultResidency string `yaml:"default_residency" env:"DEFAULT_RESIDENCY" envDefault:"us"`

	Redis    redis.Config    `yaml:"redis" env:"REDIS"`
	Postgres postgres.Config `yaml:"postgres" env:"POSTGRES"`
	Minio    minio.Config    `yaml:"minio" env:"MINIO"`

	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Validate checks the backends the other settings depend on. Client
// configs are validated only when they will be dialed.
func (c *Config) Validate() error {
	for name, ttl := range map[string]time.Duration{
		"OIDC_DISCOVERY_TTL": c.OIDC.DiscoveryTTL,
		"OIDC_JWKS_TTL":      c.OIDC.KeySetTTL,
		"TENANT_CACHE_TTL":   c.TenantCacheTTL,
	} {
		if ttl <= 0 {
			return sserr.Newf(sserr.CodeValidation, "config: %s must be positive", name)
		}
	}
	switch c.TenantSource {
	case TenantSourceConfigService:
		if c.ConfigServiceURL == "" {
			return sserr.New(sserr.CodeValidationRequired,
				"config: CONFIG_SERVICE_URL is required when TENANT_SOURCE is config-service")
		}
	case TenantSourcePostgres:
		if err := c.Postgres.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid postgres settings")
		}
	}
	if c.Redis.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid redis settings")
		}
	}
	if c.Policy.Bucket != "" {
		if err := c.Minio.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid minio settings")
		}
	} else if c.Policy.Seed {
		return sserr.New(sserr.CodeValidation, "config: POLICY_SEED requires POLICY_BUCKET")
	}
	if c.Policy.HotReload && c.Policy.Bucket == "" && c.Policy.BundlePath == "" {
		return sserr.New(sserr.CodeValidation,
			"config: POLICY_HOT_RELOAD needs POLICY_BUNDLE_PATH or POLICY_BUCKET")
	}
	c.HTTP.Prefix = strings.Trim(c.HTTP.Prefix, "/")
	return nil
}

// AdminPath is where the admin routes are mounted.
func (c *Config) AdminPath() string {
	if c.HTTP.Prefix == "" {
		return "/v1/admin/tenants"
	}
	return "/" + c.HTTP.Prefix + "/v1/admin/tenants"
}

// Level maps LogLevel to slog.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadConfig reads the configuration. IAM_* variables win over .env, which
// wins over the file named by IAM_CONFIG_FILE.
func loadConfig(lookup func(string) (string, bool)) (Config, error) {
	loader := config.New().WithEnvPrefix("IAM").WithDotEnv(".env")
	if path, ok := lookup("IAM_CONFIG_FILE"); ok && path != "" {
		loader = loader.WithFile(path)
	}
	var cfg Config
	if err := loader.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
