package main

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/plutus-security/internal/testutil"
	"github.com/StricklySoft/plutus-security/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// setRequired sets the variables without defaults. Tests using it cannot
// run in parallel.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("IAM_OIDC_ISSUER", fixtures.Issuer)
	t.Setenv("IAM_OIDC_AUDIENCE", fixtures.Audience)
	t.Setenv("IAM_CONFIG_SERVICE_URL", fixtures.ConfigServiceURL)
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := loadConfig(os.LookupEnv)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 4000, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0:4000", cfg.HTTP.Addr())
	assert.Equal(t, "/api/v1/admin/tenants", cfg.AdminPath())
	assert.Equal(t, fixtures.Issuer, cfg.OIDC.Issuer)
	assert.Equal(t, fixtures.Audience, cfg.OIDC.Audience)
	assert.Equal(t, 10*time.Minute, cfg.OIDC.DiscoveryTTL)
	assert.Equal(t, 5*time.Minute, cfg.OIDC.KeySetTTL)
	assert.Equal(t, "decision-matrix.json", cfg.Policy.Object)
	assert.False(t, cfg.Policy.HotReload)
	assert.Equal(t, TenantSourceConfigService, cfg.TenantSource)
	assert.Equal(t, 15*time.Minute, cfg.TenantCacheTTL)
	assert.Equal(t, fixtures.FallbackTenant, cfg.DefaultTenant)
	assert.Equal(t, fixtures.FallbackResidency, cfg.DefaultResidency)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfig_NestedEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("IAM_HTTP_PORT", "8443")
	t.Setenv("IAM_HTTP_PREFIX", "/iam/")
	t.Setenv("IAM_POLICY_HOT_RELOAD", "true")
	t.Setenv("IAM_POLICY_BUNDLE_PATH", "/etc/plutus/bundle.json")
	t.Setenv("IAM_REDIS_ENABLED", "true")
	t.Setenv("IAM_REDIS_HOST", "cache.internal")
	t.Setenv("IAM_REDIS_KEY_PREFIX", "iam:")
	t.Setenv("IAM_LOG_LEVEL", "debug")
	t.Setenv("IAM_OIDC_DISCOVERY_TTL", "30m")
	t.Setenv("IAM_OIDC_JWKS_TTL", "90s")

	cfg, err := loadConfig(os.LookupEnv)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.OIDC.DiscoveryTTL)
	assert.Equal(t, 90*time.Second, cfg.OIDC.KeySetTTL)

	assert.Equal(t, 8443, cfg.HTTP.Port)
	assert.Equal(t, "/iam/v1/admin/tenants", cfg.AdminPath())
	assert.True(t, cfg.Policy.HotReload)
	assert.Equal(t, "/etc/plutus/bundle.json", cfg.Policy.BundlePath)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.Equal(t, "iam:", cfg.Redis.KeyPrefix)
	assert.NotZero(t, cfg.Redis.Port, "client defaults applied by validation")
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadConfig_File(t *testing.T) {
	setRequired(t)
	path := testutil.TempFile(t, "iam.yaml", `
http:
  host: 127.0.0.1
  port: 9000
tenant_source: postgres
postgres:
  host: db.internal
  database: iam
  user: iam
  ssl_mode: disable
`)
	t.Setenv("IAM_CONFIG_FILE", path)
	t.Setenv("IAM_HTTP_PORT", "9100")

	cfg, err := loadConfig(os.LookupEnv)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	assert.Equal(t, 9100, cfg.HTTP.Port, "environment wins over the file")
	assert.Equal(t, TenantSourcePostgres, cfg.TenantSource)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "iam", cfg.Postgres.Database)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantCode sserr.Code
	}{
		{
			name:     "missing issuer",
			env:      map[string]string{"IAM_OIDC_ISSUER": ""},
			wantCode: sserr.CodeValidationRequired,
		},
		{
			name:     "port out of range",
			env:      map[string]string{"IAM_HTTP_PORT": "70000"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "unknown tenant source",
			env:      map[string]string{"IAM_TENANT_SOURCE": "ldap"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "unknown log level",
			env:      map[string]string{"IAM_LOG_LEVEL": "verbose"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "config service without url",
			env:      map[string]string{"IAM_CONFIG_SERVICE_URL": ""},
			wantCode: sserr.CodeValidationRequired,
		},
		{
			name:     "postgres source without database",
			env:      map[string]string{"IAM_TENANT_SOURCE": "postgres"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "redis with bad uri",
			env:      map[string]string{"IAM_REDIS_ENABLED": "true", "IAM_REDIS_URI": "http://cache"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "bucket without minio credentials",
			env:      map[string]string{"IAM_POLICY_BUCKET": "policies"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "seed without bucket",
			env:      map[string]string{"IAM_POLICY_SEED": "true"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "hot reload of the embedded bundle",
			env:      map[string]string{"IAM_POLICY_HOT_RELOAD": "true"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "zero discovery ttl",
			env:      map[string]string{"IAM_OIDC_DISCOVERY_TTL": "0s"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "negative key set ttl",
			env:      map[string]string{"IAM_OIDC_JWKS_TTL": "-1m"},
			wantCode: sserr.CodeValidation,
		},
		{
			name:     "malformed key set ttl",
			env:      map[string]string{"IAM_OIDC_JWKS_TTL": "often"},
			wantCode: sserr.CodeInternalConfiguration,
		},
		{
			name:     "malformed duration",
			env:      map[string]string{"IAM_SHUTDOWN_TIMEOUT": "soon"},
			wantCode: sserr.CodeInternalConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(os.LookupEnv)
			testutil.RequireErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestConfig_Level(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.Level(), in)
	}
}
