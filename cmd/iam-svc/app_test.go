package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/plutus-security/internal/testutil"
	"github.com/StricklySoft/plutus-security/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/lifecycle"
	"github.com/StricklySoft/plutus-security/pkg/metrics"
	"github.com/StricklySoft/plutus-security/pkg/policy"
)

func testConfig() *Config {
	return &Config{
		HTTP:             HTTPConfig{Host: "127.0.0.1", Port: 4000, Prefix: "api"},
		OIDC:             OIDCConfig{Issuer: fixtures.Issuer, Audience: fixtures.Audience, DiscoveryTTL: 10 * time.Minute, KeySetTTL: 5 * time.Minute},
		Policy:           PolicyConfig{Object: "decision-matrix.json"},
		ConfigServiceURL: fixtures.ConfigServiceURL,
		TenantSource:     TenantSourceConfigService,
		TenantCacheTTL:   time.Minute,
		DefaultTenant:    fixtures.FallbackTenant,
		DefaultResidency: fixtures.FallbackResidency,
		LogLevel:         "info",
		ShutdownTimeout:  time.Second,
	}
}

// newTestApp builds the service over an in-memory IdP that also answers
// for the config service, and starts it.
func newTestApp(t *testing.T, cfg *Config, b backends) (*app, *fixtures.IdP) {
	t.Helper()
	idp := fixtures.NewIdP(t)
	for id, residency := range map[string]string{"t1": "us", "t-eu": "eu", fixtures.FallbackTenant: "us"} {
		idp.SetResponse(fixtures.ConfigServiceURL+"/tenants/"+id, map[string]any{"tenantId": id, "residency": residency})
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	b.fetcher, b.metrics, b.gatherer = idp, m, reg

	a, err := newApp(cfg, b, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, a.lifecycle.Start(context.Background()))
	t.Cleanup(func() { _ = a.lifecycle.Stop(context.Background()) })
	return a, idp
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_Health(t *testing.T) {
	t.Parallel()

	idp := fixtures.NewIdP(t)
	a, err := newApp(testConfig(), backends{fetcher: idp}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	rec := do(t, a.router, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, a.router, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, a.lifecycle.Start(context.Background()))
	rec = do(t, a.router, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, a.router, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","state":"running","policyVersion":"2024-06-01"}`, rec.Body.String())
	require.NoError(t, a.lifecycle.Stop(context.Background()))
}

func TestApp_ReadyzReportsFailingBackend(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, testConfig(), backends{checks: map[string]lifecycle.Probe{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return sserr.New(sserr.CodeTimeoutDatabase, "ping timed out") },
	}})

	rec := do(t, a.router, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var got lifecycle.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "unavailable", got.Status)
	assert.Equal(t, map[string]string{"redis": "ok", "postgres": "TIMEOUT_002"}, got.Checks)
}

func TestApp_AdminAPI(t *testing.T) {
	t.Parallel()

	a, idp := newTestApp(t, testConfig(), backends{})
	token := func(tenant string, roles ...string) string {
		return idp.Token(t, map[string]any{"tenant_id": tenant, "roles": roles})
	}

	tests := []struct {
		name        string
		path        string
		token       string
		body        string
		wantStatus  int
		wantContain string
	}{
		{
			name:       "us admin onboards a tenant",
			path:       "/api/v1/admin/tenants",
			token:      token("t1", "iam.admin"),
			body:       `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:        "eu admin is denied with the bundle's reason",
			path:        "/api/v1/admin/tenants",
			token:       token("t-eu", "iam.admin"),
			body:        `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus:  http.StatusForbidden,
			wantContain: "tenant_creation_requires_us_residency",
		},
		{
			name:        "missing token",
			path:        "/api/v1/admin/tenants",
			body:        `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus:  http.StatusUnauthorized,
			wantContain: "missing_authorization",
		},
		{
			name:       "fallback tenant applies without tenant_id",
			path:       "/api/v1/admin/tenants",
			token:      idp.Token(t, map[string]any{"roles": []string{"iam.admin"}}),
			body:       `{"name":"Acme","residency":"us","externalId":"ext-2"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "workload manager provisions a service account",
			path:       "/api/v1/admin/tenants/t1/service-accounts",
			token:      token("t1", "iam.workload-manager"),
			body:       `{"workload":"billing","residency":"apac"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "operator rotates a key",
			path:       "/api/v1/admin/tenants/t1/keys/rotate",
			token:      token("t1", "iam.operator"),
			body:       `{"keyId":"k1","rotationType":"standard"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:        "operator cannot break glass",
			path:        "/api/v1/admin/tenants/t1/keys/rotate",
			token:       token("t1", "iam.operator"),
			body:        `{"keyId":"k1","rotationType":"breakglass","breakglassTicket":"INC-1"}`,
			wantStatus:  http.StatusForbidden,
			wantContain: "breakglass_rotation_requires_breakglass_role",
		},
		{
			name:       "breakglass admin rotates",
			path:       "/api/v1/admin/tenants/t1/keys/rotate",
			token:      token("t1", "iam.admin", "iam.breakglass"),
			body:       `{"keyId":"k1","rotationType":"breakglass","breakglassTicket":"INC-1"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:        "token for another audience",
			path:        "/api/v1/admin/tenants/t1/keys/rotate",
			token:       idp.Token(t, map[string]any{"aud": "api://other", "roles": []string{"iam.admin"}}),
			body:        `{"keyId":"k1","rotationType":"standard"}`,
			wantStatus:  http.StatusUnauthorized,
			wantContain: "token_validation_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, a.router, http.MethodPost, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantContain != "" {
				assert.Contains(t, rec.Body.String(), tt.wantContain)
			}
		})
	}
}

func TestApp_Metrics(t *testing.T) {
	t.Parallel()

	a, idp := newTestApp(t, testConfig(), backends{})
	tok := idp.Token(t, map[string]any{"tenant_id": "t1", "roles": []string{"iam.operator"}})
	rec := do(t, a.router, http.MethodPost, "/api/v1/admin/tenants/t1/keys/rotate", tok, `{"keyId":"k1","rotationType":"standard"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, a.router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `plutus_policy_decisions_total{action="iam.keys.rotate",allowed="true"} 1`)
	assert.Contains(t, body, "plutus_cache_events_total")
	assert.Contains(t, body, "plutus_auth_duration_seconds")
}

func TestApp_CORS(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, testConfig(), backends{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/admin/tenants", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestApp_PolicyFileReload(t *testing.T) {
	t.Parallel()

	path := testutil.TempFile(t, "bundle.json", `{"version":"1","entrypoints":{"iam.keys.rotate":[{"anyRole":["iam.admin"]}]}}`)
	cfg := testConfig()
	cfg.Policy.BundlePath = path
	a, _ := newTestApp(t, cfg, backends{})
	assert.Equal(t, "1", a.engine.Version())

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"2","entrypoints":{"iam.keys.rotate":[{"anyRole":["iam.operator"]}]}}`), 0o600))
	a.reload(context.Background())
	assert.Equal(t, "2", a.engine.Version())

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	a.reload(context.Background())
	assert.Equal(t, "2", a.engine.Version(), "a broken bundle keeps the previous one")
}

func TestApp_StartFailsOnBrokenBundle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Policy.BundlePath = testutil.TempFile(t, "bundle.json", `{"version":""}`)
	a, err := newApp(cfg, backends{fetcher: fixtures.NewIdP(t)}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	err = a.lifecycle.Start(context.Background())
	require.Error(t, err)
	assert.True(t, sserr.IsPolicyBundleParse(err))
	assert.Equal(t, lifecycle.StateFailed, a.lifecycle.State())
}

// memStore is an in-memory policy bucket.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func (s *memStore) ReadObject(_ context.Context, bucket, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+name]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFound, "%s/%s not found", bucket, name)
	}
	return data, nil
}

func (s *memStore) EnsureBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket] = true
	return nil
}

func (s *memStore) WriteObject(_ context.Context, bucket, name string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+name] = bytes.Clone(data)
	return nil
}

func TestApp_SeedsObjectStore(t *testing.T) {
	t.Parallel()

	store := &memStore{buckets: map[string]bool{}, objects: map[string][]byte{}}
	cfg := testConfig()
	cfg.Policy.Bucket = "policies"
	cfg.Policy.Seed = true
	a, _ := newTestApp(t, cfg, backends{objects: store})

	assert.True(t, store.buckets["policies"])
	assert.Equal(t, defaultBundle, store.objects["policies/decision-matrix.json"])
	assert.Equal(t, "2024-06-01", a.engine.Version())
}

// memKV is an in-memory shared cache.
type memKV struct {
	mu      sync.Mutex
	values  map[string]string
	deleted []string
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case string:
		m.values[key] = v
	case []byte:
		m.values[key] = string(v)
	}
	return nil
}

func (m *memKV) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	m.deleted = append(m.deleted, keys...)
	return int64(len(keys)), nil
}

func TestApp_PostgresDirectoryWithSharedCache(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_profiles").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT tenant_id, residency FROM tenant_profiles").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "residency"}).AddRow("t1", "us"))
	mock.ExpectExec("INSERT INTO tenant_profiles").
		WithArgs(pgxmock.AnyArg(), "eu", "ext-7", "Globex").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	kv := &memKV{values: map[string]string{}}
	cfg := testConfig()
	cfg.TenantSource = TenantSourcePostgres
	cfg.Redis.KeyPrefix = "iam:"
	a, idp := newTestApp(t, cfg, backends{db: mock, kv: kv})

	tok := idp.Token(t, map[string]any{"tenant_id": "t1", "roles": []string{"iam.admin"}})
	rec := do(t, a.router, http.MethodPost, "/api/v1/admin/tenants", tok, `{"name":"Globex","residency":"eu","externalId":"ext-7"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.Contains(t, kv.values, "iam:tenant:t1", "profile written through the shared cache")
	assert.Equal(t, []string{"iam:tenant:" + created.ID}, kv.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewApp_Errors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := newApp(testConfig(), backends{}, logger)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)

	cfg := testConfig()
	cfg.TenantSource = TenantSourcePostgres
	_, err = newApp(cfg, backends{fetcher: fixtures.NewIdP(t)}, logger)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)

	cfg = testConfig()
	cfg.ConfigServiceURL = "not a url"
	_, err = newApp(cfg, backends{fetcher: fixtures.NewIdP(t)}, logger)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestDefaultBundleIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, policy.ValidateBundle(defaultBundle, "embedded"))
	b, err := policy.ParseBundle(defaultBundle)
	require.NoError(t, err)
	assert.Contains(t, b.Entrypoints, "iam.tenants.create")
	assert.Contains(t, b.Entrypoints, "iam.serviceAccounts.create")
	assert.Contains(t, b.Entrypoints, "iam.keys.rotate")
}

func TestServe_ReloadAndShutdown(t *testing.T) {
	t.Parallel()

	path := testutil.TempFile(t, "bundle.json", `{"version":"1","entrypoints":{"iam.keys.rotate":[{"anyRole":["iam.admin"]}]}}`)
	cfg := testConfig()
	cfg.Policy.BundlePath = path

	var stopped bool
	a, err := newApp(cfg, backends{fetcher: fixtures.NewIdP(t)}, slog.New(slog.NewJSONHandler(io.Discard, nil)),
		lifecycle.OnStop(func(context.Context) error { stopped = true; return nil }))
	require.NoError(t, err)

	srv := newServer(cfg, a.router)
	srv.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, srv, reloads) }()

	require.Eventually(t, func() bool { return a.lifecycle.State() == lifecycle.StateRunning },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"2","entrypoints":{"iam.keys.rotate":[{"anyRole":["iam.operator"]}]}}`), 0o600))
	reloads <- struct{}{}
	require.Eventually(t, func() bool { return a.engine.Version() == "2" },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Equal(t, lifecycle.StateStopped, a.lifecycle.State())
	assert.True(t, stopped)
}
