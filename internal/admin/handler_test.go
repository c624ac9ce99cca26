package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/plutus-security/internal/testutil/fixtures"
	"github.com/StricklySoft/plutus-security/pkg/auth"
	"github.com/StricklySoft/plutus-security/pkg/claims"
	"github.com/StricklySoft/plutus-security/pkg/oidc"
	"github.com/StricklySoft/plutus-security/pkg/policy"
)

// callers maps bearer tokens to the identities the stubs hand out.
var callers = map[string]*claims.AugmentedClaims{
	"admin-us": {Subject: "alice", TenantID: "t1", Residency: "us", RawPayload: map[string]any{"roles": []any{"iam.admin"}}},
	"admin-eu": {Subject: "bob", TenantID: "t2", Residency: "eu", RawPayload: map[string]any{"roles": []any{"iam.admin"}}},
	"operator": {Subject: "carol", TenantID: "t1", Residency: "us", RawPayload: map[string]any{"roles": []any{"iam.operator"}}},
	"nobody":   {Subject: "dave", TenantID: "t1", Residency: "us", RawPayload: map[string]any{}},
}

type tokenValidator struct{}

func (tokenValidator) Validate(_ context.Context, token string, _ oidc.Expectations) (*oidc.VerifiedToken, error) {
	return &oidc.VerifiedToken{Payload: map[string]any{"sub": token}}, nil
}

type enricher struct{}

func (enricher) Enrich(_ context.Context, payload map[string]any, _ claims.Defaults) (*claims.AugmentedClaims, error) {
	return callers[payload["sub"].(string)], nil
}

// passthrough authorizes everything and attaches no result.
type passthrough struct{}

func (passthrough) Handler(string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func newRouter(t *testing.T, g Guard) (http.Handler, *Service, *auditLog) {
	t.Helper()
	svc, log := newService(t)
	if g == nil {
		engine, err := policy.NewEngine(policy.BytesSource{Data: []byte(fixtures.PolicyBundleJSON)})
		require.NoError(t, err)
		mw, err := auth.NewMiddleware(tokenValidator{}, enricher{}, engine, auth.Config{
			Expectations: oidc.Expectations{Issuer: fixtures.Issuer, Audience: fixtures.Audience},
		})
		require.NoError(t, err)
		g = mw
	}
	r := chi.NewRouter()
	r.Mount("/api/v1/admin/tenants", NewHandler(svc, g).Routes())
	return r, svc, log
}

func post(h http.Handler, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Authorization(t *testing.T) {
	t.Parallel()

	h, _, _ := newRouter(t, nil)

	tests := []struct {
		name       string
		path       string
		token      string
		body       string
		wantStatus int
	}{
		{
			name:       "us admin onboards",
			path:       "/api/v1/admin/tenants",
			token:      "admin-us",
			body:       `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "eu admin cannot onboard",
			path:       "/api/v1/admin/tenants",
			token:      "admin-eu",
			body:       `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "anonymous",
			path:       "/api/v1/admin/tenants",
			body:       `{"name":"Acme","residency":"eu","externalId":"ext-1"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "service account in caller region",
			path:       "/api/v1/admin/tenants/t1/service-accounts",
			token:      "admin-us",
			body:       `{"workload":"billing","residency":"us"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "service account residency checked against body",
			path:       "/api/v1/admin/tenants/t1/service-accounts",
			token:      "admin-us",
			body:       `{"workload":"billing","residency":"eu"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "operator rotates keys",
			path:       "/api/v1/admin/tenants/t1/keys/rotate",
			token:      "operator",
			body:       `{"keyId":"k1","rotationType":"standard"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "no roles cannot rotate",
			path:       "/api/v1/admin/tenants/t1/keys/rotate",
			token:      "nobody",
			body:       `{"keyId":"k1","rotationType":"standard"}`,
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := post(h, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestOnboardTenantHandler(t *testing.T) {
	t.Parallel()

	h, svc, log := newRouter(t, nil)
	rec := post(h, "/api/v1/admin/tenants", "admin-us", `{"name":"Acme","residency":"apac","externalId":"ext-9"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got TenantRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, ResidencyAPAC, got.Residency)
	assert.Equal(t, fixedNow, got.OnboardedAt)

	_, ok := svc.Tenant(got.ID)
	assert.True(t, ok)

	events := log.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0]["actor"])
}

func TestServiceAccountHandler(t *testing.T) {
	t.Parallel()

	h, _, _ := newRouter(t, passthrough{})
	rec := post(h, "/api/v1/admin/tenants/t-42/service-accounts", "", `{"workload":"ledger","residency":"eu","callbackUrl":"https://ledger.example.com/cb"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t-42", got["tenantId"])
	assert.Equal(t, "svc-1", got["id"])
	assert.NotEmpty(t, got["clientId"])
	assert.NotEmpty(t, got["clientSecret"])
}

func TestRotateKeyHandler(t *testing.T) {
	t.Parallel()

	h, _, _ := newRouter(t, passthrough{})
	rec := post(h, "/api/v1/admin/tenants/t1/keys/rotate", "", `{"keyId":"k1","rotationType":"automated"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got KeyRotationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, RotationAutomated, got.RotationType)
	assert.Empty(t, got.Ticket)
}

func TestHandlers_BadRequests(t *testing.T) {
	t.Parallel()

	h, _, _ := newRouter(t, passthrough{})

	tests := []struct {
		name      string
		path      string
		body      string
		wantError string
	}{
		{name: "not json", path: "/api/v1/admin/tenants", body: `name=acme`, wantError: "VAL_001"},
		{name: "unknown field", path: "/api/v1/admin/tenants", body: `{"name":"Acme","residency":"us","externalId":"ext-1","plan":"gold"}`, wantError: "VAL_001"},
		{name: "invalid residency", path: "/api/v1/admin/tenants", body: `{"name":"Acme","residency":"mars","externalId":"ext-1"}`, wantError: "VAL_001"},
		{name: "breakglass without ticket", path: "/api/v1/admin/tenants/t1/keys/rotate", body: `{"keyId":"k1","rotationType":"breakglass"}`, wantError: "VAL_001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := post(h, tt.path, "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var got errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantError, got.Error)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestRespondError_FieldDetails(t *testing.T) {
	t.Parallel()

	h, _, _ := newRouter(t, passthrough{})
	rec := post(h, "/api/v1/admin/tenants", "", `{"name":"A","residency":"us","externalId":"ext-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var got errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]any{"name": "must be at least 3 characters"}, got.Details["fields"])
}

func TestRespondError_PlainError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	respondError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}
