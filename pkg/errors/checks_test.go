package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"discovery", Discovery(errors.New("x"), "iss"), IsDiscovery},
		{"keyset", KeySetFetch(errors.New("x"), "uri"), IsKeySetFetch},
		{"signature", SignatureVerification(errors.New("x")), IsSignatureVerification},
		{"expired", TokenExpired(errors.New("x")), IsTokenExpired},
		{"issuer", IssuerMismatch(errors.New("x"), "iss"), IsIssuerMismatch},
		{"audience", AudienceMismatch(errors.New("x"), "aud"), IsAudienceMismatch},
		{"tenant", TenantProfileFetch(errors.New("x"), "t1"), IsTenantProfileFetch},
		{"bundle", PolicyBundleParse(errors.New("x"), "file"), IsPolicyBundleParse},
		{"authentication category", TokenExpired(nil), IsAuthentication},
		{"unavailable category", KeySetFetch(nil, "uri"), IsUnavailable},
		{"internal category", PolicyBundleParse(nil, "file"), IsInternal},
		{"timeout category", New(CodeTimeoutDependency, "slow"), IsTimeout},
		{"validation category", Validation("bad"), IsValidation},
		{"not found category", New(CodeTenantNotFound, "gone"), IsNotFound},
		{"authorization category", New(CodeAccessDenied, "no"), IsAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", tt.err)), "predicate must see through fmt wrapping")
			assert.False(t, tt.check(errors.New("plain")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestHasCode_InnerCode(t *testing.T) {
	t.Parallel()

	inner := New(CodeTimeoutDependency, "slow upstream")
	outer := Discovery(inner, "https://idp/")

	assert.Equal(t, CodeDiscovery, GetCode(outer))
	assert.True(t, HasCode(outer, CodeDiscovery))
	assert.True(t, HasCode(outer, CodeTimeoutDependency))
	assert.False(t, HasCode(outer, CodeKeySetFetch))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(KeySetFetch(nil, "uri")))
	assert.True(t, IsRetryable(New(CodeTimeoutDependency, "slow")))
	assert.False(t, IsRetryable(TokenExpired(nil)))
	assert.Equal(t, Code(""), GetCode(errors.New("plain")))
}
