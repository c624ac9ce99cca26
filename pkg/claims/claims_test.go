package claims

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes_MatchesJSONEncoding(t *testing.T) {
	t.Parallel()

	nbf := int64(100)
	ac := &AugmentedClaims{
		Issuer:          "https://idp.example.com/",
		Subject:         "user-123",
		AuthorizedParty: "web",
		Audiences:       []string{"a", "b"},
		Audience:        "a",
		ExpiresAt:       200,
		NotBefore:       &nbf,
		TenantID:        "t1",
		Residency:       "eu",
		Impersonator:    &Impersonator{Subject: "ops", Reason: "unspecified"},
		RawPayload:      map[string]any{"roles": []any{"iam.admin"}},
	}

	data, err := json.Marshal(ac)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, decoded, ac.Attributes())
}

func TestAttributes_OmitsUnsetOptionals(t *testing.T) {
	t.Parallel()

	attrs := (&AugmentedClaims{TenantID: "t1", Residency: "us"}).Attributes()
	assert.NotContains(t, attrs, "authorizedParty")
	assert.NotContains(t, attrs, "notBefore")
	assert.NotContains(t, attrs, "impersonator")
	assert.Equal(t, "us", attrs["residency"])

	var nilClaims *AugmentedClaims
	assert.Nil(t, nilClaims.Attributes())
	assert.Nil(t, nilClaims.Roles())
}

func TestRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		roles any
		want  []string
	}{
		{"absent", nil, nil},
		{"single string", "iam.admin", []string{"iam.admin"}},
		{"empty string", "", nil},
		{"string slice", []string{"a", "b"}, []string{"a", "b"}},
		{"mixed array", []any{"a", 3.0, "b"}, []string{"a", "b"}},
		{"wrong type", map[string]any{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ac := &AugmentedClaims{RawPayload: map[string]any{}}
			if tt.roles != nil {
				ac.RawPayload["roles"] = tt.roles
			}
			assert.Equal(t, tt.want, ac.Roles())
		})
	}
}
