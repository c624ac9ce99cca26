// Package claims turns a verified token payload into the identity the rest
// of the platform reasons about: issuer, subject, audiences and the tenant
// and residency resolved for the caller.
package claims

import (
	"math"
)

// Impersonator identifies an operator acting on behalf of the subject.
type Impersonator struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// AugmentedClaims is a verified payload plus tenant metadata. TenantID and
// Residency are never empty on a value returned by [Enricher.Enrich].
type AugmentedClaims struct {
	Issuer          string         `json:"issuer"`
	Subject         string         `json:"subject"`
	AuthorizedParty string         `json:"authorizedParty,omitempty"`
	Audiences       []string       `json:"audiences"`
	Audience        string         `json:"audience"`
	ExpiresAt       int64          `json:"expiresAt"`
	NotBefore       *int64         `json:"notBefore,omitempty"`
	TenantID        string         `json:"tenantId"`
	Residency       string         `json:"residency"`
	Impersonator    *Impersonator  `json:"impersonator,omitempty"`
	RawPayload      map[string]any `json:"rawPayload"`
}

// Roles returns the string entries of rawPayload.roles. A single string is
// treated as one role.
func (c *AugmentedClaims) Roles() []string {
	if c == nil {
		return nil
	}
	switch v := c.RawPayload["roles"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}

// Attributes returns the claims as a generic document keyed by the JSON
// field names, for attribute lookups by dotted path. Slices become []any
// and numbers float64, matching what encoding/json would produce.
func (c *AugmentedClaims) Attributes() map[string]any {
	if c == nil {
		return nil
	}
	audiences := make([]any, len(c.Audiences))
	for i, a := range c.Audiences {
		audiences[i] = a
	}
	attrs := map[string]any{
		"issuer":     c.Issuer,
		"subject":    c.Subject,
		"audiences":  audiences,
		"audience":   c.Audience,
		"expiresAt":  float64(c.ExpiresAt),
		"tenantId":   c.TenantID,
		"residency":  c.Residency,
		"rawPayload": c.RawPayload,
	}
	if c.AuthorizedParty != "" {
		attrs["authorizedParty"] = c.AuthorizedParty
	}
	if c.NotBefore != nil {
		attrs["notBefore"] = float64(*c.NotBefore)
	}
	if c.Impersonator != nil {
		attrs["impersonator"] = map[string]any{
			"subject": c.Impersonator.Subject,
			"reason":  c.Impersonator.Reason,
		}
	}
	return attrs
}

// audiences normalizes aud, which RFC 7519 allows as a string or an array.
func audiences(aud any) []string {
	switch v := aud.(type) {
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// numericDate reads a JSON number claim as epoch seconds.
func numericDate(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func stringClaim(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
