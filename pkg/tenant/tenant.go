// Package tenant resolves tenant profiles: the residency and canonical id
// attached to every authenticated identity.
//
// A [Resolver] fronts a [Source] with a bounded local cache. Sources:
//
//   - [ConfigServiceSource] asks the tenant config service over HTTP.
//   - [Directory] reads the tenant_profiles table in PostgreSQL.
//   - [SharedCache] wraps another source with a Redis read-through layer
//     shared by every replica.
//
// Lookup failures surface as [sserr.CodeTenantProfileFetch] and are never
// cached.
package tenant

import (
	"context"
	"time"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/tenant"

// Profile is what the platform knows about a tenant. Residency may be empty
// when the source has no opinion; callers apply their own fallback.
type Profile struct {
	TenantID  string `json:"tenantId"`
	Residency string `json:"residency,omitempty"`
}

// Source looks up a single tenant profile.
type Source interface {
	Profile(ctx context.Context, tenantID string) (Profile, error)
}

// ExpiringSource is a [Source] that is itself a cache and knows when the
// profile it returns goes stale. [Resolver] caches such profiles no longer
// than that, so the staleness of the two tiers together stays within one
// TTL. [SharedCache] implements it.
type ExpiringSource interface {
	Source
	ProfileUntil(ctx context.Context, tenantID string) (Profile, time.Time, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context, tenantID string) (Profile, error)

// Profile calls f.
func (f SourceFunc) Profile(ctx context.Context, tenantID string) (Profile, error) {
	return f(ctx, tenantID)
}
