package oidc

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/plutus-security/pkg/cache"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/fetch"
)

// WellKnownPath is appended to the normalized issuer to locate its
// discovery document.
const WellKnownPath = ".well-known/openid-configuration"

// DiscoveryDocument holds the subset of provider metadata the pipeline
// uses.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
}

// Resolver resolves issuers to discovery documents. It is safe for
// concurrent use.
type Resolver struct {
	fetcher fetch.Fetcher
	cache   *cache.Cache[*DiscoveryDocument]
	opts    options
}

// NewResolver returns a Resolver caching documents for
// [DefaultDiscoveryTTL] unless overridden with [WithTTL].
func NewResolver(fetcher fetch.Fetcher, opts ...Option) (*Resolver, error) {
	if fetcher == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "oidc: resolver requires a fetcher")
	}
	o := newOptions(DefaultDiscoveryTTL, opts)
	c, err := cache.New[*DiscoveryDocument](o.capacity, o.ttl, o.cacheOptions("oidc_discovery")...)
	if err != nil {
		return nil, err
	}
	return &Resolver{fetcher: fetcher, cache: c, opts: o}, nil
}

// NormalizeIssuer trims surrounding space and forces exactly one trailing
// slash, so "https://idp" and "https://idp//" share a cache entry.
func NormalizeIssuer(issuer string) string {
	return strings.TrimRight(strings.TrimSpace(issuer), "/") + "/"
}

// DiscoveryURL returns the discovery document URL for issuer.
func DiscoveryURL(issuer string) string {
	return NormalizeIssuer(issuer) + WellKnownPath
}

// Resolve returns the discovery document for issuer, from cache when
// fresh. Any failure, including a document without jwks_uri, is a
// [sserr.CodeDiscovery] error and is not cached.
func (r *Resolver) Resolve(ctx context.Context, issuer string) (doc *DiscoveryDocument, err error) {
	ctx, span := startSpan(ctx, r.opts.tracer, "oidc.Resolve")
	defer func() { finishSpan(span, err) }()

	if strings.TrimSpace(issuer) == "" {
		return nil, sserr.Discovery(errors.New("issuer is empty"), issuer)
	}
	key := NormalizeIssuer(issuer)
	span.SetAttributes(attribute.String("oidc.issuer", key))

	return r.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*DiscoveryDocument, error) {
		trace.SpanFromContext(ctx).AddEvent("oidc.discovery.fetch")
		var d DiscoveryDocument
		if err := r.fetcher.GetJSON(ctx, key+WellKnownPath, &d); err != nil {
			r.opts.logger.WarnContext(ctx, "oidc discovery fetch failed",
				"issuer", key, "error", err)
			return nil, sserr.Discovery(err, key)
		}
		if d.JWKSURI == "" {
			return nil, sserr.Discovery(errors.New("discovery document has no jwks_uri"), key)
		}
		return &d, nil
	})
}

// Invalidate drops the cached document for issuer.
func (r *Resolver) Invalidate(issuer string) {
	r.cache.Delete(NormalizeIssuer(issuer))
}
