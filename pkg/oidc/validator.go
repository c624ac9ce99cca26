package oidc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// TokenValidator resolves the issuer's key set location and verifies the
// token against it. It adds no failure modes of its own: errors from the
// [Resolver] and [KeySetCache] are returned unchanged.
type TokenValidator struct {
	resolver *Resolver
	keys     *KeySetCache
	tracer   trace.Tracer
}

// NewTokenValidator composes a resolver and a key set cache.
func NewTokenValidator(resolver *Resolver, keys *KeySetCache) (*TokenValidator, error) {
	if resolver == nil || keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"oidc: token validator requires a resolver and a key set cache")
	}
	return &TokenValidator{resolver: resolver, keys: keys, tracer: resolver.opts.tracer}, nil
}

// Validate verifies token for the expected issuer and audience.
func (v *TokenValidator) Validate(ctx context.Context, token string, want Expectations) (vt *VerifiedToken, err error) {
	ctx, span := startSpan(ctx, v.tracer, "oidc.Validate")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("oidc.expected_issuer", want.Issuer))

	doc, err := v.resolver.Resolve(ctx, want.Issuer)
	if err != nil {
		return nil, err
	}
	return v.keys.ValidateJWT(ctx, token, doc.JWKSURI, want)
}
