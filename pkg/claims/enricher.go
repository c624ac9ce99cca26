package claims

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/tenant"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/claims"

// DefaultImpersonationReason is used when act.sub is present without an
// impersonation_reason claim.
const DefaultImpersonationReason = "unspecified"

// Defaults fill in what the token and the tenant profile leave out.
type Defaults struct {
	FallbackTenant    string
	FallbackResidency string
}

// ProfileResolver looks up tenant profiles. *tenant.Resolver satisfies it.
type ProfileResolver interface {
	Resolve(ctx context.Context, tenantID string) (tenant.Profile, error)
}

// Option configures an [Enricher].
type Option func(*Enricher)

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Enricher) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}

// Enricher attaches tenant metadata to verified payloads.
type Enricher struct {
	profiles ProfileResolver
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewEnricher returns an enricher resolving profiles through profiles.
func NewEnricher(profiles ProfileResolver, opts ...Option) (*Enricher, error) {
	if profiles == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "claims: enricher requires a profile resolver")
	}
	e := &Enricher{
		profiles: profiles,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enrich builds [AugmentedClaims] from a verified payload.
//
// The tenant is tenant_id when it is a non-empty string, else
// d.FallbackTenant. The profile's tenant id and residency win over the
// requested id and d.FallbackResidency when non-empty. The only failure is
// a profile lookup error, returned as [sserr.CodeTenantProfileFetch].
func (e *Enricher) Enrich(ctx context.Context, payload map[string]any, d Defaults) (ac *AugmentedClaims, err error) {
	ctx, span := e.tracer.Start(ctx, "claims.Enrich", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	tenantID := stringClaim(payload, "tenant_id")
	if tenantID == "" {
		tenantID = d.FallbackTenant
		e.logger.DebugContext(ctx, "token carries no tenant_id, using fallback tenant",
			slog.String("tenant", tenantID))
	}
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	if tenantID == "" {
		return nil, sserr.TenantProfileFetch(
			sserr.New(sserr.CodeValidationRequired, "no tenant_id claim and no fallback tenant"), "")
	}

	profile, err := e.profiles.Resolve(ctx, tenantID)
	if err != nil {
		if !sserr.IsTenantProfileFetch(err) {
			err = sserr.TenantProfileFetch(err, tenantID)
		}
		return nil, err
	}

	ac = &AugmentedClaims{
		Issuer:     stringClaim(payload, "iss"),
		Subject:    stringClaim(payload, "sub"),
		TenantID:   tenantID,
		Residency:  d.FallbackResidency,
		RawPayload: payload,
	}
	if profile.TenantID != "" {
		ac.TenantID = profile.TenantID
	}
	if profile.Residency != "" {
		ac.Residency = profile.Residency
	}
	if ac.Residency == "" {
		return nil, sserr.TenantProfileFetch(errors.New("tenant has no residency and no fallback is configured"), ac.TenantID)
	}

	ac.AuthorizedParty = stringClaim(payload, "azp")
	if ac.AuthorizedParty == "" {
		ac.AuthorizedParty = stringClaim(payload, "client_id")
	}

	ac.Audiences = audiences(payload["aud"])
	if len(ac.Audiences) > 0 {
		ac.Audience = ac.Audiences[0]
	}

	if exp, ok := numericDate(payload["exp"]); ok {
		ac.ExpiresAt = exp
	}
	if nbf, ok := numericDate(payload["nbf"]); ok && nbf != 0 {
		ac.NotBefore = &nbf
	}

	if act, ok := payload["act"].(map[string]any); ok {
		if sub, _ := act["sub"].(string); sub != "" {
			reason, _ := payload["impersonation_reason"].(string)
			if reason == "" {
				reason = DefaultImpersonationReason
			}
			ac.Impersonator = &Impersonator{Subject: sub, Reason: reason}
		}
	}

	span.SetAttributes(attribute.String("tenant.residency", ac.Residency))
	return ac, nil
}
