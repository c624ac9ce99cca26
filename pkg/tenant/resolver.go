package tenant

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/plutus-security/pkg/cache"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const (
	// DefaultTTL is how long a resolved profile is reused locally.
	DefaultTTL = 15 * time.Minute

	// DefaultCapacity bounds the local profile cache.
	DefaultCapacity = 500
)

// Option configures a [Resolver].
type Option func(*resolverOptions)

type resolverOptions struct {
	ttl          time.Duration
	capacity     int
	now          func() time.Time
	observer     cache.Observer
	singleFlight bool
	tracer       trace.Tracer
	logger       *slog.Logger
}

// WithTTL overrides [DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(o *resolverOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCapacity overrides [DefaultCapacity].
func WithCapacity(n int) Option {
	return func(o *resolverOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *resolverOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCacheObserver reports cache hits, misses and evictions.
func WithCacheObserver(obs cache.Observer) Option {
	return func(o *resolverOptions) { o.observer = obs }
}

// WithSingleFlight coalesces concurrent lookups of the same tenant.
func WithSingleFlight() Option {
	return func(o *resolverOptions) { o.singleFlight = true }
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *resolverOptions) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger for lookup failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *resolverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Resolver caches profiles from a [Source] per tenant id.
type Resolver struct {
	source Source
	cache  *cache.Cache[Profile]
	opts   resolverOptions
}

// NewResolver returns a resolver over source.
func NewResolver(source Source, opts ...Option) (*Resolver, error) {
	if source == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "tenant: resolver requires a source")
	}
	o := resolverOptions{
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	copts := []cache.Option{cache.WithName("tenant_profiles"), cache.WithClock(o.now)}
	if o.observer != nil {
		copts = append(copts, cache.WithObserver(o.observer))
	}
	if o.singleFlight {
		copts = append(copts, cache.WithSingleFlight())
	}
	c, err := cache.New[Profile](o.capacity, o.ttl, copts...)
	if err != nil {
		return nil, err
	}
	return &Resolver{source: source, cache: c, opts: o}, nil
}

// Resolve returns the profile of tenantID. Every failure is reported as
// [sserr.CodeTenantProfileFetch] wrapping the source error.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (p Profile, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tenant.Resolve", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	return r.cache.GetOrLoadUntil(ctx, tenantID, func(ctx context.Context) (Profile, time.Time, error) {
		var (
			p       Profile
			staleAt time.Time
			err     error
		)
		if src, ok := r.source.(ExpiringSource); ok {
			p, staleAt, err = src.ProfileUntil(ctx, tenantID)
		} else {
			p, err = r.source.Profile(ctx, tenantID)
		}
		if err != nil {
			r.opts.logger.WarnContext(ctx, "tenant profile lookup failed",
				slog.String("tenant", tenantID), slog.Any("error", err))
			if sserr.IsTenantProfileFetch(err) {
				return Profile{}, time.Time{}, err
			}
			return Profile{}, time.Time{}, sserr.TenantProfileFetch(err, tenantID)
		}
		return p, staleAt, nil
	})
}

// Invalidate drops the locally cached profile of tenantID.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

// Stats reports the local cache counters.
func (r *Resolver) Stats() cache.Stats {
	return r.cache.Stats()
}
