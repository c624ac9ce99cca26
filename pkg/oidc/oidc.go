// Package oidc verifies bearer tokens issued by external OpenID Connect
// providers.
//
// Three components make up the pipeline:
//
//   - [Resolver] fetches and caches discovery documents per issuer.
//   - [KeySetCache] fetches and caches JSON Web Key Sets per URI and
//     verifies tokens against them.
//   - [TokenValidator] composes the two: resolve the issuer, then verify
//     against the discovered jwks_uri.
//
// All network access goes through a [fetch.Fetcher], so tests can replace
// the identity provider with an in-memory double. Failed fetches are never
// cached.
package oidc

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/plutus-security/pkg/cache"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/oidc"

const (
	// DefaultDiscoveryTTL is how long a discovery document is reused.
	DefaultDiscoveryTTL = 10 * time.Minute

	// DefaultKeySetTTL is how long a fetched key set is reused.
	DefaultKeySetTTL = 5 * time.Minute

	// DefaultCapacity bounds both caches.
	DefaultCapacity = 100
)

// Expectations are the claims a token must carry to be accepted.
type Expectations struct {
	Issuer   string
	Audience string
}

// VerifiedToken is the outcome of a successful verification. Issuer,
// audience and validity window have been enforced; other payload fields
// are still caller input.
type VerifiedToken struct {
	Payload         map[string]any
	ProtectedHeader map[string]any
}

// Option configures a [Resolver] or [KeySetCache].
type Option func(*options)

type options struct {
	ttl          time.Duration
	capacity     int
	now          func() time.Time
	leeway       time.Duration
	algorithms   []string
	observer     cache.Observer
	singleFlight bool
	tracer       trace.Tracer
	logger       *slog.Logger
}

func newOptions(ttl time.Duration, opts []Option) options {
	o := options{
		ttl:        ttl,
		capacity:   DefaultCapacity,
		now:        time.Now,
		algorithms: DefaultAlgorithms,
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) cacheOptions(name string) []cache.Option {
	opts := []cache.Option{cache.WithName(name), cache.WithClock(o.now)}
	if o.observer != nil {
		opts = append(opts, cache.WithObserver(o.observer))
	}
	if o.singleFlight {
		opts = append(opts, cache.WithSingleFlight())
	}
	return opts
}

// WithTTL overrides the cache lifetime of fetched documents.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCapacity overrides [DefaultCapacity].
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now for cache expiry and token time checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

// WithAlgorithms restricts the accepted signing algorithms. Only
// asymmetric algorithms are meaningful; the key set never yields HMAC keys.
func WithAlgorithms(algs ...string) Option {
	return func(o *options) {
		if len(algs) > 0 {
			o.algorithms = algs
		}
	}
}

// WithCacheObserver reports cache hits, misses and evictions.
func WithCacheObserver(obs cache.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithSingleFlight coalesces concurrent fetches of the same document.
func WithSingleFlight() Option {
	return func(o *options) { o.singleFlight = true }
}

// WithTracerProvider sets the provider used for spans instead of the global
// one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
