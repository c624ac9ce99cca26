package policy

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Option configures an [Engine].
type Option func(*Engine)

// WithHotReload rereads the source on every evaluation instead of caching
// the first successful load.
func WithHotReload(enabled bool) Option {
	return func(e *Engine) { e.hotReload = enabled }
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine evaluates access requests against the bundle from a [Source]. It
// is safe for concurrent use.
type Engine struct {
	source    Source
	hotReload bool
	tracer    trace.Tracer
	logger    *slog.Logger

	mu     sync.RWMutex
	loaded *Bundle
}

// NewEngine returns an engine over source. The bundle is loaded lazily on
// the first evaluation.
func NewEngine(source Source, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "policy: engine requires a bundle source")
	}
	e := &Engine{
		source: source,
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HotReload reports whether the engine rereads its source per evaluation.
func (e *Engine) HotReload() bool { return e.hotReload }

// Version returns the version of the cached bundle, or "" before the first
// successful load.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.loaded == nil {
		return ""
	}
	return e.loaded.Version
}

// Reload reads and parses the source now. On success the new bundle
// replaces the cached one; on failure the cached bundle is kept and the
// error returned.
func (e *Engine) Reload(ctx context.Context) error {
	b, err := e.read(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.loaded = b
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "policy bundle loaded",
		slog.String("source", e.source.String()), slog.String("version", b.Version))
	return nil
}

func (e *Engine) read(ctx context.Context) (*Bundle, error) {
	data, err := e.source.Read(ctx)
	if err != nil {
		return nil, sserr.PolicyBundleParse(err, e.source.String())
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, sserr.PolicyBundleParse(err, e.source.String())
	}
	return b, nil
}

func (e *Engine) bundle(ctx context.Context) (*Bundle, error) {
	if e.hotReload {
		return e.read(ctx)
	}
	e.mu.RLock()
	b := e.loaded
	e.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded != nil {
		return e.loaded, nil
	}
	b, err := e.read(ctx)
	if err != nil {
		return nil, err
	}
	e.loaded = b
	return b, nil
}

// Evaluate decides req. A denial is a normal decision, not an error; the
// only error is a bundle that cannot be read or parsed
// ([sserr.CodePolicyBundleParse]).
func (e *Engine) Evaluate(ctx context.Context, req AccessRequest) (d AccessDecision, err error) {
	ctx, span := e.tracer.Start(ctx, "policy.Evaluate", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("policy.action", req.Action))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("policy.allow", d.Allow))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	b, err := e.bundle(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "policy bundle unavailable",
			slog.String("source", e.source.String()), slog.Any("error", err))
		return AccessDecision{}, err
	}
	span.SetAttributes(attribute.String("policy.version", b.Version))
	return Decide(b, req), nil
}

// Decide evaluates req against b. It is deterministic: the same bundle and
// request always yield the same decision.
func Decide(b *Bundle, req AccessRequest) AccessDecision {
	roles := map[string]struct{}{}
	for _, r := range req.Claims.Roles() {
		roles[r] = struct{}{}
	}

	var reasons, remediation []string
	for _, rule := range b.Entrypoints[req.Action] {
		ok, rs, rm := matchRule(rule, roles, req)
		if ok {
			return AccessDecision{Allow: true}
		}
		reasons = append(reasons, rs...)
		remediation = append(remediation, rm...)
	}
	return AccessDecision{Allow: false, Reasons: reasons, Remediation: remediation}
}
