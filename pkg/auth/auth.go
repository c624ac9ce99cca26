// Package auth is the request-time trust boundary. It composes token
// validation, tenant enrichment and policy evaluation into one pipeline and
// exposes it as HTTP middleware and gRPC server interceptors.
//
// Each request runs these steps and stops at the first failure:
//
//  1. Extract the bearer token.
//  2. Validate it against the configured issuer and audience.
//  3. Enrich the payload with the caller's tenant and residency.
//  4. Evaluate the policy for the route's action.
//  5. Allow, attaching the [Result] to the request context, or reject.
//
// Rejections carry a JSON body {"error": ...}: 401 for missing or invalid
// credentials and enrichment failures, 403 for policy denials and 500 when
// the policy bundle cannot be loaded. Nothing is retried.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/StricklySoft/plutus-security/pkg/claims"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/oidc"
	"github.com/StricklySoft/plutus-security/pkg/policy"
)

// Rejection error codes, as written to the "error" field of the body.
const (
	ErrMissingAuthorization = "missing_authorization_header"
	ErrTokenValidation      = "token_validation_failed"
	ErrPolicyEvaluation     = "policy_evaluation_failed"
	ErrAccessDenied         = "access_denied"
)

// DefaultAction is evaluated for routes without a configured action.
const DefaultAction = "unknown"

// DefaultMaxBodyBytes bounds how much of a request body is read for
// resource attributes.
const DefaultMaxBodyBytes = 1 << 20

// HeaderAuthorization carries the bearer token, in HTTP headers and gRPC
// metadata alike.
const HeaderAuthorization = "authorization"

// TokenValidator verifies bearer tokens. *oidc.TokenValidator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, token string, want oidc.Expectations) (*oidc.VerifiedToken, error)
}

// ClaimsEnricher attaches tenant metadata. *claims.Enricher satisfies it.
type ClaimsEnricher interface {
	Enrich(ctx context.Context, payload map[string]any, d claims.Defaults) (*claims.AugmentedClaims, error)
}

// PolicyEvaluator decides access requests. *policy.Engine satisfies it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.AccessRequest) (policy.AccessDecision, error)
}

// Recorder receives pipeline outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveDecision(action string, allowed bool)
	ObserveRejection(transport, reason string)
	ObserveAuthDuration(transport string, elapsed time.Duration)
}

// Config holds what every request is checked against.
type Config struct {
	Expectations oidc.Expectations
	Defaults     claims.Defaults
}

// Option configures a [Middleware].
type Option func(*Middleware)

// WithRecorder reports decisions, rejections and latency to r.
func WithRecorder(r Recorder) Option {
	return func(m *Middleware) { m.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Middleware) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes]. Larger bodies are
// passed through untouched and evaluated with an empty resource.
func WithMaxBodyBytes(n int64) Option {
	return func(m *Middleware) {
		if n > 0 {
			m.maxBody = n
		}
	}
}

// Middleware runs the authentication pipeline. It is safe for concurrent
// use.
type Middleware struct {
	validator TokenValidator
	enricher  ClaimsEnricher
	policy    PolicyEvaluator
	cfg       Config
	recorder  Recorder
	logger    *slog.Logger
	maxBody   int64
	now       func() time.Time
}

// NewMiddleware returns a pipeline over the three collaborators.
func NewMiddleware(v TokenValidator, e ClaimsEnricher, p PolicyEvaluator, cfg Config, opts ...Option) (*Middleware, error) {
	if v == nil || e == nil || p == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"auth: middleware requires a token validator, claims enricher and policy evaluator")
	}
	if cfg.Expectations.Issuer == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: expected issuer is required")
	}
	m := &Middleware{
		validator: v,
		enricher:  e,
		policy:    p,
		cfg:       cfg,
		logger:    slog.Default(),
		maxBody:   DefaultMaxBodyBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Result is attached to the context of every allowed request.
type Result struct {
	Claims   *claims.AugmentedClaims
	Decision policy.AccessDecision
}

// Rejection is a terminal pipeline failure. It is written as the JSON
// response body; Status and Err are not serialized.
type Rejection struct {
	Status      int      `json:"-"`
	Code        string   `json:"error"`
	Message     string   `json:"message,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Err         error    `json:"-"`
}

func (r *Rejection) Error() string {
	if r.Message != "" {
		return r.Code + ": " + r.Message
	}
	return r.Code
}

func (r *Rejection) Unwrap() error { return r.Err }

// Request describes the call being authorized, independent of transport.
type Request struct {
	Token    string
	Action   string
	Resource map[string]any
	Method   string
	IP       string
	Path     string

	// LoadResource, when set, replaces Resource. It is called only once the
	// token is valid and the claims are enriched, so unauthenticated callers
	// cannot make the middleware read a request body.
	LoadResource func() map[string]any
}

// Authorize runs steps 2 to 5 for a token that has already been extracted.
// An empty token is rejected as missing.
func (m *Middleware) Authorize(ctx context.Context, req Request) (*Result, *Rejection) {
	if req.Token == "" {
		return nil, &Rejection{Status: http.StatusUnauthorized, Code: ErrMissingAuthorization}
	}

	vt, err := m.validator.Validate(ctx, req.Token, m.cfg.Expectations)
	if err != nil {
		return nil, tokenRejection(err)
	}

	ac, err := m.enricher.Enrich(ctx, vt.Payload, m.cfg.Defaults)
	if err != nil {
		return nil, tokenRejection(err)
	}

	action := req.Action
	if action == "" {
		action = DefaultAction
	}
	resource := req.Resource
	if req.LoadResource != nil {
		resource = req.LoadResource()
	}
	if resource == nil {
		resource = map[string]any{}
	}
	decision, err := m.policy.Evaluate(ctx, policy.AccessRequest{
		Claims:   ac,
		Action:   action,
		Resource: resource,
		Environment: map[string]any{
			"method":    req.Method,
			"ip":        req.IP,
			"path":      req.Path,
			"residency": ac.Residency,
		},
	})
	if err != nil {
		return nil, &Rejection{Status: http.StatusInternalServerError, Code: ErrPolicyEvaluation, Err: err}
	}
	if m.recorder != nil {
		m.recorder.ObserveDecision(action, decision.Allow)
	}

	if !decision.Allow {
		m.logger.InfoContext(ctx, "access denied",
			slog.String("action", action),
			slog.String("subject", ac.Subject),
			slog.String("tenant", ac.TenantID),
			slog.String("reasons", strings.Join(decision.Reasons, ",")),
		)
		return nil, &Rejection{
			Status:      http.StatusForbidden,
			Code:        ErrAccessDenied,
			Reasons:     decision.Reasons,
			Remediation: decision.Remediation,
		}
	}
	return &Result{Claims: ac, Decision: decision}, nil
}

// tokenRejection maps a validation or enrichment failure to a 401. The
// message is the taxonomy message of the outermost structured error, so
// causes such as signature internals never reach the caller.
func tokenRejection(err error) *Rejection {
	msg := "token validation failed"
	if e, ok := sserr.AsError(err); ok && e.Message != "" {
		msg = e.Message
	}
	return &Rejection{Status: http.StatusUnauthorized, Code: ErrTokenValidation, Message: msg, Err: err}
}

// reject logs and records a rejection.
func (m *Middleware) reject(ctx context.Context, transport string, rej *Rejection) {
	if m.recorder != nil {
		m.recorder.ObserveRejection(transport, rej.Code)
	}
	if rej.Status == http.StatusForbidden {
		return
	}
	attrs := []any{
		slog.String("transport", transport),
		slog.String("reason", rej.Code),
		slog.String("code", string(sserr.GetCode(rej.Err))),
	}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if rej.Status >= http.StatusInternalServerError {
		m.logger.ErrorContext(ctx, "request rejected", append(attrs, slog.Any("error", rej.Err))...)
		return
	}
	m.logger.WarnContext(ctx, "request rejected", attrs...)
}

func (m *Middleware) observeDuration(transport string, start time.Time) {
	if m.recorder != nil {
		m.recorder.ObserveAuthDuration(transport, m.now().Sub(start))
	}
}

// ExtractBearerToken returns the credential of an "Bearer <token>"
// authorization value. The scheme is matched case-insensitively; anything
// else yields "".
func ExtractBearerToken(header string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, " \t") {
		return ""
	}
	return value
}
