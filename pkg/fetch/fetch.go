// Package fetch performs the outbound JSON GET requests made by the
// authentication pipeline: OIDC discovery documents, JSON Web Key Sets and
// tenant profiles.
//
// Every request carries a bounded timeout, a fixed User-Agent and an
// Accept: application/json header. Response bodies are capped at
// [MaxBodyBytes]. Failures are returned as [*sserr.Error] values with
// [sserr.CodeTimeoutDependency] when the deadline passed and
// [sserr.CodeUnavailableDependency] otherwise; callers wrap them into their
// own domain errors.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/fetch"

const (
	// DefaultTimeout bounds each request, including reading the body.
	DefaultTimeout = 5 * time.Second

	// DefaultUserAgent identifies the pipeline to upstream services.
	DefaultUserAgent = "plutus-security/0.1 (+https://example.com)"

	// MaxBodyBytes is the largest response body accepted (1 MiB).
	MaxBodyBytes = 1 << 20
)

// Fetcher retrieves a JSON document and decodes it into out.
type Fetcher interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// Func adapts a function to [Fetcher]. Useful for test doubles.
type Func func(ctx context.Context, url string, out any) error

// GetJSON calls f.
func (f Func) GetJSON(ctx context.Context, url string, out any) error {
	return f(ctx, url, out)
}

// HTTPClient is the subset of [*http.Client] used by [Client].
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer records request outcomes. outcome is "ok", "timeout", "status"
// or "error".
type Observer interface {
	ObserveFetch(host, outcome string, elapsed time.Duration)
}

// Client is the production [Fetcher]. It is safe for concurrent use.
type Client struct {
	http      HTTPClient
	timeout   time.Duration
	userAgent string
	tracer    trace.Tracer
	observer  Observer
}

var _ Fetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default [http.Client].
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-request timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithUserAgent overrides [DefaultUserAgent].
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		if ua != "" {
			cl.userAgent = ua
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(cl *Client) { cl.observer = o }
}

// WithTracerProvider sets the provider used for spans instead of the global
// one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cl *Client) {
		if tp != nil {
			cl.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a Client with [DefaultTimeout] and [DefaultUserAgent].
func New(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{},
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJSON issues a GET to rawURL and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) (err error) {
	start := time.Now()
	host := hostOf(rawURL)

	ctx, span := c.tracer.Start(ctx, "fetch.GetJSON", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", http.MethodGet),
		attribute.String("server.address", host),
	)
	defer func() {
		finishSpan(span, err)
		if c.observer != nil {
			c.observer.ObserveFetch(host, outcome(err), time.Since(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeUnavailableDependency, "fetch: invalid request URL %q", rawURL)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapError(err, "fetch: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sserr.Newf(sserr.CodeUnavailableDependency,
			"fetch: %s returned status %d", host, resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return wrapError(err, "fetch: failed to read response body")
	}
	if len(body) > MaxBodyBytes {
		return sserr.Newf(sserr.CodeUnavailableDependency,
			"fetch: response from %s exceeds %d bytes", host, MaxBodyBytes)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return sserr.Wrapf(err, sserr.CodeUnavailableDependency,
			"fetch: response from %s is not valid JSON", host)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case sserr.HasCode(err, sserr.CodeTimeoutDependency):
		return "timeout"
	case errorHasDetail(err, "status"):
		return "status"
	default:
		return "error"
	}
}

func errorHasDetail(err error, key string) bool {
	e, ok := sserr.AsError(err)
	if !ok {
		return false
	}
	_, ok = e.Details[key]
	return ok
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

// wrapError classifies transport errors. A passed deadline is a timeout;
// everything else, including caller cancellation, is unavailability.
func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
}
