package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const resultKey contextKey = iota

// ContextWithResult returns a context carrying res. The middleware and the
// interceptors call it for every allowed request.
func ContextWithResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, resultKey, res)
}

// FromContext returns the claims and decision of the authenticated caller.
//
// Example:
//
//	res, ok := auth.FromContext(r.Context())
//	if !ok {
//	    return sserr.Unauthorized("no caller in context")
//	}
//	log.Info("request", "tenant", res.Claims.TenantID)
func FromContext(ctx context.Context) (*Result, bool) {
	res, ok := ctx.Value(resultKey).(*Result)
	return res, ok && res != nil
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex, for
// correlating rejections with traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
