package errors

import (
	"errors"
	"fmt"
)

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. It returns nil when err is nil.
//
//	doc, err := fetcher.GetJSON(ctx, url, &out)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeDiscovery, "oidc: discovery failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a VAL_001 error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a VAL_001 error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Unauthorized creates an AUTH_001 error.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// Internal creates an INT_001 error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// FromError returns err as an *Error, wrapping foreign errors as INT_001.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}

// ---------------------------------------------------------------------------
// Pipeline failures. These never return nil, even for a nil cause.
// ---------------------------------------------------------------------------

// Discovery reports that the discovery document for issuer could not be
// resolved.
func Discovery(cause error, issuer string) *Error {
	return (&Error{
		Code:    CodeDiscovery,
		Message: "oidc discovery failed",
		Cause:   cause,
	}).WithDetail("issuer", issuer)
}

// KeySetFetch reports that the key set at uri could not be fetched or parsed.
func KeySetFetch(cause error, uri string) *Error {
	return (&Error{
		Code:    CodeKeySetFetch,
		Message: "key set fetch failed",
		Cause:   cause,
	}).WithDetail("jwks_uri", uri)
}

// SignatureVerification reports that no trusted key verified the token.
func SignatureVerification(cause error) *Error {
	return &Error{Code: CodeSignatureVerification, Message: "token signature verification failed", Cause: cause}
}

// TokenExpired reports a token outside its validity window.
func TokenExpired(cause error) *Error {
	return &Error{Code: CodeTokenExpired, Message: "token is expired or not yet valid", Cause: cause}
}

// TokenMalformed reports a token that could not be decoded.
func TokenMalformed(cause error) *Error {
	return &Error{Code: CodeTokenMalformed, Message: "token is malformed", Cause: cause}
}

// IssuerMismatch reports an iss claim different from expected.
func IssuerMismatch(cause error, expected string) *Error {
	return (&Error{Code: CodeIssuerMismatch, Message: "token issuer mismatch", Cause: cause}).
		WithDetail("expected_issuer", expected)
}

// AudienceMismatch reports an aud claim that does not contain expected.
func AudienceMismatch(cause error, expected string) *Error {
	return (&Error{Code: CodeAudienceMismatch, Message: "token audience mismatch", Cause: cause}).
		WithDetail("expected_audience", expected)
}

// TenantProfileFetch reports a failed tenant profile lookup.
func TenantProfileFetch(cause error, tenantID string) *Error {
	return (&Error{
		Code:    CodeTenantProfileFetch,
		Message: "tenant profile lookup failed",
		Cause:   cause,
	}).WithDetail("tenant_id", tenantID)
}

// PolicyBundleParse reports a policy bundle that could not be read or is
// not valid. source names where the bundle came from.
func PolicyBundleParse(cause error, source string) *Error {
	return (&Error{
		Code:    CodePolicyBundleParse,
		Message: "policy bundle could not be parsed",
		Cause:   cause,
	}).WithDetail("source", source)
}
