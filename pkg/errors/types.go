package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is the structured error returned across the module. Values are
// treated as immutable; the With* helpers return copies.
type Error struct {
	// Code is the machine-readable error code.
	Code Code

	// Message is safe to show to API callers. It never contains key
	// material, tokens or upstream response bodies.
	Message string

	// Cause is the underlying error, reachable through Unwrap.
	Cause error

	// Details carries structured context such as the issuer or tenant id.
	Details map[string]any
}

// Error renders "CODE: message" followed by the cause when present.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause so that errors.Is and errors.As traverse it.
func (e *Error) Unwrap() error {
	return e.Cause
}

var categoryStatus = map[string]int{
	"VAL":     http.StatusBadRequest,
	"AUTH":    http.StatusUnauthorized,
	"AUTHZ":   http.StatusForbidden,
	"NF":      http.StatusNotFound,
	"CONF":    http.StatusConflict,
	"INT":     http.StatusInternalServerError,
	"UNAVAIL": http.StatusServiceUnavailable,
	"TIMEOUT": http.StatusGatewayTimeout,
}

// HTTPStatus maps the code category to an HTTP status. Unknown categories
// map to 500.
func (e *Error) HTTPStatus() int {
	if status, ok := categoryStatus[e.Code.Category()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails returns a copy of e with details merged over the existing ones.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: merged}
}

// WithDetail returns a copy of e with one additional detail.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format supports %v, %s and %q. %+v prints the code, message, details
// and the full cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fmt.Fprint(s, e.Error())
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
