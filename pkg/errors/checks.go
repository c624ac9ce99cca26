package errors

import (
	"errors"
)

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports a VAL_xxx error.
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports an AUTH_xxx error.
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization reports an AUTHZ_xxx error.
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsNotFound reports an NF_xxx error.
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsInternal reports an INT_xxx error.
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports an UNAVAIL_xxx error.
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports a TIMEOUT_xxx error.
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsDiscovery reports an OIDC discovery failure.
func IsDiscovery(err error) bool { return HasCode(err, CodeDiscovery) }

// IsKeySetFetch reports a JWKS fetch failure.
func IsKeySetFetch(err error) bool { return HasCode(err, CodeKeySetFetch) }

// IsSignatureVerification reports a signature verification failure.
func IsSignatureVerification(err error) bool { return HasCode(err, CodeSignatureVerification) }

// IsTokenExpired reports an expired or not-yet-valid token.
func IsTokenExpired(err error) bool { return HasCode(err, CodeTokenExpired) }

// IsIssuerMismatch reports an issuer claim mismatch.
func IsIssuerMismatch(err error) bool { return HasCode(err, CodeIssuerMismatch) }

// IsAudienceMismatch reports an audience claim mismatch.
func IsAudienceMismatch(err error) bool { return HasCode(err, CodeAudienceMismatch) }

// IsTenantProfileFetch reports a failed tenant profile lookup.
func IsTenantProfileFetch(err error) bool { return HasCode(err, CodeTenantProfileFetch) }

// IsPolicyBundleParse reports an unusable policy bundle.
func IsPolicyBundleParse(err error) bool { return HasCode(err, CodePolicyBundleParse) }

// IsRetryable reports whether the failure is transient: unavailable
// dependencies and timeouts.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || IsTimeout(err)
}
