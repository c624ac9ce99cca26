// Package errors defines the structured error model shared by every
// component of the authentication and authorization pipeline.
//
// Each failure carries a machine-readable [Code] of the form CATEGORY_NNN.
// The category selects the HTTP status ([Error.HTTPStatus]); the numeric
// suffix identifies the precise failure so that operators can alert on it
// and callers can branch on it without parsing messages.
//
// # Taxonomy
//
// The pipeline distinguishes the following failures:
//
//   - [CodeDiscovery]: the OIDC issuer is unreachable or its discovery
//     document is malformed
//   - [CodeKeySetFetch]: the JSON Web Key Set cannot be fetched or parsed
//   - [CodeSignatureVerification]: the token signature does not verify
//   - [CodeTokenExpired]: the token is expired or not yet valid
//   - [CodeIssuerMismatch] and [CodeAudienceMismatch]: claim mismatches
//   - [CodeTenantProfileFetch]: the tenant configuration lookup failed
//   - [CodePolicyBundleParse]: the policy bundle is not valid
//
// A policy denial is not an error. It is a normal decision value.
//
// # Usage
//
//	err := errors.Wrap(cause, errors.CodeDiscovery, "oidc: discovery failed")
//
//	if errors.IsTokenExpired(err) {
//	    // ask the caller to refresh
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("request rejected", "code", e.Code, "message", e.Message)
//	}
package errors
