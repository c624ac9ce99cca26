package errors

// Code is a machine-readable error identifier of the form CATEGORY_NNN.
// Codes are stable once assigned.
type Code string

// Categories and the HTTP status each maps to:
//
//	VAL_xxx     - 400 Bad Request
//	AUTH_xxx    - 401 Unauthorized
//	AUTHZ_xxx   - 403 Forbidden
//	NF_xxx      - 404 Not Found
//	CONF_xxx    - 409 Conflict
//	INT_xxx     - 500 Internal Server Error
//	UNAVAIL_xxx - 503 Service Unavailable
//	TIMEOUT_xxx - 504 Gateway Timeout
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeAuthentication indicates missing or unusable credentials.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenExpired indicates the token is outside its exp/nbf window.
	CodeTokenExpired Code = "AUTH_002"

	// CodeTokenMalformed indicates the token cannot be decoded.
	CodeTokenMalformed Code = "AUTH_003"

	// CodeSignatureVerification indicates no trusted key verifies the token.
	CodeSignatureVerification Code = "AUTH_004"

	// CodeIssuerMismatch indicates the iss claim is not the expected issuer.
	CodeIssuerMismatch Code = "AUTH_005"

	// CodeAudienceMismatch indicates the aud claim lacks the expected audience.
	CodeAudienceMismatch Code = "AUTH_006"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAccessDenied indicates the policy engine denied the request.
	CodeAccessDenied Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeTenantNotFound indicates the tenant is unknown to the directory.
	CodeTenantNotFound Code = "NF_002"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates the resource already exists.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a backing store operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodePolicyBundleParse indicates the policy bundle could not be loaded
	// or is not a valid bundle.
	CodePolicyBundleParse Code = "INT_010"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependency could not be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeDiscovery indicates OIDC discovery failed for an issuer.
	CodeDiscovery Code = "UNAVAIL_010"

	// CodeKeySetFetch indicates the JWKS could not be fetched or parsed.
	CodeKeySetFetch Code = "UNAVAIL_011"

	// CodeTenantProfileFetch indicates the tenant profile lookup failed.
	CodeTenantProfileFetch Code = "UNAVAIL_012"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a backing store operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates an outbound call timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a plain string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_004"). A code without an underscore is its own category.
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
