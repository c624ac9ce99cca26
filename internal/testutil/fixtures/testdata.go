// Package fixtures provides shared test data and an in-memory OpenID
// Connect identity provider for the plutus-security test suite.
//
// The package depends only on third-party libraries so that any package's
// internal tests can import it without cycles.
package fixtures

// Identity provider values. They mirror a hosted IdP whose issuer carries a
// trailing slash and whose key set lives at a sibling path.
const (
	// Issuer is the default issuer of [IdP] tokens.
	Issuer = "https://idp.example.com/"

	// JWKSURI is where the default [IdP] publishes its key set.
	JWKSURI = "https://idp.example.com/keys"

	// Audience is the API audience tokens are minted for.
	Audience = "api://plutus"

	// Subject is the default sub claim.
	Subject = "user-123"
)

// Tenant values used by enrichment, policy and middleware tests.
const (
	TenantID          = "t1"
	FallbackTenant    = "tenant-root"
	FallbackResidency = "us"
	ConfigServiceURL  = "https://config.example.com"
)

// Database values used by client configuration tests.
const (
	TestDBHost     = "localhost"
	TestDBPort     = 5432
	TestDBName     = "iam"
	TestDBUser     = "iam"
	TestDBPassword = "iam-secret"
)

// Policy bundle covering the scenarios exercised across packages.
const PolicyBundleJSON = `{
  "version": "2024-01-01",
  "entrypoints": {
    "iam.tenants.create": [
      {
        "allRoles": ["iam.admin"],
        "conditions": [
          {"field": "claims.residency", "operator": "eq", "value": "us"}
        ],
        "reasons": ["tenant_creation_requires_us_residency"]
      }
    ],
    "iam.keys.rotate": [
      {"anyRole": ["iam.admin", "iam.operator"]}
    ],
    "iam.serviceAccounts.create": [
      {
        "anyRole": ["iam.admin"],
        "conditions": [
          {"field": "resource.residency", "operator": "eq", "value": "us"}
        ]
      }
    ]
  }
}`
