package tenant

import (
	"context"
	"net/url"
	"strings"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/fetch"
)

// ConfigServiceSource reads profiles from the tenant config service at
// GET {base}/tenants/{tenantID}.
type ConfigServiceSource struct {
	base    string
	fetcher fetch.Fetcher
}

// NewConfigServiceSource returns a source rooted at baseURL. Trailing
// slashes on baseURL are ignored.
func NewConfigServiceSource(baseURL string, fetcher fetch.Fetcher) (*ConfigServiceSource, error) {
	if fetcher == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "tenant: config service source requires a fetcher")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration, "tenant: invalid config service URL %q", baseURL)
	}
	return &ConfigServiceSource{base: base, fetcher: fetcher}, nil
}

// URL returns the profile URL for tenantID.
func (s *ConfigServiceSource) URL(tenantID string) string {
	return s.base + "/tenants/" + url.PathEscape(tenantID)
}

// Profile fetches the profile for tenantID. Fetch errors are returned
// unchanged; the [Resolver] classifies them.
func (s *ConfigServiceSource) Profile(ctx context.Context, tenantID string) (Profile, error) {
	var p Profile
	if err := s.fetcher.GetJSON(ctx, s.URL(tenantID), &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}
