package fixtures

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Key ids of the keys every IdP publishes.
const (
	KeyRSA     = "rsa-1"
	KeyEC      = "ec-1"
	KeyEd25519 = "ed-1"
)

// SigningKey is a private key the IdP signs with and publishes the public
// half of.
type SigningKey struct {
	ID     string
	Method jwt.SigningMethod
	Signer crypto.Signer
}

// IdP is an in-memory OpenID Connect provider. It implements the fetcher
// contract (GetJSON) so it can replace the network in unit tests, and can
// also be served over HTTP with [IdP.Serve]. It is safe for concurrent use.
type IdP struct {
	Issuer  string
	JWKSURI string

	// Now stamps iat and exp. Defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	keys      []*SigningKey
	responses map[string]any
	failures  map[string]error
	calls     map[string]int
}

// NewIdP returns a provider at [Issuer] publishing RSA, P-256 and Ed25519
// keys at [JWKSURI].
func NewIdP(t testing.TB) *IdP {
	t.Helper()
	p := &IdP{
		Issuer:    Issuer,
		JWKSURI:   JWKSURI,
		Now:       time.Now,
		responses: map[string]any{},
		failures:  map[string]error{},
		calls:     map[string]int{},
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	p.keys = []*SigningKey{
		{ID: KeyRSA, Method: jwt.SigningMethodRS256, Signer: rsaKey},
		{ID: KeyEC, Method: jwt.SigningMethodES256, Signer: ecKey},
		{ID: KeyEd25519, Method: jwt.SigningMethodEdDSA, Signer: edKey},
	}
	p.publish()
	return p
}

// publish refreshes the canned discovery and key set documents.
func (p *IdP) publish() {
	p.responses[p.Issuer+".well-known/openid-configuration"] = p.Discovery()
	p.responses[p.JWKSURI] = p.JWKS()
}

// Discovery returns the provider's discovery document.
func (p *IdP) Discovery() map[string]any {
	return map[string]any{
		"issuer":                 p.Issuer,
		"jwks_uri":               p.JWKSURI,
		"token_endpoint":         p.Issuer + "oauth/token",
		"authorization_endpoint": p.Issuer + "authorize",
	}
}

// JWKS returns the public key set as go-jose JSON web keys.
func (p *IdP) JWKS() map[string]any {
	keys := make([]jose.JSONWebKey, 0, len(p.keys))
	for _, k := range p.keys {
		keys = append(keys, jose.JSONWebKey{
			Key:       k.Signer.Public(),
			KeyID:     k.ID,
			Algorithm: k.Method.Alg(),
			Use:       "sig",
		})
	}
	return map[string]any{"keys": keys}
}

// Key returns the signing key with id.
func (p *IdP) Key(id string) *SigningKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// RotateKey replaces key id with a fresh RSA key and republishes the key
// set. Caches holding the old set keep rejecting tokens signed with the new
// key until they expire.
func (p *IdP) RotateKey(t testing.TB, id string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.ID == id {
			k.Method = jwt.SigningMethodRS256
			k.Signer = key
		}
	}
	p.publish()
}

// SetResponse overrides the document served at url.
func (p *IdP) SetResponse(url string, doc any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[url] = doc
}

// Fail makes every fetch of url return err.
func (p *IdP) Fail(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[url] = err
}

// Calls returns how many times url was fetched.
func (p *IdP) Calls(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

// GetJSON serves canned documents by URL and counts every call.
func (p *IdP) GetJSON(_ context.Context, url string, out any) error {
	p.mu.Lock()
	p.calls[url]++
	doc, ok := p.responses[url]
	failure := p.failures[url]
	p.mu.Unlock()

	if failure != nil {
		return failure
	}
	if !ok {
		return fmt.Errorf("unexpected URL %s", url)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Claims returns a valid claim set for a token from this provider. Entries
// in overrides replace or add claims; a nil value deletes the claim.
func (p *IdP) Claims(overrides map[string]any) jwt.MapClaims {
	now := p.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer,
		"sub": Subject,
		"aud": Audience,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// Token signs Claims(overrides) with the RSA key.
func (p *IdP) Token(t testing.TB, overrides map[string]any) string {
	t.Helper()
	return p.Sign(t, KeyRSA, p.Claims(overrides))
}

// Sign signs claims with key id and sets the kid header.
func (p *IdP) Sign(t testing.TB, id string, claims jwt.MapClaims) string {
	t.Helper()
	key := p.Key(id)
	require.NotNil(t, key, "unknown key %q", id)

	tok := jwt.NewWithClaims(key.Method, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.Signer)
	require.NoError(t, err)
	return signed
}

// Serve starts an HTTP server for the provider and rebinds Issuer and
// JWKSURI to it. The server is closed when the test ends.
func (p *IdP) Serve(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		url := p.Issuer + strings.TrimPrefix(r.URL.Path, "/")
		p.calls[url]++
		doc, ok := p.responses[url]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	p.mu.Lock()
	p.responses = map[string]any{}
	p.Issuer = srv.URL + "/"
	p.JWKSURI = srv.URL + "/keys"
	p.publish()
	p.mu.Unlock()
	return srv
}
