package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/StricklySoft/plutus-security/pkg/cache"
	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
	"github.com/StricklySoft/plutus-security/pkg/fetch"
)

// DefaultAlgorithms is the signing algorithm allow-list.
var DefaultAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// maxTokenBytes rejects oversized input before any parsing work.
const maxTokenBytes = 16 << 10

var errNoMatchingKey = errors.New("no key in the key set matches the token header")

// keySet is the parsed form of a JWKS document. Entries are public keys.
type keySet struct {
	keys []jose.JSONWebKey
}

// KeySetCache fetches key sets by URI and verifies tokens against them. It
// is safe for concurrent use.
type KeySetCache struct {
	fetcher fetch.Fetcher
	cache   *cache.Cache[*keySet]
	opts    options
}

// NewKeySetCache returns a KeySetCache reusing key sets for
// [DefaultKeySetTTL] unless overridden with [WithTTL].
func NewKeySetCache(fetcher fetch.Fetcher, opts ...Option) (*KeySetCache, error) {
	if fetcher == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "oidc: key set cache requires a fetcher")
	}
	o := newOptions(DefaultKeySetTTL, opts)
	c, err := cache.New[*keySet](o.capacity, o.ttl, o.cacheOptions("oidc_jwks")...)
	if err != nil {
		return nil, err
	}
	return &KeySetCache{fetcher: fetcher, cache: c, opts: o}, nil
}

// ValidateJWT verifies token against the key set published at keySetURI
// and checks algorithm, issuer, audience, exp and nbf in one pass.
//
// Error codes returned:
//   - [sserr.CodeKeySetFetch]: the key set could not be fetched or has no
//     usable keys
//   - [sserr.CodeTokenMalformed]: the token cannot be decoded or lacks exp
//   - [sserr.CodeSignatureVerification]: disallowed algorithm, no matching
//     key or bad signature
//   - [sserr.CodeTokenExpired]: outside the exp/nbf window
//   - [sserr.CodeIssuerMismatch], [sserr.CodeAudienceMismatch]
func (k *KeySetCache) ValidateJWT(ctx context.Context, token, keySetURI string, want Expectations) (vt *VerifiedToken, err error) {
	ctx, span := startSpan(ctx, k.opts.tracer, "oidc.ValidateJWT")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("oidc.jwks_uri", keySetURI))

	if token == "" || len(token) > maxTokenBytes {
		return nil, sserr.TokenMalformed(fmt.Errorf("token length %d is out of range", len(token)))
	}

	ks, err := k.keySet(ctx, keySetURI)
	if err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(k.opts.algorithms),
		jwt.WithIssuer(want.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(k.opts.leeway),
		jwt.WithTimeFunc(k.opts.now),
	}
	if want.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(want.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(parserOpts...).ParseWithClaims(token, claims, ks.keyfunc)
	if err != nil {
		return nil, classifyError(err, claims, want)
	}

	span.SetAttributes(attribute.String("oidc.alg", parsed.Method.Alg()))
	return &VerifiedToken{
		Payload:         map[string]any(claims),
		ProtectedHeader: parsed.Header,
	}, nil
}

// Invalidate drops the cached key set for keySetURI.
func (k *KeySetCache) Invalidate(keySetURI string) {
	k.cache.Delete(keySetURI)
}

// keySet resolves the key set from cache or fetches it. An unknown kid does
// not force a refetch; rotated keys are picked up when the entry expires.
func (k *KeySetCache) keySet(ctx context.Context, uri string) (*keySet, error) {
	return k.cache.GetOrLoad(ctx, uri, func(ctx context.Context) (*keySet, error) {
		var doc struct {
			Keys []json.RawMessage `json:"keys"`
		}
		if err := k.fetcher.GetJSON(ctx, uri, &doc); err != nil {
			k.opts.logger.WarnContext(ctx, "oidc key set fetch failed", "jwks_uri", uri, "error", err)
			return nil, sserr.KeySetFetch(err, uri)
		}
		ks, skipped := parseKeySet(doc.Keys)
		if skipped > 0 {
			k.opts.logger.WarnContext(ctx, "oidc key set entries skipped",
				"jwks_uri", uri, "skipped", skipped, "usable", len(ks.keys))
		}
		if len(ks.keys) == 0 {
			return nil, sserr.KeySetFetch(errors.New("key set has no usable signature keys"), uri)
		}
		return ks, nil
	})
}

// parseKeySet decodes each entry independently so one unsupported key does
// not invalidate the set. Private and symmetric material is reduced to its
// public half or dropped.
func parseKeySet(raw []json.RawMessage) (*keySet, int) {
	ks := &keySet{keys: make([]jose.JSONWebKey, 0, len(raw))}
	skipped := 0
	for _, entry := range raw {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(entry); err != nil {
			skipped++
			continue
		}
		pub := jwk.Public()
		if !pub.Valid() || !pub.IsPublic() {
			skipped++
			continue
		}
		if pub.Use != "" && pub.Use != "sig" {
			skipped++
			continue
		}
		ks.keys = append(ks.keys, pub)
	}
	return ks, skipped
}

// keyfunc selects candidate keys by kid, algorithm and key type. golang-jwt
// tries each candidate in turn.
func (ks *keySet) keyfunc(token *jwt.Token) (any, error) {
	alg := token.Method.Alg()
	kid, _ := token.Header["kid"].(string)

	var candidates []jwt.VerificationKey
	for i := range ks.keys {
		key := &ks.keys[i]
		if kid != "" && key.KeyID != kid {
			continue
		}
		if key.Algorithm != "" && key.Algorithm != alg {
			continue
		}
		if !keyMatchesAlg(key.Key, alg) {
			continue
		}
		candidates = append(candidates, key.Key)
	}
	if len(candidates) == 0 {
		return nil, errNoMatchingKey
	}
	return jwt.VerificationKeySet{Keys: candidates}, nil
}

func keyMatchesAlg(key any, alg string) bool {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		_, ok := key.(*rsa.PublicKey)
		return ok
	case strings.HasPrefix(alg, "ES"):
		pub, ok := key.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ecCurveBits[alg] == pub.Curve.Params().BitSize
	case alg == "EdDSA":
		_, ok := key.(ed25519.PublicKey)
		return ok
	default:
		return false
	}
}

var ecCurveBits = map[string]int{"ES256": 256, "ES384": 384, "ES512": 521}

// classifyError maps golang-jwt failures onto the error taxonomy. Time
// window errors take precedence because a token can fail several claim
// checks at once. golang-jwt reports an absent iss or aud as a missing
// required claim; those are mismatches here, while a missing exp makes the
// token malformed.
func classifyError(err error, claims jwt.MapClaims, want Expectations) *sserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.TokenExpired(err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.IssuerMismatch(err, want.Issuer)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.AudienceMismatch(err, want.Audience)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		if _, ok := claims["iss"]; !ok && want.Issuer != "" {
			return sserr.IssuerMismatch(err, want.Issuer)
		}
		if aud, _ := claims.GetAudience(); len(aud) == 0 && want.Audience != "" {
			return sserr.AudienceMismatch(err, want.Audience)
		}
		return sserr.TokenMalformed(err)
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrInvalidType):
		return sserr.TokenMalformed(err)
	default:
		return sserr.SignatureVerification(err)
	}
}
