package jwtauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

const (
	defaultMinRefresh    = 5 * time.Minute
	defaultHTTPTimeout   = 5 * time.Second
	defaultCacheEntries  = 1024
	defaultJWKSSubjects  = 256
	defaultAuthHeader    = "Authorization"
	defaultAuthScheme    = "Bearer"
	defaultGoogleJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/{subject}"
)

// DefaultAlgorithms lists the asymmetric signature algorithms accepted when
// VerifierConfig.Algorithms is empty.
var DefaultAlgorithms = []jwa.SignatureAlgorithm{
	jwa.RS256, jwa.RS384, jwa.RS512,
	jwa.PS256, jwa.PS384, jwa.PS512,
	jwa.ES256, jwa.ES384, jwa.ES512,
	jwa.EdDSA,
}

// VerifierConfig describes how tokens are checked.
type VerifierConfig struct {
	// Algorithms is the allow-list for the header "alg". Only asymmetric
	// algorithms may appear here.
	Algorithms []jwa.SignatureAlgorithm
	// ClockSkew widens [iat, exp) on both ends. Zero means exact.
	ClockSkew time.Duration
	// MaxLifetime rejects tokens whose exp-iat exceeds it. Zero disables.
	MaxLifetime time.Duration
	// Issuer and Audience are checked only when set.
	Issuer   string
	Audience string
}

func (c *VerifierConfig) normalize() {
	if len(c.Algorithms) == 0 {
		c.Algorithms = append([]jwa.SignatureAlgorithm(nil), DefaultAlgorithms...)
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
}

func (c VerifierConfig) validate() error {
	for _, alg := range c.Algorithms {
		if !isAsymmetric(alg) {
			return fmt.Errorf("algorithm %q is not an asymmetric signature algorithm", alg)
		}
	}
	if c.MaxLifetime < 0 {
		return errors.New("max lifetime must not be negative")
	}
	return nil
}

func isAsymmetric(alg jwa.SignatureAlgorithm) bool {
	switch alg {
	case jwa.RS256, jwa.RS384, jwa.RS512,
		jwa.PS256, jwa.PS384, jwa.PS512,
		jwa.ES256, jwa.ES384, jwa.ES512, jwa.ES256K,
		jwa.EdDSA:
		return true
	}
	return false
}

// ParseAlgorithms converts algorithm names such as "RS256" into an allow-list.
func ParseAlgorithms(names []string) ([]jwa.SignatureAlgorithm, error) {
	out := make([]jwa.SignatureAlgorithm, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var alg jwa.SignatureAlgorithm
		if err := alg.Accept(name); err != nil {
			return nil, fmt.Errorf("algorithm %q: %w", name, err)
		}
		if !isAsymmetric(alg) {
			return nil, fmt.Errorf("algorithm %q is not an asymmetric signature algorithm", name)
		}
		out = append(out, alg)
	}
	return out, nil
}

// ResolverConfig controls identity caching.
type ResolverConfig struct {
	// CacheTTL is how long a looked-up identity is reused. Zero or negative
	// disables caching, so every request sees the store's current state.
	// With caching on, disabling an identity takes up to CacheTTL to apply
	// unless IdentityResolver.Invalidate is called for it.
	CacheTTL time.Duration
	// MaxEntries bounds the cache; the least recently used entry is evicted first.
	MaxEntries int
}

func (c *ResolverConfig) normalize() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultCacheEntries
	}
}

// JWKSTrust binds a subject to the JWKS endpoint publishing its keys.
type JWKSTrust struct {
	Subject string
	URL     string
}

// JWKSConfig describes which remote key sets are trusted.
type JWKSConfig struct {
	Trusts []JWKSTrust
	// URLTemplate, when set, derives the JWKS URL of subjects without an
	// explicit trust by replacing "{subject}".
	URLTemplate string
	// MaxSubjects bounds how many template-derived key sets are held at
	// once; the least recently used set is dropped first.
	MaxSubjects int
	MinRefresh  time.Duration
	HTTPTimeout time.Duration
}

// GoogleServiceAccountJWKS returns a config trusting Google-managed
// service account keys for any subject (the service account email).
func GoogleServiceAccountJWKS() JWKSConfig {
	return JWKSConfig{URLTemplate: defaultGoogleJWKSURL}
}

func (c *JWKSConfig) normalize() {
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxSubjects <= 0 {
		c.MaxSubjects = defaultJWKSSubjects
	}
}

// trustIndex returns the configured URLs mapped by subject.
func (c JWKSConfig) trustIndex() (map[string]string, error) {
	if len(c.Trusts) == 0 && c.URLTemplate == "" {
		return nil, errors.New("at least one trust or a url template must be configured")
	}
	if c.URLTemplate != "" && !strings.Contains(c.URLTemplate, "{subject}") {
		return nil, errors.New("url template must contain {subject}")
	}
	index := make(map[string]string, len(c.Trusts))
	for _, trust := range c.Trusts {
		switch {
		case trust.Subject == "":
			return nil, errors.New("trust subject is required")
		case trust.URL == "":
			return nil, fmt.Errorf("trust %q: url is required", trust.Subject)
		}
		if _, exists := index[trust.Subject]; exists {
			return nil, fmt.Errorf("duplicate trust for subject %q", trust.Subject)
		}
		index[trust.Subject] = trust.URL
	}
	return index, nil
}
