package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenVerifier checks signature, structure and validity window of tokens
// signed by subjects whose public keys are known to a KeyResolver.
type TokenVerifier struct {
	cfg     VerifierConfig
	keys    KeyResolver
	allowed map[jwa.SignatureAlgorithm]struct{}
}

// NewTokenVerifier builds a verifier from the given key resolver and configuration.
func NewTokenVerifier(keys KeyResolver, cfg VerifierConfig) (*TokenVerifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	allowed := make(map[jwa.SignatureAlgorithm]struct{}, len(cfg.Algorithms))
	for _, alg := range cfg.Algorithms {
		allowed[alg] = struct{}{}
	}
	return &TokenVerifier{cfg: cfg, keys: keys, allowed: allowed}, nil
}

// Verify validates token as of now and returns its claims.
func (v *TokenVerifier) Verify(ctx context.Context, token string, now time.Time) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newError(ErrCodeMalformedToken, errors.New("token is empty"))
	}
	if err := checkCompact(token); err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}

	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, newError(ErrCodeMalformedToken, fmt.Errorf("expected one signature, got %d", len(sigs)))
	}
	headers := sigs[0].ProtectedHeaders()
	alg := headers.Algorithm()
	if _, ok := v.allowed[alg]; !ok {
		return nil, newError(ErrCodeAlgorithmNotAllowed, fmt.Errorf("algorithm %q not allowed", alg))
	}

	parsed, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}
	claims := extractClaims(parsed)
	claims.KeyID = headers.KeyID()
	claims.Algorithm = alg.String()
	if err := checkRequiredClaims(claims); err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}

	if err := v.verifySignature(ctx, token, alg, claims, now); err != nil {
		return nil, err
	}
	if err := v.checkWindow(claims, now); err != nil {
		return nil, err
	}
	if err := v.checkBinding(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *TokenVerifier) verifySignature(ctx context.Context, token string, alg jwa.SignatureAlgorithm, claims *Claims, now time.Time) error {
	records, err := v.keys.ResolveKeys(ctx, KeyQuery{Subject: claims.Subject, KeyID: claims.KeyID})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return newError(ErrCodeUnknownSigner, fmt.Errorf("no key for subject %q", claims.Subject))
		}
		return newError(ErrCodeKeyStoreUnavailable, err)
	}

	candidates := 0
	for _, record := range records {
		if !record.matches(claims, alg, now) {
			continue
		}
		candidates++
		if _, err := jws.Verify([]byte(token), jws.WithKey(alg, record.Key)); err == nil {
			return nil
		}
	}
	if candidates == 0 {
		return newError(ErrCodeUnknownSigner, fmt.Errorf("no usable key for subject %q", claims.Subject))
	}
	return newError(ErrCodeInvalidSignature, fmt.Errorf("signature rejected by %d key(s)", candidates))
}

// matches filters records that may have produced the token's signature.
func (r SignerKeyRecord) matches(claims *Claims, alg jwa.SignatureAlgorithm, now time.Time) bool {
	if r.Subject != claims.Subject || !r.usableAt(now) {
		return false
	}
	if claims.KeyID != "" && r.KeyID != "" && r.KeyID != claims.KeyID {
		return false
	}
	if pinned := r.Key.Algorithm().String(); pinned != "" && pinned != alg.String() {
		return false
	}
	return true
}

func (v *TokenVerifier) checkWindow(claims *Claims, now time.Time) error {
	skew := v.cfg.ClockSkew
	if now.Before(claims.IssuedAt.Add(-skew)) {
		return newError(ErrCodeNotYetValid, fmt.Errorf("issued at %s", claims.IssuedAt.Format(time.RFC3339)))
	}
	if !claims.NotBefore.IsZero() && now.Before(claims.NotBefore.Add(-skew)) {
		return newError(ErrCodeNotYetValid, fmt.Errorf("not before %s", claims.NotBefore.Format(time.RFC3339)))
	}
	if !now.Before(claims.ExpiresAt.Add(skew)) {
		return newError(ErrCodeExpired, fmt.Errorf("expired at %s", claims.ExpiresAt.Format(time.RFC3339)))
	}
	if v.cfg.MaxLifetime > 0 && claims.ExpiresAt.Sub(claims.IssuedAt) > v.cfg.MaxLifetime {
		return newError(ErrCodeMalformedToken, fmt.Errorf("lifetime exceeds %s", v.cfg.MaxLifetime))
	}
	return nil
}

func (v *TokenVerifier) checkBinding(claims *Claims) error {
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return newError(ErrCodeInvalidIssuer, fmt.Errorf("issuer mismatch: got %q, want %q", claims.Issuer, v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		for _, aud := range claims.Audience {
			if aud == v.cfg.Audience {
				return nil
			}
		}
		return newError(ErrCodeInvalidAudience, fmt.Errorf("audience %q not present", v.cfg.Audience))
	}
	return nil
}

// checkCompact rejects anything but the three-segment compact serialization.
func checkCompact(token string) error {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return fmt.Errorf("expected 3 segments, got %d", len(segments))
	}
	if segments[0] == "" || segments[1] == "" {
		return errors.New("empty header or payload segment")
	}
	return nil
}

func checkRequiredClaims(claims *Claims) error {
	switch {
	case claims.Subject == "":
		return errors.New(`missing "sub" claim`)
	case claims.IssuedAt.IsZero():
		return errors.New(`missing "iat" claim`)
	case claims.ExpiresAt.IsZero():
		return errors.New(`missing "exp" claim`)
	case !claims.ExpiresAt.After(claims.IssuedAt):
		return errors.New(`"exp" must be after "iat"`)
	}
	return nil
}

func extractClaims(token jwt.Token) *Claims {
	var audience []string
	if audList := token.Audience(); len(audList) > 0 {
		audience = append([]string(nil), audList...)
	}
	claims := &Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		Audience:  audience,
		ExpiresAt: token.Expiration(),
		NotBefore: token.NotBefore(),
		IssuedAt:  token.IssuedAt(),
		JWTID:     token.JwtID(),
	}
	private := token.PrivateClaims()
	if v, ok := private["nonce"]; ok {
		if s, ok := v.(string); ok {
			claims.Nonce = s
		}
	}
	if len(private) > 0 {
		claims.CustomClaims = make(map[string]any, len(private))
		for k, v := range private {
			claims.CustomClaims[k] = v
		}
	}
	return claims
}
