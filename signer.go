package jwtauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const defaultTokenLifetime = 5 * time.Minute

// SignerConfig describes how a subject signs its own tokens.
type SignerConfig struct {
	Subject string
	KeyID   string
	// Algorithm defaults to the natural algorithm of the key type.
	Algorithm jwa.SignatureAlgorithm
	// PrivateKey is a jwk.Key or a raw *rsa.PrivateKey, *ecdsa.PrivateKey or ed25519.PrivateKey.
	PrivateKey any
	Lifetime   time.Duration
	Issuer     string
}

// Signer mints tokens that TokenVerifier accepts for its subject.
type Signer struct {
	cfg SignerConfig
	key jwk.Key
	alg jwa.SignatureAlgorithm
}

// SignOption customizes a single Sign call.
type SignOption func(*signParams)

type signParams struct {
	audience []string
	lifetime time.Duration
	claims   map[string]any
	nonce    bool
}

// WithAudience sets the "aud" claim.
func WithAudience(audience ...string) SignOption {
	return func(p *signParams) {
		p.audience = append([]string(nil), audience...)
	}
}

// WithLifetime overrides the configured token lifetime.
func WithLifetime(d time.Duration) SignOption {
	return func(p *signParams) {
		if d > 0 {
			p.lifetime = d
		}
	}
}

// WithClaim adds a private claim.
func WithClaim(name string, value any) SignOption {
	return func(p *signParams) {
		if p.claims == nil {
			p.claims = make(map[string]any)
		}
		p.claims[name] = value
	}
}

// WithoutNonce omits the "nonce" claim.
func WithoutNonce() SignOption {
	return func(p *signParams) {
		p.nonce = false
	}
}

// NewSigner validates cfg and prepares the signing key.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	key, ok := cfg.PrivateKey.(jwk.Key)
	if !ok {
		var err error
		key, err = jwk.FromRaw(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
	}
	if cfg.KeyID == "" {
		cfg.KeyID = key.KeyID()
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwa.SignatureAlgorithm(key.Algorithm().String())
	}
	if alg == "" {
		var err error
		if alg, err = defaultAlgorithm(key); err != nil {
			return nil, err
		}
	}
	if !isAsymmetric(alg) {
		return nil, fmt.Errorf("algorithm %q is not an asymmetric signature algorithm", alg)
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultTokenLifetime
	}
	return &Signer{cfg: cfg, key: key, alg: alg}, nil
}

// Subject returns the subject the signer issues tokens for.
func (s *Signer) Subject() string { return s.cfg.Subject }

// Algorithm returns the signing algorithm.
func (s *Signer) Algorithm() jwa.SignatureAlgorithm { return s.alg }

// PublicKey returns the verification key, tagged with the signer's kid and alg.
func (s *Signer) PublicKey() (jwk.Key, error) {
	pub, err := jwk.PublicKeyOf(s.key)
	if err != nil {
		return nil, err
	}
	if s.cfg.KeyID != "" {
		if err := pub.Set(jwk.KeyIDKey, s.cfg.KeyID); err != nil {
			return nil, err
		}
	}
	if err := pub.Set(jwk.AlgorithmKey, s.alg); err != nil {
		return nil, err
	}
	return pub, nil
}

// KeyRecord returns an active SignerKeyRecord for the signer's public key.
func (s *Signer) KeyRecord() (SignerKeyRecord, error) {
	pub, err := s.PublicKey()
	if err != nil {
		return SignerKeyRecord{}, err
	}
	return SignerKeyRecord{
		Subject: s.cfg.Subject,
		KeyID:   s.cfg.KeyID,
		Key:     pub,
		Status:  KeyActive,
	}, nil
}

// Sign mints a token valid from now for the configured lifetime.
func (s *Signer) Sign(now time.Time, opts ...SignOption) (string, error) {
	params := signParams{lifetime: s.cfg.Lifetime, nonce: true}
	for _, opt := range opts {
		opt(&params)
	}

	builder := jwt.NewBuilder().
		Subject(s.cfg.Subject).
		IssuedAt(now).
		Expiration(now.Add(params.lifetime)).
		JwtID(uuid.NewString())
	if s.cfg.Issuer != "" {
		builder = builder.Issuer(s.cfg.Issuer)
	}
	if len(params.audience) > 0 {
		builder = builder.Audience(params.audience)
	}
	if params.nonce {
		builder = builder.Claim("nonce", uuid.NewString())
	}
	for k, v := range params.claims {
		builder = builder.Claim(k, v)
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	headers := jws.NewHeaders()
	if s.cfg.KeyID != "" {
		if err := headers.Set(jws.KeyIDKey, s.cfg.KeyID); err != nil {
			return "", err
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.alg, s.key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

func defaultAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch key.KeyType() {
	case jwa.RSA:
		return jwa.RS256, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	case jwa.EC:
		ec, ok := key.(jwk.ECDSAPrivateKey)
		if !ok {
			return "", errors.New("ec key is not a private key")
		}
		switch ec.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		case jwa.P521:
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported curve %q", ec.Crv())
	}
	return "", fmt.Errorf("unsupported key type %q", key.KeyType())
}

// GenerateKey creates a private key suitable for alg, tagged with kid and alg.
func GenerateKey(alg jwa.SignatureAlgorithm, kid string) (jwk.Key, error) {
	var (
		raw crypto.PrivateKey
		err error
	)
	switch alg {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	case jwa.ES256:
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.ES512:
		raw, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jwa.EdDSA:
		_, raw, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("cannot generate key for %q", alg)
	}
	if err != nil {
		return nil, err
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodePEM renders a jwk.Key as PKCS#8 (private) or PKIX (public) PEM.
func EncodePEM(key jwk.Key) ([]byte, error) {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	var (
		der       []byte
		blockType string
		err       error
	)
	switch raw.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		der, err = x509.MarshalPKCS8PrivateKey(raw)
		blockType = "PRIVATE KEY"
	default:
		der, err = x509.MarshalPKIXPublicKey(raw)
		blockType = "PUBLIC KEY"
	}
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}
