package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

const defaultEarlyExpiry = 30 * time.Second

// TokenFactory allows callers to override how tokens are minted.
type TokenFactory func(context.Context, ProviderParams) (oauth2.TokenSource, error)

// ProviderConfig defines how tokens should be issued by default.
type ProviderConfig struct {
	// Signer backs the default factory. Either Signer or TokenFactory is required.
	Signer       *Signer
	Subject      string
	Lifetime     time.Duration
	EarlyExpiry  time.Duration
	TokenFactory TokenFactory
}

// Provider issues bearer tokens for outgoing calls and reuses each token
// until shortly before it expires. Token sources are cached per
// (subject, audience, lifetime) combination.
type Provider struct {
	mu          sync.RWMutex
	factory     TokenFactory
	entries     map[providerKey]*tokenSourceEntry
	defaults    ProviderParams
	earlyExpiry time.Duration
}

type providerKey struct {
	Subject  string
	Audience string
	Lifetime time.Duration
}

type tokenSourceEntry struct {
	source oauth2.TokenSource
}

// ProviderParams are the inputs of a TokenFactory.
type ProviderParams struct {
	Subject  string
	Audience string
	Lifetime time.Duration
}

// TokenOption customizes the behaviour for a single Token call.
type TokenOption func(*ProviderParams)

// WithSubject overrides the subject the token is minted for. Only factories
// able to sign for several subjects honour it.
func WithSubject(subject string) TokenOption {
	return func(p *ProviderParams) {
		p.Subject = subject
	}
}

// WithTokenLifetime overrides the lifetime of minted tokens.
func WithTokenLifetime(d time.Duration) TokenOption {
	return func(p *ProviderParams) {
		if d > 0 {
			p.Lifetime = d
		}
	}
}

// NewProvider constructs a Provider using the supplied defaults.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	factory := cfg.TokenFactory
	subject := cfg.Subject
	if factory == nil {
		if cfg.Signer == nil {
			return nil, errors.New("signer or token factory is required")
		}
		factory = SignerFactory(cfg.Signer)
		if subject == "" {
			subject = cfg.Signer.Subject()
		}
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	early := cfg.EarlyExpiry
	if early <= 0 {
		early = defaultEarlyExpiry
	}
	if early >= lifetime {
		early = lifetime / 2
	}
	return &Provider{
		factory:     factory,
		entries:     make(map[providerKey]*tokenSourceEntry),
		defaults:    ProviderParams{Subject: subject, Lifetime: lifetime},
		earlyExpiry: early,
	}, nil
}

// Token returns a bearer token for the given audience. An empty audience
// mints a token without "aud".
func (p *Provider) Token(ctx context.Context, audience string, opts ...TokenOption) (string, error) {
	params := p.defaults
	params.Audience = strings.TrimSpace(audience)
	for _, opt := range opts {
		opt(&params)
	}
	if params.Subject == "" {
		return "", errors.New("subject is required")
	}

	key := providerKey{
		Subject:  params.Subject,
		Audience: params.Audience,
		Lifetime: params.Lifetime,
	}
	entry, err := p.getOrCreate(ctx, key, params)
	if err != nil {
		return "", err
	}

	tok, err := entry.source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

func (p *Provider) getOrCreate(ctx context.Context, key providerKey, params ProviderParams) (*tokenSourceEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok = p.entries[key]; ok {
		return entry, nil
	}

	ts, err := p.factory(persistentContext(ctx), params)
	if err != nil {
		return nil, err
	}
	entry = &tokenSourceEntry{source: oauth2.ReuseTokenSourceWithExpiry(nil, ts, p.earlyExpiry)}
	p.entries[key] = entry
	return entry, nil
}

// SignerFactory mints tokens locally with signer. It refuses subjects other
// than the signer's own.
func SignerFactory(signer *Signer) TokenFactory {
	return func(_ context.Context, params ProviderParams) (oauth2.TokenSource, error) {
		if params.Subject != signer.Subject() {
			return nil, fmt.Errorf("signer for %q cannot mint tokens for %q", signer.Subject(), params.Subject)
		}
		return &signerTokenSource{signer: signer, params: params, now: time.Now}, nil
	}
}

type signerTokenSource struct {
	signer *Signer
	params ProviderParams
	now    func() time.Time
}

func (s *signerTokenSource) Token() (*oauth2.Token, error) {
	now := s.now()
	opts := []SignOption{WithLifetime(s.params.Lifetime)}
	if s.params.Audience != "" {
		opts = append(opts, WithAudience(s.params.Audience))
	}
	signed, err := s.signer.Sign(now, opts...)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Expiry:      now.Add(s.params.Lifetime),
	}, nil
}

// GoogleSignJWTFactory mints tokens signed by Google-managed service account
// keys through the IAM Credentials signJwt API. The subject is the service
// account email; verifiers trust it via GoogleServiceAccountJWKS.
func GoogleSignJWTFactory(opts ...option.ClientOption) TokenFactory {
	return func(ctx context.Context, params ProviderParams) (oauth2.TokenSource, error) {
		svc, err := iamcredentials.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("iam credentials client: %w", err)
		}
		return &googleSignJWTSource{ctx: ctx, svc: svc, params: params, now: time.Now}, nil
	}
}

type googleSignJWTSource struct {
	ctx    context.Context
	svc    *iamcredentials.Service
	params ProviderParams
	now    func() time.Time
}

func (s *googleSignJWTSource) Token() (*oauth2.Token, error) {
	now := s.now()
	expiry := now.Add(s.params.Lifetime)
	claims := map[string]any{
		"iss":   s.params.Subject,
		"sub":   s.params.Subject,
		"iat":   now.Unix(),
		"exp":   expiry.Unix(),
		"jti":   uuid.NewString(),
		"nonce": uuid.NewString(),
	}
	if s.params.Audience != "" {
		claims["aud"] = s.params.Audience
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}

	name := "projects/-/serviceAccounts/" + s.params.Subject
	resp, err := s.svc.Projects.ServiceAccounts.SignJwt(name, &iamcredentials.SignJwtRequest{
		Payload: string(payload),
	}).Context(s.ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sign jwt for %s: %w", s.params.Subject, err)
	}
	return &oauth2.Token{AccessToken: resp.SignedJwt, TokenType: "Bearer", Expiry: expiry}, nil
}

// persistentContext detaches ctx from cancellation so cached token sources
// outlive the request that created them.
func persistentContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
