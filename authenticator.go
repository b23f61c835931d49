package jwtauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Verifier validates a raw token. *TokenVerifier implements it.
type Verifier interface {
	Verify(ctx context.Context, token string, now time.Time) (*Claims, error)
}

// Resolver maps claims to an identity. *IdentityResolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, claims *Claims) (*Identity, error)
}

// RequestAuthenticator authenticates an HTTP request. It returns
// ErrNoCredential when the request carries nothing it understands and
// ErrAuthenticationFailed when a credential was present but rejected.
type RequestAuthenticator interface {
	AuthenticateCaller(r *http.Request) (CallerIdentity, error)
}

// Authenticator extracts a bearer token from a request header, verifies it
// and resolves the caller identity.
type Authenticator struct {
	verifier     Verifier
	resolver     Resolver
	header       string
	scheme       string
	now          func() time.Time
	logger       *slog.Logger
	replay       ReplayGuard
	requireNonce bool
	devBypass    *DevBypassIdentity
	events       EventSink
}

// AuthenticatorOption customizes an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithHeader overrides the credential header and scheme ("Authorization", "Bearer").
// An empty scheme means the header value is the token itself.
func WithHeader(name, scheme string) AuthenticatorOption {
	return func(a *Authenticator) {
		if name != "" {
			a.header = name
		}
		a.scheme = scheme
	}
}

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger used to record why a request was denied.
func WithLogger(logger *slog.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithReplayGuard rejects tokens whose nonce (or jti) was already seen.
// When requireNonce is set, tokens without either are rejected.
func WithReplayGuard(guard ReplayGuard, requireNonce bool) AuthenticatorOption {
	return func(a *Authenticator) {
		a.replay = guard
		a.requireNonce = requireNonce
	}
}

// WithDevBypass authenticates credential-less requests as the given identity.
// Never enable this outside local development.
func WithDevBypass(identity DevBypassIdentity) AuthenticatorOption {
	return func(a *Authenticator) {
		a.devBypass = &identity
	}
}

// WithEventSink reports every authentication outcome to sink.
func WithEventSink(sink EventSink) AuthenticatorOption {
	return func(a *Authenticator) {
		a.events = sink
	}
}

// NewAuthenticator composes a verifier and a resolver.
func NewAuthenticator(verifier Verifier, resolver Resolver, opts ...AuthenticatorOption) (*Authenticator, error) {
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	a := &Authenticator{
		verifier: verifier,
		resolver: resolver,
		header:   defaultAuthHeader,
		scheme:   defaultAuthScheme,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate returns the identity of the request's caller.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	caller, err := a.AuthenticateCaller(r)
	if err != nil {
		return nil, err
	}
	return caller.Identity, nil
}

// AuthenticateCaller implements RequestAuthenticator.
func (a *Authenticator) AuthenticateCaller(r *http.Request) (CallerIdentity, error) {
	token, present := a.extractToken(r)
	if !present {
		if a.devBypass != nil {
			caller := a.devBypass.ToCaller()
			if r != nil {
				a.emit(r.Context(), AuthEvent{Subject: caller.Identity.Subject, DevBypass: true})
			}
			return caller, nil
		}
		return CallerIdentity{}, ErrNoCredential
	}

	ctx := r.Context()
	if token == "" {
		return CallerIdentity{}, a.deny(ctx, "", newError(ErrCodeMalformedToken, errors.New("empty bearer token")))
	}

	now := a.now()
	claims, err := a.verifier.Verify(ctx, token, now)
	if err != nil {
		return CallerIdentity{}, a.deny(ctx, "", err)
	}
	if err := a.checkReplay(ctx, claims, now); err != nil {
		return CallerIdentity{}, a.deny(ctx, claims.Subject, err)
	}
	identity, err := a.resolver.Resolve(ctx, claims)
	if err != nil {
		return CallerIdentity{}, a.deny(ctx, claims.Subject, err)
	}
	a.emit(ctx, AuthEvent{Subject: claims.Subject})
	return CallerIdentity{Identity: identity, Claims: claims}, nil
}

// extractToken reports the token and whether the request carried a
// credential addressed to this authenticator.
func (a *Authenticator) extractToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	value := strings.TrimSpace(r.Header.Get(a.header))
	if value == "" {
		return "", false
	}
	if a.scheme == "" {
		return value, true
	}
	scheme, token, _ := strings.Cut(value, " ")
	if !strings.EqualFold(scheme, a.scheme) {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (a *Authenticator) checkReplay(ctx context.Context, claims *Claims, now time.Time) error {
	if a.replay == nil {
		return nil
	}
	key := claims.ReplayKey()
	if key == "" {
		if a.requireNonce {
			return newError(ErrCodeMalformedToken, errors.New("token carries no nonce"))
		}
		return nil
	}
	ttl := claims.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	fresh, err := a.replay.Claim(ctx, key, ttl)
	if err != nil {
		return newError(ErrCodeInternal, err)
	}
	if !fresh {
		return newError(ErrCodeReplayedToken, errors.New("nonce already used"))
	}
	return nil
}

// deny logs the internal reason and collapses it to ErrAuthenticationFailed.
func (a *Authenticator) deny(ctx context.Context, subject string, err error) error {
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeInternal
	}
	a.logger.DebugContext(ctx, "jwt authentication denied",
		slog.String("code", string(code)),
		slog.String("subject", subject),
		slog.Any("error", err),
	)
	a.emit(ctx, AuthEvent{Subject: subject, Code: code})
	return ErrAuthenticationFailed
}

func (a *Authenticator) emit(ctx context.Context, event AuthEvent) {
	if a.events == nil {
		return
	}
	event.At = a.now()
	a.events.AuthenticationEvent(ctx, event)
}

// Chain tries authenticators in order. A credential-less result falls
// through to the next one; any other failure stops the chain.
type Chain []RequestAuthenticator

// AuthenticateCaller implements RequestAuthenticator.
func (c Chain) AuthenticateCaller(r *http.Request) (CallerIdentity, error) {
	for _, a := range c {
		caller, err := a.AuthenticateCaller(r)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			return CallerIdentity{}, ErrAuthenticationFailed
		}
		return caller, nil
	}
	return CallerIdentity{}, ErrNoCredential
}
