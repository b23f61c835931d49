package jwtauth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type authFixture struct {
	signer     *Signer
	keys       *MemoryKeyStore
	identities *MemoryIdentityStore
	auth       *Authenticator
	logs       *bytes.Buffer
}

func newAuthFixture(t *testing.T, opts ...AuthenticatorOption) *authFixture {
	t.Helper()
	signer := newTestSigner(t, jwa.ES256, "alice", "k1")
	keys := NewMemoryKeyStore()
	trust(t, keys, signer)
	identities := NewMemoryIdentityStore(Identity{Subject: "alice", ID: "u-1", Kind: IdentityUser, Active: true})

	verifier := newTestVerifier(t, keys, VerifierConfig{})
	resolver, err := NewIdentityResolver(identities, ResolverConfig{CacheTTL: -1})
	if err != nil {
		t.Fatalf("NewIdentityResolver: %v", err)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []AuthenticatorOption{
		WithClock(func() time.Time { return testNow }),
		WithLogger(logger),
	}
	auth, err := NewAuthenticator(verifier, resolver, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return &authFixture{signer: signer, keys: keys, identities: identities, auth: auth, logs: logs}
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/resource", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func expectDenied(t *testing.T, err error) {
	t.Helper()
	if err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if errors.Unwrap(err) != nil {
		t.Fatalf("boundary error must not wrap a cause: %v", errors.Unwrap(err))
	}
}

func TestAuthenticator_Success(t *testing.T) {
	f := newAuthFixture(t)
	token := signToken(t, f.signer, testNow)

	identity, err := f.auth.Authenticate(bearerRequest(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "alice" || identity.ID != "u-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer "+token)
	if _, err := f.auth.Authenticate(r); err != nil {
		t.Fatalf("lowercase scheme: %v", err)
	}
}

func TestAuthenticator_NoCredential(t *testing.T) {
	f := newAuthFixture(t)

	if _, err := f.auth.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("missing header: expected ErrNoCredential, got %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic YWxpY2U6c2VjcmV0")
	if _, err := f.auth.Authenticate(r); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("other scheme: expected ErrNoCredential, got %v", err)
	}

	if _, err := f.auth.Authenticate(nil); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("nil request: expected ErrNoCredential, got %v", err)
	}
}

func TestAuthenticator_DeniesUniformly(t *testing.T) {
	f := newAuthFixture(t)
	stranger := newTestSigner(t, jwa.ES256, "mallory", "k1")

	hmacToken, err := jwt.NewBuilder().Subject("alice").IssuedAt(testNow).Expiration(testNow.Add(time.Hour)).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	forged, err := jwt.Sign(hmacToken, jwt.WithKey(jwa.HS256, []byte("public-key-bytes")))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]struct {
		token string
		code  ErrorCode
	}{
		"empty token":       {token: "", code: ErrCodeMalformedToken},
		"garbage":           {token: "not-a-jwt", code: ErrCodeMalformedToken},
		"unknown signer":    {token: signToken(t, stranger, testNow), code: ErrCodeUnknownSigner},
		"expired":           {token: signToken(t, f.signer, testNow.Add(-2*time.Hour)), code: ErrCodeExpired},
		"not yet valid":     {token: signToken(t, f.signer, testNow.Add(time.Minute)), code: ErrCodeNotYetValid},
		"algorithm confuse": {token: string(forged), code: ErrCodeAlgorithmNotAllowed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f.logs.Reset()
			_, err := f.auth.Authenticate(bearerRequest(tc.token))
			expectDenied(t, err)
			if !strings.Contains(f.logs.String(), "code="+string(tc.code)) {
				t.Fatalf("expected log to record %s, got %q", tc.code, f.logs.String())
			}
		})
	}
}

func TestAuthenticator_IdentityFailures(t *testing.T) {
	f := newAuthFixture(t)
	token := signToken(t, f.signer, testNow)

	f.identities.Disable("alice")
	_, err := f.auth.Authenticate(bearerRequest(token))
	expectDenied(t, err)

	orphan := newTestSigner(t, jwa.ES256, "orphan", "k1")
	trust(t, f.keys, orphan)
	_, err = f.auth.Authenticate(bearerRequest(signToken(t, orphan, testNow)))
	expectDenied(t, err)
}

func TestAuthenticator_ReplayGuard(t *testing.T) {
	guard := NewMemoryReplayGuard(func() time.Time { return testNow })
	f := newAuthFixture(t, WithReplayGuard(guard, true))
	token := signToken(t, f.signer, testNow)

	if _, err := f.auth.Authenticate(bearerRequest(token)); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := f.auth.Authenticate(bearerRequest(token))
	expectDenied(t, err)
	if !strings.Contains(f.logs.String(), "code="+string(ErrCodeReplayedToken)) {
		t.Fatalf("expected replay to be logged, got %q", f.logs.String())
	}

	if _, err := f.auth.Authenticate(bearerRequest(signToken(t, f.signer, testNow))); err != nil {
		t.Fatalf("fresh token: %v", err)
	}

	tok, err := jwt.NewBuilder().Subject("alice").IssuedAt(testNow).Expiration(testNow.Add(time.Hour)).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(f.signer.Algorithm(), f.signer.key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = f.auth.Authenticate(bearerRequest(string(signed)))
	expectDenied(t, err)
}

func TestAuthenticator_DevBypass(t *testing.T) {
	f := newAuthFixture(t, WithDevBypass(DefaultDevBypass()))

	caller, err := f.auth.AuthenticateCaller(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("AuthenticateCaller: %v", err)
	}
	if !caller.DevBypass || caller.Identity.Subject != "dev-bypass" {
		t.Fatalf("unexpected caller: %+v", caller)
	}

	_, err = f.auth.Authenticate(bearerRequest("garbage"))
	expectDenied(t, err)
}

func TestChain(t *testing.T) {
	f := newAuthFixture(t)
	serviceAuth, err := NewAuthenticator(f.auth.verifier, f.auth.resolver,
		WithHeader("X-Service-Token", ""),
		WithClock(func() time.Time { return testNow }),
	)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	chain := Chain{serviceAuth, f.auth}
	token := signToken(t, f.signer, testNow)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Service-Token", token)
	if _, err := chain.AuthenticateCaller(r); err != nil {
		t.Fatalf("service header: %v", err)
	}

	if _, err := chain.AuthenticateCaller(bearerRequest(token)); err != nil {
		t.Fatalf("bearer fallthrough: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Service-Token", "garbage")
	r.Header.Set("Authorization", "Bearer "+token)
	if _, err := chain.AuthenticateCaller(r); err != ErrAuthenticationFailed {
		t.Fatalf("failure must stop the chain, got %v", err)
	}

	if _, err := chain.AuthenticateCaller(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	f := newAuthFixture(t)
	token := signToken(t, f.signer, testNow)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(caller.Identity.Subject))
	})

	cases := []struct {
		name     string
		required bool
		header   string
		status   int
		body     string
	}{
		{name: "authenticated", header: "Bearer " + token, status: http.StatusOK, body: "alice"},
		{name: "optional anonymous", status: http.StatusOK, body: "anonymous"},
		{name: "required anonymous", required: true, status: http.StatusUnauthorized},
		{name: "rejected", header: "Bearer garbage", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Middleware(f.auth, RequireCredential(tc.required), WithRealm("api"))(handler)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, w.Code)
			}
			if tc.status == http.StatusUnauthorized {
				if got := w.Header().Get("WWW-Authenticate"); got != `Bearer realm="api"` {
					t.Fatalf("unexpected challenge %q", got)
				}
				if strings.Contains(w.Body.String(), "malformed") {
					t.Fatalf("response leaked failure reason: %q", w.Body.String())
				}
				return
			}
			if w.Body.String() != tc.body {
				t.Fatalf("unexpected body %q", w.Body.String())
			}
		})
	}
}

func TestMiddleware_RealmIsQuoted(t *testing.T) {
	f := newAuthFixture(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := Middleware(f.auth, RequireCredential(true), WithRealm(`a", error="x`))(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got, want := w.Header().Get("WWW-Authenticate"), `Bearer realm="a\", error=\"x"`; got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
}

func TestAuthenticator_EventSink(t *testing.T) {
	var events []AuthEvent
	sink := EventSinkFunc(func(_ context.Context, e AuthEvent) { events = append(events, e) })
	f := newAuthFixture(t, WithEventSink(sink))

	if _, err := f.auth.Authenticate(bearerRequest(signToken(t, f.signer, testNow))); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	_, err := f.auth.Authenticate(bearerRequest("not-a-token"))
	expectDenied(t, err)
	if !f.identities.Disable("alice") {
		t.Fatalf("Disable: alice not found")
	}
	_, err = f.auth.Authenticate(bearerRequest(signToken(t, f.signer, testNow)))
	expectDenied(t, err)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Denied() || events[0].Subject != "alice" || !events[0].At.Equal(testNow) {
		t.Fatalf("unexpected success event: %+v", events[0])
	}
	if events[1].Code != ErrCodeMalformedToken || events[1].Subject != "" {
		t.Fatalf("unexpected malformed event: %+v", events[1])
	}
	if events[2].Code != ErrCodeIdentityDisabled || events[2].Subject != "alice" {
		t.Fatalf("unexpected disabled event: %+v", events[2])
	}
}
