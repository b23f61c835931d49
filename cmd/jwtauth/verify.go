package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-utils-jwtauth"
	"github.com/bionicotaku/lingo-utils-jwtauth/redisreplay"
	"github.com/bionicotaku/lingo-utils-jwtauth/sqlstore"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a token and resolve its caller",
	Long: `Verifies a token read from the argument or stdin against trusted PEM/JWK
files, the SQL store at database_url and JWKS trusts. When database_url is
set the caller identity is resolved as well; when redis_url is set the
token's nonce is consumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trusts, _ := cmd.Flags().GetStringArray("trust")
		token, err := readToken(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		stack, err := newVerifyStack(cmd.Context(), cfg, trusts)
		if err != nil {
			return err
		}
		defer stack.Close()

		caller, err := stack.authenticate(cmd.Context(), token)
		if err != nil {
			return err
		}
		return printCaller(cmd.OutOrStdout(), caller)
	},
}

func init() {
	verifyCmd.Flags().StringArray("trust", nil, "trusted public key as subject=path (repeatable)")
	rootCmd.AddCommand(verifyCmd)
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

// verifyStack is the verifier, resolver and replay guard assembled from config.
type verifyStack struct {
	verifier     *jwtauth.TokenVerifier
	resolver     *jwtauth.IdentityResolver
	replay       jwtauth.ReplayGuard
	requireNonce bool
	closers      []io.Closer
}

func newVerifyStack(ctx context.Context, c *Config, trustFlags []string) (*verifyStack, error) {
	stack := &verifyStack{requireNonce: c.RequireNonce}
	var resolvers jwtauth.KeyResolvers

	trusted := make(map[string]string, len(c.TrustedKeys)+len(trustFlags))
	for subject, path := range c.TrustedKeys {
		trusted[subject] = path
	}
	for _, entry := range trustFlags {
		subject, path, ok := strings.Cut(entry, "=")
		if !ok || subject == "" || path == "" {
			return nil, fmt.Errorf("invalid --trust %q, want subject=path", entry)
		}
		trusted[subject] = path
	}
	if len(trusted) > 0 {
		keys := jwtauth.NewMemoryKeyStore()
		for subject, path := range trusted {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			key, err := jwtauth.ParsePublicKey(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if err := keys.Add(jwtauth.SignerKeyRecord{Subject: subject, Key: key}); err != nil {
				return nil, err
			}
		}
		resolvers = append(resolvers, keys)
	}

	if c.DatabaseURL != "" {
		store, err := sqlstore.Open(c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		stack.closers = append(stack.closers, store)
		resolvers = append(resolvers, store)
		resolver, err := jwtauth.NewIdentityResolver(store, jwtauth.ResolverConfig{CacheTTL: -1})
		if err != nil {
			stack.Close()
			return nil, err
		}
		stack.resolver = resolver
	}

	if c.JWKSTemplate != "" || len(c.JWKSTrusts) > 0 {
		jwksCfg := jwtauth.JWKSConfig{
			URLTemplate: c.JWKSTemplate,
			MinRefresh:  c.JWKSRefresh,
			HTTPTimeout: c.HTTPTimeout,
		}
		for subject, url := range c.JWKSTrusts {
			jwksCfg.Trusts = append(jwksCfg.Trusts, jwtauth.JWKSTrust{Subject: subject, URL: url})
		}
		store, err := jwtauth.NewJWKSKeyStore(ctx, jwksCfg)
		if err != nil {
			stack.Close()
			return nil, err
		}
		resolvers = append(resolvers, store)
	}

	if len(resolvers) == 0 {
		return nil, errors.New("no key source configured: set trusted_keys, database_url or jwks_url_template")
	}

	algorithms, err := jwtauth.ParseAlgorithms(c.Algorithms)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.verifier, err = jwtauth.NewTokenVerifier(resolvers, jwtauth.VerifierConfig{
		Algorithms:  algorithms,
		ClockSkew:   c.ClockSkew,
		MaxLifetime: c.MaxLifetime,
		Issuer:      c.ExpectIssuer,
		Audience:    c.ExpectAudience,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}

	if c.RedisURL != "" {
		guard, err := redisreplay.NewFromURL(c.RedisURL)
		if err != nil {
			stack.Close()
			return nil, err
		}
		stack.closers = append(stack.closers, guard)
		stack.replay = guard
	}
	return stack, nil
}

// authenticate runs the token through an Authenticator so the CLI applies
// the same checks a server would, and reports the denial code.
func (s *verifyStack) authenticate(ctx context.Context, token string) (jwtauth.CallerIdentity, error) {
	var resolver jwtauth.Resolver = claimsOnly{}
	if s.resolver != nil {
		resolver = s.resolver
	}
	var reason jwtauth.AuthEvent
	opts := []jwtauth.AuthenticatorOption{
		jwtauth.WithLogger(slog.Default()),
		jwtauth.WithEventSink(jwtauth.EventSinkFunc(func(_ context.Context, e jwtauth.AuthEvent) { reason = e })),
	}
	if s.replay != nil {
		opts = append(opts, jwtauth.WithReplayGuard(s.replay, s.requireNonce))
	}
	auth, err := jwtauth.NewAuthenticator(s.verifier, resolver, opts...)
	if err != nil {
		return jwtauth.CallerIdentity{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return jwtauth.CallerIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	caller, err := auth.AuthenticateCaller(req)
	if err != nil {
		if reason.Denied() {
			return jwtauth.CallerIdentity{}, fmt.Errorf("%w: %s", err, reason.Code)
		}
		return jwtauth.CallerIdentity{}, err
	}
	return caller, nil
}

func (s *verifyStack) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

// claimsOnly stands in for an identity store when none is configured.
type claimsOnly struct{}

func (claimsOnly) Resolve(_ context.Context, claims *jwtauth.Claims) (*jwtauth.Identity, error) {
	return &jwtauth.Identity{Subject: claims.Subject, ID: claims.Subject, Active: true}, nil
}

func printCaller(w io.Writer, caller jwtauth.CallerIdentity) error {
	claims := caller.Claims
	out := map[string]any{
		"subject":    claims.Subject,
		"algorithm":  claims.Algorithm,
		"issued_at":  claims.IssuedAt.Format(time.RFC3339),
		"expires_at": claims.ExpiresAt.Format(time.RFC3339),
		"identity":   caller.Identity,
	}
	if claims.KeyID != "" {
		out["key_id"] = claims.KeyID
	}
	if claims.Issuer != "" {
		out["issuer"] = claims.Issuer
	}
	if len(claims.Audience) > 0 {
		out["audience"] = claims.Audience
	}
	if claims.Nonce != "" {
		out["nonce"] = claims.Nonce
	}
	if len(claims.CustomClaims) > 0 {
		out["custom_claims"] = claims.CustomClaims
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
