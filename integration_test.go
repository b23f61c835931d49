package jwtauth

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestGoogleServiceAccountIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("RUN_INTEGRATION_TESTS not set to true")
	}

	serviceAccount := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT"))
	if serviceAccount == "" {
		t.Fatal("GOOGLE_SERVICE_ACCOUNT environment variable required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keys, err := NewJWKSKeyStore(ctx, GoogleServiceAccountJWKS())
	if err != nil {
		t.Fatalf("NewJWKSKeyStore: %v", err)
	}
	if err := keys.Warmup(ctx, serviceAccount); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	records, err := keys.ResolveKeys(ctx, KeyQuery{Subject: serviceAccount})
	if err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("service account JWKS has no keys")
	}

	// Minting needs roles/iam.serviceAccountTokenCreator on the account.
	if os.Getenv("GOOGLE_SIGN_JWT") != "true" {
		return
	}
	provider, err := NewProvider(ProviderConfig{
		Subject:      serviceAccount,
		TokenFactory: GoogleSignJWTFactory(),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	token, err := provider.Token(ctx, "jwtauth-integration")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	verifier, err := NewTokenVerifier(keys, VerifierConfig{
		ClockSkew: time.Minute,
		Issuer:    serviceAccount,
		Audience:  "jwtauth-integration",
	})
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	claims, err := verifier.Verify(ctx, token, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != serviceAccount {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}
