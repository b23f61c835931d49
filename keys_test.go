package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

func TestKeyResolvers(t *testing.T) {
	ctx := context.Background()
	alice := newTestSigner(t, jwa.ES256, "alice", "k1")
	bob := newTestSigner(t, jwa.EdDSA, "bob", "k1")

	first := NewMemoryKeyStore()
	trust(t, first, alice)
	second := NewMemoryKeyStore()
	trust(t, second, bob)
	resolvers := KeyResolvers{first, second}

	records, err := resolvers.ResolveKeys(ctx, KeyQuery{Subject: "bob"})
	if err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	if len(records) != 1 || records[0].Subject != "bob" {
		t.Fatalf("unexpected records: %+v", records)
	}

	if _, err := resolvers.ResolveKeys(ctx, KeyQuery{Subject: "carol"}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	outage := errors.New("down")
	broken := KeyResolvers{KeyResolverFunc(func(context.Context, KeyQuery) ([]SignerKeyRecord, error) {
		return nil, outage
	}), second}
	if _, err := broken.ResolveKeys(ctx, KeyQuery{Subject: "bob"}); !errors.Is(err, outage) {
		t.Fatalf("expected outage to stop the lookup, got %v", err)
	}

	verifier := newTestVerifier(t, resolvers, VerifierConfig{})
	if _, err := verifier.Verify(ctx, signToken(t, bob, testNow), testNow); err != nil {
		t.Fatalf("Verify through KeyResolvers: %v", err)
	}
}

func TestMemoryKeyStore_AddStoresPublicHalf(t *testing.T) {
	signer := newTestSigner(t, jwa.RS256, "alice", "k1")
	store := NewMemoryKeyStore()
	if err := store.Add(SignerKeyRecord{Subject: "alice", Key: signer.key}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	records, err := store.ResolveKeys(context.Background(), KeyQuery{Subject: "alice"})
	if err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	if records[0].KeyID != "k1" || records[0].Status != KeyActive {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	var raw map[string]any
	buf, err := json.Marshal(records[0].Key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, private := raw["d"]; private {
		t.Fatalf("stored key still carries private material")
	}

	if err := store.Add(SignerKeyRecord{Key: signer.key}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if store.Revoke("alice", "other") {
		t.Fatalf("Revoke reported an unknown kid")
	}
	if !store.Revoke("alice", "") {
		t.Fatalf("Revoke with empty kid found nothing")
	}
}

func TestParsePublicKey(t *testing.T) {
	signer := newTestSigner(t, jwa.ES384, "alice", "k1")
	pub, err := signer.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	pemBytes, err := EncodePEM(pub)
	if err != nil {
		t.Fatalf("EncodePEM: %v", err)
	}
	jwkBytes, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	privPEM, err := EncodePEM(signer.key)
	if err != nil {
		t.Fatalf("EncodePEM private: %v", err)
	}

	for name, data := range map[string][]byte{"pem": pemBytes, "jwk": jwkBytes, "private pem": privPEM} {
		key, err := ParsePublicKey(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if key.KeyType() != jwa.EC {
			t.Fatalf("%s: unexpected key type %s", name, key.KeyType())
		}
	}
	if _, err := ParsePublicKey([]byte("garbage")); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}
