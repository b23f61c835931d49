package jwtauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyStatus is the lifecycle state of a signer key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// SignerKeyRecord binds public key material to a subject.
type SignerKeyRecord struct {
	Subject   string
	KeyID     string
	Key       jwk.Key
	Status    KeyStatus
	NotBefore time.Time
	NotAfter  time.Time
}

// usableAt reports whether the record may verify a token at now.
func (r SignerKeyRecord) usableAt(now time.Time) bool {
	if r.Key == nil || r.Status != KeyActive {
		return false
	}
	if !r.NotBefore.IsZero() && now.Before(r.NotBefore) {
		return false
	}
	if !r.NotAfter.IsZero() && !now.Before(r.NotAfter) {
		return false
	}
	return true
}

// KeyQuery identifies the keys a token may have been signed with.
type KeyQuery struct {
	Subject string
	// KeyID is the optional "kid" header hint.
	KeyID string
}

// KeyResolver looks up signer keys. Implementations return ErrKeyNotFound
// (possibly wrapped) when the subject has no keys.
type KeyResolver interface {
	ResolveKeys(ctx context.Context, query KeyQuery) ([]SignerKeyRecord, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, query KeyQuery) ([]SignerKeyRecord, error)

// ResolveKeys calls f.
func (f KeyResolverFunc) ResolveKeys(ctx context.Context, query KeyQuery) ([]SignerKeyRecord, error) {
	return f(ctx, query)
}

// KeyResolvers consults each resolver in order. A resolver reporting
// ErrKeyNotFound passes the query to the next one; any other error stops
// the lookup.
type KeyResolvers []KeyResolver

// ResolveKeys implements KeyResolver.
func (rs KeyResolvers) ResolveKeys(ctx context.Context, query KeyQuery) ([]SignerKeyRecord, error) {
	for _, r := range rs {
		records, err := r.ResolveKeys(ctx, query)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, ErrKeyNotFound
}

// MemoryKeyStore is an in-process KeyResolver.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]SignerKeyRecord
}

// NewMemoryKeyStore returns an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]SignerKeyRecord)}
}

// Add stores a record, replacing any record with the same subject and key id.
// Private keys are reduced to their public half.
func (s *MemoryKeyStore) Add(record SignerKeyRecord) error {
	if record.Subject == "" {
		return errors.New("subject is required")
	}
	if record.Key == nil {
		return errors.New("key is required")
	}
	pub, err := jwk.PublicKeyOf(record.Key)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	record.Key = pub
	if record.KeyID == "" {
		record.KeyID = pub.KeyID()
	}
	if record.Status == "" {
		record.Status = KeyActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.keys[record.Subject]
	for i := range records {
		if records[i].KeyID == record.KeyID {
			records[i] = record
			return nil
		}
	}
	s.keys[record.Subject] = append(records, record)
	return nil
}

// Revoke marks the subject's key as revoked. An empty kid revokes all keys.
func (s *MemoryKeyStore) Revoke(subject, kid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := false
	for i := range s.keys[subject] {
		if kid == "" || s.keys[subject][i].KeyID == kid {
			s.keys[subject][i].Status = KeyRevoked
			revoked = true
		}
	}
	return revoked
}

// ResolveKeys implements KeyResolver.
func (s *MemoryKeyStore) ResolveKeys(_ context.Context, query KeyQuery) ([]SignerKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.keys[query.Subject]
	if len(records) == 0 {
		return nil, ErrKeyNotFound
	}
	return append([]SignerKeyRecord(nil), records...), nil
}

// ParsePublicKey parses a PEM block or JWK JSON document into a public jwk.Key.
func ParsePublicKey(data []byte) (jwk.Key, error) {
	data = bytes.TrimSpace(data)
	var (
		key jwk.Key
		err error
	)
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
	} else {
		key, err = jwk.ParseKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return jwk.PublicKeyOf(key)
}
