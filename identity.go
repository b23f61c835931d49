package jwtauth

import (
	"context"
	"errors"
	"sync"
)

// IdentityKind distinguishes human and machine principals.
type IdentityKind string

const (
	IdentityUser    IdentityKind = "user"
	IdentityService IdentityKind = "service"
)

// Identity is the application principal bound to a token subject.
type Identity struct {
	Subject    string
	ID         string
	Name       string
	Kind       IdentityKind
	Active     bool
	Attributes map[string]string
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	if i.Attributes != nil {
		out.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// IdentityStore looks up identities by subject. Implementations return
// ErrIdentityNotFound (possibly wrapped) for unknown subjects.
type IdentityStore interface {
	LookupIdentity(ctx context.Context, subject string) (*Identity, error)
}

// MemoryIdentityStore is an in-process IdentityStore.
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

// NewMemoryIdentityStore returns a store seeded with identities.
func NewMemoryIdentityStore(identities ...Identity) *MemoryIdentityStore {
	s := &MemoryIdentityStore{identities: make(map[string]*Identity, len(identities))}
	for _, identity := range identities {
		_ = s.Put(identity)
	}
	return s
}

// Put creates or replaces the identity for its subject.
func (s *MemoryIdentityStore) Put(identity Identity) error {
	if identity.Subject == "" {
		return errors.New("subject is required")
	}
	if identity.ID == "" {
		identity.ID = identity.Subject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.Subject] = identity.clone()
	return nil
}

// Disable marks the identity inactive.
func (s *MemoryIdentityStore) Disable(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[subject]
	if ok {
		identity.Active = false
	}
	return ok
}

// LookupIdentity implements IdentityStore.
func (s *MemoryIdentityStore) LookupIdentity(_ context.Context, subject string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[subject]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return identity.clone(), nil
}
