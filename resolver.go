package jwtauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// IdentityResolver maps verified claims to an active Identity.
type IdentityResolver struct {
	store IdentityStore
	cfg   ResolverConfig
	cache *expirable.LRU[string, *Identity]
	group singleflight.Group
}

// NewIdentityResolver wraps store with an optional read-through cache.
func NewIdentityResolver(store IdentityStore, cfg ResolverConfig) (*IdentityResolver, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	cfg.normalize()
	r := &IdentityResolver{store: store, cfg: cfg}
	if cfg.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, *Identity](cfg.MaxEntries, nil, cfg.CacheTTL)
	}
	return r, nil
}

// Resolve returns the identity bound to claims.Subject.
func (r *IdentityResolver) Resolve(ctx context.Context, claims *Claims) (*Identity, error) {
	if claims == nil || claims.Subject == "" {
		return nil, newError(ErrCodeUnknownIdentity, errors.New("subject is empty"))
	}
	identity, err := r.lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, newError(ErrCodeUnknownIdentity, fmt.Errorf("subject %q", claims.Subject))
		}
		return nil, newError(ErrCodeIdentityStoreUnavailable, err)
	}
	if !identity.Active {
		return nil, newError(ErrCodeIdentityDisabled, fmt.Errorf("subject %q", claims.Subject))
	}
	return identity, nil
}

// Invalidate drops any cached identity for subject.
func (r *IdentityResolver) Invalidate(subject string) {
	if r.cache != nil {
		r.cache.Remove(subject)
	}
}

func (r *IdentityResolver) lookup(ctx context.Context, subject string) (*Identity, error) {
	if r.cache == nil {
		return r.store.LookupIdentity(ctx, subject)
	}
	if identity, ok := r.cache.Get(subject); ok {
		return identity.clone(), nil
	}

	// The shared lookup outlives any single caller; each caller still
	// gives up on its own context.
	ch := r.group.DoChan(subject, func() (any, error) {
		identity, err := r.store.LookupIdentity(context.WithoutCancel(ctx), subject)
		if err != nil {
			return nil, err
		}
		r.cache.Add(subject, identity.clone())
		return identity, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Identity).clone(), nil
	}
}
