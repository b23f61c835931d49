package jwtauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// JWKSKeyStore resolves signer keys from JWKS endpoints trusted per subject.
//
// Explicit trusts are registered with a refreshing jwk.Cache for the life of
// the store. Subjects derived from URLTemplate are attacker-chosen, so their
// key sets live in a bounded LRU that expires entries after MinRefresh.
type JWKSKeyStore struct {
	cfg        JWKSConfig
	trusts     map[string]string
	cache      *jwk.Cache
	derived    *expirable.LRU[string, jwk.Set]
	fetches    singleflight.Group
	httpClient *http.Client

	mu sync.Mutex
}

// NewJWKSKeyStore builds a key store from the given configuration. The
// background refresh loop stops when ctx is done.
func NewJWKSKeyStore(ctx context.Context, cfg JWKSConfig) (*JWKSKeyStore, error) {
	trusts, err := cfg.trustIndex()
	if err != nil {
		return nil, err
	}
	cfg.normalize()

	s := &JWKSKeyStore{
		cfg:     cfg,
		trusts:  trusts,
		cache:   jwk.NewCache(ctx),
		derived: expirable.NewLRU[string, jwk.Set](cfg.MaxSubjects, nil, cfg.MinRefresh),
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
	}
	for subject, u := range trusts {
		if err := s.register(u); err != nil {
			return nil, fmt.Errorf("register jwks for %q: %w", subject, err)
		}
	}
	return s, nil
}

// Warmup refreshes the key set trusted for subject.
func (s *JWKSKeyStore) Warmup(ctx context.Context, subject string) error {
	if u, ok := s.trusts[subject]; ok {
		refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
		defer cancel()
		if _, err := s.cache.Refresh(refreshCtx, u); err != nil {
			return fmt.Errorf("refresh %s: %w", u, err)
		}
		return nil
	}
	u, ok := s.templateURL(subject)
	if !ok {
		return fmt.Errorf("subject %q: %w", subject, ErrKeyNotFound)
	}
	s.derived.Remove(u)
	_, err := s.derivedSet(ctx, u)
	return err
}

// ResolveKeys implements KeyResolver.
func (s *JWKSKeyStore) ResolveKeys(ctx context.Context, query KeyQuery) ([]SignerKeyRecord, error) {
	set, err := s.keySet(ctx, query.Subject)
	if err != nil {
		return nil, err
	}

	records := make([]SignerKeyRecord, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		records = append(records, SignerKeyRecord{
			Subject: query.Subject,
			KeyID:   key.KeyID(),
			Key:     key,
			Status:  KeyActive,
		})
	}
	if len(records) == 0 {
		return nil, ErrKeyNotFound
	}
	return records, nil
}

func (s *JWKSKeyStore) keySet(ctx context.Context, subject string) (jwk.Set, error) {
	if u, ok := s.trusts[subject]; ok {
		set, err := s.cache.Get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u, err)
		}
		return set, nil
	}
	u, ok := s.templateURL(subject)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return s.derivedSet(ctx, u)
}

// derivedSet returns the cached set for a template URL, fetching it once
// for all concurrent callers on a miss. A 404 is remembered as an empty set.
func (s *JWKSKeyStore) derivedSet(ctx context.Context, u string) (jwk.Set, error) {
	if set, ok := s.derived.Get(u); ok {
		return set, nil
	}
	ch := s.fetches.DoChan(u, func() (any, error) {
		set, err := s.fetch(context.WithoutCancel(ctx), u)
		if err != nil {
			return nil, err
		}
		s.derived.Add(u, set)
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	}
}

func (s *JWKSKeyStore) fetch(ctx context.Context, u string) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return jwk.NewSet(), nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
	set, err := jwk.ParseReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	return set, nil
}

func (s *JWKSKeyStore) templateURL(subject string) (string, bool) {
	if subject == "" || s.cfg.URLTemplate == "" {
		return "", false
	}
	return strings.ReplaceAll(s.cfg.URLTemplate, "{subject}", url.PathEscape(subject)), true
}

func (s *JWKSKeyStore) register(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.IsRegistered(u) {
		return nil
	}
	return s.cache.Register(u,
		jwk.WithMinRefreshInterval(s.cfg.MinRefresh),
		jwk.WithHTTPClient(s.httpClient),
	)
}
