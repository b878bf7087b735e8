package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docuflow/docuflow/model"
)

// ErrNotFound is returned when a key resolves in none of the four scopes.
var ErrNotFound = errors.New("credential not found")

// Repository is the persistence surface the store needs. The gorm
// implementation refuses to operate without a tenant binding; tests use an
// in-memory implementation.
type Repository interface {
	// Lookup returns the newest non-deleted credential for (key, scope,
	// scopeRef), or nil when absent.
	Lookup(ctx context.Context, key, scope, scopeRef string) (*model.Credential, error)

	// Touch updates last_used_at after a successful resolution.
	Touch(ctx context.Context, id uint, at time.Time) error

	Create(ctx context.Context, cred *model.Credential) error
	UpdateValue(ctx context.Context, id uint, encrypted []byte) error
	SoftDelete(ctx context.Context, id uint) error
}

// Cache is the optional read-through cache. Entries carry a TTL; rotation
// invalidates.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store resolves credentials hierarchically and manages their lifecycle.
type Store struct {
	repo     Repository
	cipher   *Cipher
	cache    Cache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewStore creates a credential store. cache may be nil to disable the
// read-through layer.
func NewStore(repo Repository, cipher *Cipher, cache Cache, cacheTTL time.Duration) *Store {
	return &Store{
		repo:     repo,
		cipher:   cipher,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Put encrypts and stores a credential in the given scope.
func (s *Store) Put(ctx context.Context, key, value, scope, scopeRef string, expiresAt *time.Time) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential %q: %w", key, err)
	}
	cred := &model.Credential{
		Key:            key,
		EncryptedValue: encrypted,
		Scope:          scope,
		ScopeRef:       scopeRef,
		ExpiresAt:      expiresAt,
	}
	if err := s.repo.Create(ctx, cred); err != nil {
		return err
	}
	s.invalidate(ctx, key, scope, scopeRef)
	return nil
}

// Rotate replaces the value of an existing credential and invalidates the
// cache entry.
func (s *Store) Rotate(ctx context.Context, key, scope, scopeRef, newValue string) error {
	cred, err := s.repo.Lookup(ctx, key, scope, scopeRef)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrNotFound
	}
	encrypted, err := s.cipher.Encrypt(newValue)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential %q: %w", key, err)
	}
	if err := s.repo.UpdateValue(ctx, cred.ID, encrypted); err != nil {
		return err
	}
	s.invalidate(ctx, key, scope, scopeRef)
	return nil
}

// Resolve returns the scope-narrowest non-expired value for key. Lookup
// order: processor, campaign, tenant, system. Expired credentials are
// treated as absent, so removing a narrower scope exposes the broader one
// transparently. Each successful resolution updates last_used_at.
func (s *Store) Resolve(ctx context.Context, key, processorRef, campaignRef, tenantRef string) (string, error) {
	scopes := []struct {
		scope string
		ref   string
	}{
		{model.ScopeProcessor, processorRef},
		{model.ScopeCampaign, campaignRef},
		{model.ScopeTenant, tenantRef},
		{model.ScopeSystem, ""},
	}

	for _, sc := range scopes {
		if sc.scope != model.ScopeSystem && sc.ref == "" {
			continue
		}

		cacheKey := s.cacheKey(key, sc.scope, sc.ref)
		if s.cache != nil {
			if value, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
				return value, nil
			}
		}

		cred, err := s.repo.Lookup(ctx, key, sc.scope, sc.ref)
		if err != nil {
			return "", err
		}
		if cred == nil {
			continue
		}
		if cred.ExpiresAt != nil && !cred.ExpiresAt.After(s.now()) {
			continue
		}

		value, err := s.cipher.Decrypt(cred.EncryptedValue)
		if err != nil {
			return "", err
		}
		if err := s.repo.Touch(ctx, cred.ID, s.now()); err != nil {
			return "", err
		}
		if s.cache != nil {
			_ = s.cache.Set(ctx, cacheKey, value, s.cacheTTL)
		}
		return value, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *Store) cacheKey(key, scope, ref string) string {
	return fmt.Sprintf("credential:%s:%s:%s", scope, ref, key)
}

func (s *Store) invalidate(ctx context.Context, key, scope, ref string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, s.cacheKey(key, scope, ref))
	}
}
