package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/fitmetrics/authserver/storage"
)

// SaveSigningKey stores new key material.
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	_, done := s.observe(ctx, "save_signing_key")
	defer func() { done(err) }()

	if key == nil || key.KID == "" {
		return fmt.Errorf("invalid signing key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signingKeys[key.KID]; exists {
		return storage.ErrSigningKeyExists
	}
	if key.Active {
		for _, other := range s.signingKeys {
			other.Active = false
		}
	}
	cp := *key
	s.signingKeys[key.KID] = &cp
	return nil
}

// ListSigningKeys returns every retained key ordered by creation time and kid.
func (s *Store) ListSigningKeys(ctx context.Context) (_ []*storage.SigningKey, err error) {
	_, done := s.observe(ctx, "list_signing_keys")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*storage.SigningKey, 0, len(s.signingKeys))
	for _, key := range s.signingKeys {
		cp := *key
		keys = append(keys, &cp)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].KID < keys[j].KID
	})
	return keys, nil
}

// SetActiveSigningKey marks kid active and every other key inactive.
func (s *Store) SetActiveSigningKey(ctx context.Context, kid string) (err error) {
	_, done := s.observe(ctx, "set_active_signing_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.signingKeys[kid]; !ok {
		return storage.ErrSigningKeyNotFound
	}
	for id, key := range s.signingKeys {
		key.Active = id == kid
	}
	return nil
}

// DeleteSigningKey removes key material.
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	_, done := s.observe(ctx, "delete_signing_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.signingKeys[kid]; !ok {
		return storage.ErrSigningKeyNotFound
	}
	delete(s.signingKeys, kid)
	return nil
}
