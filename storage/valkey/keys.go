package valkey

import (
	"context"
	"fmt"
	"sort"

	"github.com/fitmetrics/authserver/storage"
)

// SaveSigningKey stores new key material.
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	ctx, done := s.observer.Start(ctx, "save_signing_key")
	defer func() { done(err) }()

	if key == nil || key.KID == "" {
		return fmt.Errorf("invalid signing key")
	}

	status, _, err := s.eval(ctx, luaSaveSigningKey,
		[]string{s.signingKeyKey(key.KID), s.activeSigningKeyKey()},
		flag(key.Active),
		"kid", key.KID,
		"private_key_pem", key.PrivateKeyPEM,
		"encrypted", flag(key.Encrypted),
		"created_at", millis(key.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	if status == "exists" {
		return storage.ErrSigningKeyExists
	}
	return nil
}

// ListSigningKeys returns every retained key ordered by creation time and kid.
func (s *Store) ListSigningKeys(ctx context.Context) (_ []*storage.SigningKey, err error) {
	ctx, done := s.observer.Start(ctx, "list_signing_keys")
	defer func() { done(err) }()

	names, err := s.scan(ctx, s.signingKeyKey("*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan signing keys: %w", err)
	}

	active, err := s.client.Do(ctx, s.client.B().Get().Key(s.activeSigningKeyKey()).Build()).ToString()
	if err != nil && !isNil(err) {
		return nil, fmt.Errorf("failed to get active signing key: %w", err)
	}

	keys := make([]*storage.SigningKey, 0, len(names))
	for _, name := range names {
		m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(name).Build()).AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("failed to get signing key: %w", err)
		}
		if len(m) == 0 {
			continue // deleted between SCAN and HGETALL
		}
		f := fields(m)
		keys = append(keys, &storage.SigningKey{
			KID:           f["kid"],
			PrivateKeyPEM: f["private_key_pem"],
			Encrypted:     f.bool("encrypted"),
			CreatedAt:     f.time("created_at"),
			Active:        f["kid"] == active,
		})
	}

	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].KID < keys[j].KID
	})
	return keys, nil
}

// SetActiveSigningKey points the active marker at kid.
func (s *Store) SetActiveSigningKey(ctx context.Context, kid string) (err error) {
	ctx, done := s.observer.Start(ctx, "set_active_signing_key")
	defer func() { done(err) }()

	status, _, err := s.eval(ctx, luaSetActiveSigningKey,
		[]string{s.signingKeyKey(kid), s.activeSigningKeyKey()}, kid)
	if err != nil {
		return fmt.Errorf("failed to set active signing key: %w", err)
	}
	if status == "not_found" {
		return storage.ErrSigningKeyNotFound
	}
	return nil
}

// DeleteSigningKey removes key material.
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_signing_key")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.signingKeyKey(kid)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete signing key: %w", err)
	}
	if n == 0 {
		return storage.ErrSigningKeyNotFound
	}
	return nil
}
