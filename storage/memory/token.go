package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitmetrics/authserver/storage"
)

func (s *Store) insertRefreshTokenLocked(token *storage.RefreshToken) error {
	if _, exists := s.refreshTokens[token.TokenHash]; exists {
		return storage.ErrRefreshTokenExists
	}

	cp := *token
	s.refreshTokens[token.TokenHash] = &cp
	s.refreshTokensCount.Add(1)

	members, ok := s.families[token.FamilyID]
	if !ok {
		members = make(map[string]struct{})
		s.families[token.FamilyID] = members
	}
	members[token.TokenHash] = struct{}{}
	return nil
}

// SaveRefreshToken stores the first token of a new lineage.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertRefreshTokenLocked(token)
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// RotateRefreshToken revokes oldHash and stores next under one write lock.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash, clientID string, next *storage.RefreshToken, now time.Time) (_ *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if next == nil || next.TokenHash == "" {
		return nil, fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refreshTokens[oldHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err := storage.CheckRefreshRotation(old, clientID, now); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) {
			cp := *old
			return &cp, err
		}
		return nil, err
	}
	if _, exists := s.refreshTokens[next.TokenHash]; exists {
		return nil, storage.ErrRefreshTokenExists
	}

	old.Revoked = true
	old.RevokedAt = now
	if err := s.insertRefreshTokenLocked(next); err != nil {
		return nil, err
	}

	cp := *old
	return &cp, nil
}

// RevokeRefreshToken revokes a single token.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (err error) {
	_, done := s.observe(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	if !token.Revoked {
		token.Revoked = true
		token.RevokedAt = now
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token of a lineage.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (_ int, err error) {
	_, done := s.observe(ctx, "revoke_refresh_token_family")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for hash := range s.families[familyID] {
		token := s.refreshTokens[hash]
		if token == nil || token.Revoked {
			continue
		}
		token.Revoked = true
		token.RevokedAt = now
		revoked++
	}

	if revoked > 0 {
		s.logger.Debug("Revoked refresh token family", "family_id", familyID, "count", revoked)
	}
	return revoked, nil
}
