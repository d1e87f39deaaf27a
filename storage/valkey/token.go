package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fitmetrics/authserver/storage"
)

func refreshArgs(t *storage.RefreshToken) []string {
	return []string{
		"token_hash", t.TokenHash,
		"client_id", t.ClientID,
		"user_id", t.UserID,
		"tenant_id", t.TenantID,
		"scope", t.Scope,
		"family_id", t.FamilyID,
		"parent_hash", t.ParentHash,
		"generation", strconv.Itoa(t.Generation),
		"issued_at", millis(t.IssuedAt),
		"expires_at", millis(t.ExpiresAt),
		"revoked", flag(t.Revoked),
		"revoked_at", millis(t.RevokedAt),
	}
}

func refreshFromFields(f fields) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:  f["token_hash"],
		ClientID:   f["client_id"],
		UserID:     f["user_id"],
		TenantID:   f["tenant_id"],
		Scope:      f["scope"],
		FamilyID:   f["family_id"],
		ParentHash: f["parent_hash"],
		Generation: f.int("generation"),
		IssuedAt:   f.time("issued_at"),
		ExpiresAt:  f.time("expires_at"),
		Revoked:    f.bool("revoked"),
		RevokedAt:  f.time("revoked_at"),
	}
}

// SaveRefreshToken stores the first token of a new lineage.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observer.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	ttl := s.ttlMillis(token.IssuedAt, token.ExpiresAt)
	argv := append([]string{fmt.Sprint(ttl), token.TokenHash}, refreshArgs(token)...)

	status, _, err := s.eval(ctx, luaSaveRefresh,
		[]string{s.refreshKey(token.TokenHash), s.familyKey(token.FamilyID)}, argv...)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "exists":
		return storage.ErrRefreshTokenExists
	default:
		return fmt.Errorf("unexpected script status %q", status)
	}
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.refreshKey(tokenHash)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if len(m) == 0 {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return refreshFromFields(m), nil
}

// RotateRefreshToken revokes oldHash and stores next in one script execution.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash, clientID string, next *storage.RefreshToken, now time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if next == nil || next.TokenHash == "" {
		return nil, fmt.Errorf("invalid refresh token")
	}

	ttl := s.ttlMillis(next.IssuedAt, next.ExpiresAt)
	argv := append([]string{clientID, millis(now), fmt.Sprint(ttl), next.TokenHash}, refreshArgs(next)...)
	keys := []string{s.refreshKey(oldHash), s.refreshKey(next.TokenHash), s.familyKey(next.FamilyID)}

	status, f, err := s.eval(ctx, luaRotateRefresh, keys, argv...)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch status {
	case "ok":
		return refreshFromFields(f), nil
	case "revoked":
		return refreshFromFields(f), storage.ErrRefreshTokenRevoked
	case "not_found":
		return nil, storage.ErrRefreshTokenNotFound
	case "expired":
		return nil, storage.ErrRefreshTokenExpired
	case "client_mismatch":
		return nil, storage.ErrClientMismatch
	case "exists":
		return nil, storage.ErrRefreshTokenExists
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}
}

// RevokeRefreshToken revokes a single token.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (err error) {
	ctx, done := s.observer.Start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	status, _, err := s.eval(ctx, luaRevokeRefresh, []string{s.refreshKey(tokenHash)}, millis(now))
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if status == "not_found" {
		return storage.ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token of a lineage.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_refresh_token_family")
	defer func() { done(err) }()

	status, _, err := s.eval(ctx, luaRevokeFamily, []string{s.familyKey(familyID)}, s.refreshKey(""), millis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token family: %w", err)
	}

	n, err := strconv.Atoi(status)
	if err != nil {
		return 0, fmt.Errorf("unexpected script status %q", status)
	}
	if n > 0 {
		s.logger.Debug("Revoked refresh token family", "family_id", familyID, "count", n)
	}
	return n, nil
}
