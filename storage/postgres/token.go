package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fitmetrics/authserver/storage"
)

const refreshColumns = `token_hash, client_id, user_id, tenant_id, scope, family_id,
	parent_hash, generation, issued_at, expires_at, revoked, revoked_at`

func scanRefreshToken(row pgx.Row) (*storage.RefreshToken, error) {
	var (
		t         storage.RefreshToken
		expiresAt *time.Time
		revokedAt *time.Time
	)
	if err := row.Scan(
		&t.TokenHash,
		&t.ClientID,
		&t.UserID,
		&t.TenantID,
		&t.Scope,
		&t.FamilyID,
		&t.ParentHash,
		&t.Generation,
		&t.IssuedAt,
		&expiresAt,
		&t.Revoked,
		&revokedAt,
	); err != nil {
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = fromNullTime(expiresAt)
	t.RevokedAt = fromNullTime(revokedAt)
	return &t, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, t *storage.RefreshToken) error {
	_, err := db.Exec(ctx,
		`INSERT INTO oauth_refresh_tokens (`+refreshColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.TokenHash, t.ClientID, t.UserID, t.TenantID, t.Scope, t.FamilyID,
		t.ParentHash, t.Generation, t.IssuedAt, nullTime(t.ExpiresAt),
		t.Revoked, nullTime(t.RevokedAt))
	if pgErrorCode(err) == uniqueViolation {
		return storage.ErrRefreshTokenExists
	}
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores the first token of a new lineage.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observer.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid refresh token")
	}
	return insertRefreshToken(ctx, s.pool, token)
}

// GetRefreshToken retrieves a refresh token record by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	token, err := scanRefreshToken(s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token_hash = $1`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken revokes oldHash and stores next in one transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash, clientID string, next *storage.RefreshToken, now time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if next == nil || next.TokenHash == "" {
		return nil, fmt.Errorf("invalid refresh token")
	}

	var old *storage.RefreshToken
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		old, err = scanRefreshToken(tx.QueryRow(ctx,
			`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token_hash = $1 FOR UPDATE`, oldHash))
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrRefreshTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("load refresh token: %w", err)
		}
		if err := storage.CheckRefreshRotation(old, clientID, now); err != nil {
			return err
		}

		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE oauth_refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_hash = $1`,
			oldHash, now); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		old.Revoked = true
		old.RevokedAt = now
		return nil
	})

	switch {
	case err == nil:
		return old, nil
	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		return old, err
	default:
		return nil, err
	}
}

// RevokeRefreshToken revokes a single token, keeping the first revocation time.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (err error) {
	ctx, done := s.observer.Start(ctx, "revoke_refresh_token")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_refresh_tokens
		 SET revoked_at = CASE WHEN revoked THEN revoked_at ELSE $2 END, revoked = TRUE
		 WHERE token_hash = $1`,
		tokenHash, now)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token of a lineage.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "revoke_refresh_token_family")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_refresh_tokens SET revoked = TRUE, revoked_at = $2
		 WHERE family_id = $1 AND NOT revoked`,
		familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}

	revoked := int(tag.RowsAffected())
	if revoked > 0 {
		s.logger.Debug("Revoked refresh token family", "family_id", familyID, "count", revoked)
	}
	return revoked, nil
}
