package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fitmetrics/authserver/storage"
)

// SaveSigningKey stores new key material.
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	ctx, done := s.observer.Start(ctx, "save_signing_key")
	defer func() { done(err) }()

	if key == nil || key.KID == "" {
		return fmt.Errorf("invalid signing key")
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if key.Active {
			if _, err := tx.Exec(ctx, `UPDATE oauth_signing_keys SET active = FALSE WHERE active`); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO oauth_signing_keys (kid, private_key_pem, encrypted, created_at, active)
			 VALUES ($1, $2, $3, $4, $5)`,
			key.KID, key.PrivateKeyPEM, key.Encrypted, key.CreatedAt, key.Active)
		return err
	})
	if pgErrorCode(err) == uniqueViolation {
		return storage.ErrSigningKeyExists
	}
	if err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	return nil
}

// ListSigningKeys returns every retained key ordered by creation time and kid.
func (s *Store) ListSigningKeys(ctx context.Context) (_ []*storage.SigningKey, err error) {
	ctx, done := s.observer.Start(ctx, "list_signing_keys")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT kid, private_key_pem, encrypted, created_at, active
		 FROM oauth_signing_keys ORDER BY created_at, kid`)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*storage.SigningKey
	for rows.Next() {
		var k storage.SigningKey
		if err := rows.Scan(&k.KID, &k.PrivateKeyPEM, &k.Encrypted, &k.CreatedAt, &k.Active); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		k.CreatedAt = k.CreatedAt.UTC()
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// SetActiveSigningKey marks kid active and every other key inactive.
func (s *Store) SetActiveSigningKey(ctx context.Context, kid string) (err error) {
	ctx, done := s.observer.Start(ctx, "set_active_signing_key")
	defer func() { done(err) }()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM oauth_signing_keys WHERE kid = $1)`, kid).Scan(&exists); err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		if !exists {
			return storage.ErrSigningKeyNotFound
		}

		// the single-active index is checked per row, so clear before setting
		if _, err := tx.Exec(ctx,
			`UPDATE oauth_signing_keys SET active = FALSE WHERE active AND kid <> $1`, kid); err != nil {
			return fmt.Errorf("deactivate signing keys: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE oauth_signing_keys SET active = TRUE WHERE kid = $1`, kid); err != nil {
			return fmt.Errorf("activate signing key: %w", err)
		}
		return nil
	})
}

// DeleteSigningKey removes key material.
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_signing_key")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_signing_keys WHERE kid = $1`, kid)
	if err != nil {
		return fmt.Errorf("delete signing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrSigningKeyNotFound
	}
	return nil
}

