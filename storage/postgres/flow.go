package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fitmetrics/authserver/internal/util"
	"github.com/fitmetrics/authserver/storage"
)

// artifactColumns is shared by oauth_states and oauth_authorization_codes
// after their key column.
const artifactColumns = `client_id, user_id, tenant_id, redirect_uri, scope,
	code_challenge, code_challenge_method, created_at, expires_at, used`

func scanState(row pgx.Row) (*storage.AuthorizationState, error) {
	var (
		st        storage.AuthorizationState
		expiresAt *time.Time
	)
	if err := row.Scan(
		&st.State,
		&st.ClientID,
		&st.UserID,
		&st.TenantID,
		&st.RedirectURI,
		&st.Scope,
		&st.CodeChallenge,
		&st.CodeChallengeMethod,
		&st.CreatedAt,
		&expiresAt,
		&st.Used,
	); err != nil {
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.ExpiresAt = fromNullTime(expiresAt)
	return &st, nil
}

func scanCode(row pgx.Row) (*storage.AuthorizationCode, error) {
	var (
		c         storage.AuthorizationCode
		expiresAt *time.Time
	)
	if err := row.Scan(
		&c.Code,
		&c.ClientID,
		&c.UserID,
		&c.TenantID,
		&c.RedirectURI,
		&c.Scope,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&c.CreatedAt,
		&expiresAt,
		&c.Used,
	); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = fromNullTime(expiresAt)
	return &c, nil
}

// insertArtifact runs an INSERT ... SELECT guarded by a client existence
// check; no inserted row means the client is unknown.
func (s *Store) insertArtifact(ctx context.Context, what, query string, exists error, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	switch {
	case err == nil && tag.RowsAffected() == 0:
		return storage.ErrClientNotFound
	case err == nil:
		return nil
	case pgErrorCode(err) == uniqueViolation:
		return exists
	default:
		return fmt.Errorf("save %s: %w", what, err)
	}
}

// clientExists guards artifact inserts; $2 is always the client ID.
const clientExists = `WHERE EXISTS (SELECT 1 FROM oauth_clients WHERE client_id = $2)`

// SaveState stores the context of a parked authorization request.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	ctx, done := s.observer.Start(ctx, "save_state")
	defer func() { done(err) }()

	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	return s.insertArtifact(ctx, "state",
		`INSERT INTO oauth_states (state, `+artifactColumns+`)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::timestamptz, $10::timestamptz, $11::boolean `+clientExists,
		storage.ErrStateExists,
		state.State, state.ClientID, state.UserID, state.TenantID, state.RedirectURI,
		state.Scope, state.CodeChallenge, state.CodeChallengeMethod,
		state.CreatedAt, nullTime(state.ExpiresAt), state.Used)
}

// ConsumeState marks a state used and returns it in one conditional UPDATE.
// When nothing matches, the row is read back only to report why.
func (s *Store) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (_ *storage.AuthorizationState, err error) {
	ctx, done := s.observer.Start(ctx, "consume_state")
	defer func() { done(err) }()

	consumed, err := scanState(s.pool.QueryRow(ctx,
		`UPDATE oauth_states SET used = TRUE
		 WHERE state = $1 AND NOT used
		   AND (expires_at IS NULL OR expires_at > $2)
		   AND client_id = $3
		 RETURNING state, `+artifactColumns,
		state, now, clientID))
	if err == nil {
		return consumed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("consume state: %w", err)
	}

	stored, err := scanState(s.pool.QueryRow(ctx,
		`SELECT state, `+artifactColumns+` FROM oauth_states WHERE state = $1`, state))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	switch {
	case stored.Used:
		return nil, storage.ErrStateUsed
	case expired(stored.ExpiresAt, now):
		return nil, storage.ErrStateExpired
	case stored.ClientID != clientID:
		return nil, storage.ErrClientMismatch
	}
	// matched on re-read, so a concurrent caller consumed it first
	return nil, storage.ErrStateUsed
}

// SaveAuthorizationCode stores a freshly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	err = s.insertArtifact(ctx, "authorization code",
		`INSERT INTO oauth_authorization_codes (code, `+artifactColumns+`)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::timestamptz, $10::timestamptz, $11::boolean `+clientExists,
		storage.ErrAuthorizationCodeExists,
		code.Code, code.ClientID, code.UserID, code.TenantID, code.RedirectURI,
		code.Scope, code.CodeChallenge, code.CodeChallengeMethod,
		code.CreatedAt, nullTime(code.ExpiresAt), code.Used)
	if err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode loads a code without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	stored, err := scanCode(s.pool.QueryRow(ctx,
		`SELECT code, `+artifactColumns+` FROM oauth_authorization_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	return stored, nil
}

// ConsumeAuthorizationCode validates every binding of the code and marks it
// used in one transaction. The row is locked while the bindings are checked
// in Go, so the PKCE challenge comparison stays constant-time.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, r storage.CodeRedemption) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	var stored *storage.AuthorizationCode
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		stored, err = scanCode(tx.QueryRow(ctx,
			`SELECT code, `+artifactColumns+` FROM oauth_authorization_codes WHERE code = $1 FOR UPDATE`, r.Code))
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrAuthorizationCodeNotFound
		}
		if err != nil {
			return fmt.Errorf("load authorization code: %w", err)
		}
		if stored.Used {
			return storage.ErrAuthorizationCodeUsed
		}
		if err := storage.CheckCodeRedemption(stored, r); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE oauth_authorization_codes SET used = TRUE WHERE code = $1`, r.Code); err != nil {
			return fmt.Errorf("mark authorization code used: %w", err)
		}
		stored.Used = true
		return nil
	})

	switch {
	case err == nil:
		s.logger.Debug("Marked authorization code as used", "code_prefix", util.TokenPrefix(r.Code))
		return stored, nil
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		return stored, err
	default:
		return nil, err
	}
}
