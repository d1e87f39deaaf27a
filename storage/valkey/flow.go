package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/fitmetrics/authserver/internal/util"
	"github.com/fitmetrics/authserver/storage"
)

func stateArgs(st *storage.AuthorizationState) []string {
	return []string{
		"state", st.State,
		"client_id", st.ClientID,
		"user_id", st.UserID,
		"tenant_id", st.TenantID,
		"redirect_uri", st.RedirectURI,
		"scope", st.Scope,
		"code_challenge", st.CodeChallenge,
		"code_challenge_method", st.CodeChallengeMethod,
		"created_at", millis(st.CreatedAt),
		"expires_at", millis(st.ExpiresAt),
		"used", flag(st.Used),
	}
}

func stateFromFields(f fields) *storage.AuthorizationState {
	return &storage.AuthorizationState{
		State:               f["state"],
		ClientID:            f["client_id"],
		UserID:              f["user_id"],
		TenantID:            f["tenant_id"],
		RedirectURI:         f["redirect_uri"],
		Scope:               f["scope"],
		CodeChallenge:       f["code_challenge"],
		CodeChallengeMethod: f["code_challenge_method"],
		CreatedAt:           f.time("created_at"),
		ExpiresAt:           f.time("expires_at"),
		Used:                f.bool("used"),
	}
}

func codeArgs(c *storage.AuthorizationCode) []string {
	return []string{
		"code", c.Code,
		"client_id", c.ClientID,
		"user_id", c.UserID,
		"tenant_id", c.TenantID,
		"redirect_uri", c.RedirectURI,
		"scope", c.Scope,
		"code_challenge", c.CodeChallenge,
		"code_challenge_method", c.CodeChallengeMethod,
		"created_at", millis(c.CreatedAt),
		"expires_at", millis(c.ExpiresAt),
		"used", flag(c.Used),
	}
}

func codeFromFields(f fields) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                f["code"],
		ClientID:            f["client_id"],
		UserID:              f["user_id"],
		TenantID:            f["tenant_id"],
		RedirectURI:         f["redirect_uri"],
		Scope:               f["scope"],
		CodeChallenge:       f["code_challenge"],
		CodeChallengeMethod: f["code_challenge_method"],
		CreatedAt:           f.time("created_at"),
		ExpiresAt:           f.time("expires_at"),
		Used:                f.bool("used"),
	}
}

func (s *Store) saveArtifact(ctx context.Context, clientID, key string, ttl int64, args []string, exists error) error {
	argv := append([]string{fmt.Sprint(ttl)}, args...)
	status, _, err := s.eval(ctx, luaSaveArtifact, []string{s.clientKey(clientID), key}, argv...)
	if err != nil {
		return err
	}
	switch status {
	case "ok":
		return nil
	case "client_not_found":
		return storage.ErrClientNotFound
	case "exists":
		return exists
	default:
		return fmt.Errorf("unexpected script status %q", status)
	}
}

// SaveState stores the context of a parked authorization request.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	ctx, done := s.observer.Start(ctx, "save_state")
	defer func() { done(err) }()

	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	ttl := s.ttlMillis(state.CreatedAt, state.ExpiresAt)
	return s.saveArtifact(ctx, state.ClientID, s.stateKey(state.State), ttl, stateArgs(state), storage.ErrStateExists)
}

// ConsumeState marks a state used and returns it in one script execution.
func (s *Store) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (_ *storage.AuthorizationState, err error) {
	ctx, done := s.observer.Start(ctx, "consume_state")
	defer func() { done(err) }()

	status, f, err := s.eval(ctx, luaConsumeState, []string{s.stateKey(state)}, clientID, millis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	switch status {
	case "ok":
		return stateFromFields(f), nil
	case "not_found":
		return nil, storage.ErrStateNotFound
	case "used":
		return nil, storage.ErrStateUsed
	case "expired":
		return nil, storage.ErrStateExpired
	case "client_mismatch":
		return nil, storage.ErrClientMismatch
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}
}

// SaveAuthorizationCode stores a freshly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	ttl := s.ttlMillis(code.CreatedAt, code.ExpiresAt)
	if err := s.saveArtifact(ctx, code.ClientID, s.codeKey(code.Code), ttl, codeArgs(code), storage.ErrAuthorizationCodeExists); err != nil {
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

	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.codeKey(code)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(m) == 0 {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return codeFromFields(m), nil
}

// ConsumeAuthorizationCode validates every binding of the code and marks it
// used in one script execution.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, r storage.CodeRedemption) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	status, f, err := s.eval(ctx, luaConsumeCode, []string{s.codeKey(r.Code)},
		r.ClientID, r.RedirectURI, r.CodeChallenge, millis(r.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch status {
	case "ok":
		return codeFromFields(f), nil
	case "used":
		return codeFromFields(f), storage.ErrAuthorizationCodeUsed
	case "not_found":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "expired":
		return nil, storage.ErrAuthorizationCodeExpired
	case "client_mismatch":
		return nil, storage.ErrClientMismatch
	case "redirect_mismatch":
		return nil, storage.ErrRedirectURIMismatch
	case "pkce_mismatch":
		return nil, storage.ErrPKCEMismatch
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}
}
