package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/fitmetrics/authserver/internal/util"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/storage"
)

// SaveState stores the context of a parked authorization request.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	_, done := s.observe(ctx, "save_state")
	defer func() { done(err) }()

	if state == nil || state.State == "" {
		return fmt.Errorf("invalid authorization state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[state.ClientID]; !ok {
		return storage.ErrClientNotFound
	}
	if _, exists := s.states[state.State]; exists {
		return storage.ErrStateExists
	}

	cp := *state
	s.states[state.State] = &cp
	s.statesCount.Add(1)
	return nil
}

// ConsumeState marks a state used and returns it. Every check runs under the
// write lock, so exactly one concurrent caller can succeed.
func (s *Store) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (_ *storage.AuthorizationState, err error) {
	_, done := s.observe(ctx, "consume_state")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[state]
	switch {
	case !ok:
		return nil, storage.ErrStateNotFound
	case stored.Used:
		return nil, storage.ErrStateUsed
	case security.IsExpired(stored.ExpiresAt, now):
		return nil, storage.ErrStateExpired
	case stored.ClientID != clientID:
		return nil, storage.ErrClientMismatch
	}

	stored.Used = true
	cp := *stored
	return &cp, nil
}

// SaveAuthorizationCode stores a freshly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[code.ClientID]; !ok {
		return storage.ErrClientNotFound
	}
	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAuthorizationCodeExists
	}

	cp := *code
	s.codes[code.Code] = &cp
	s.codesCount.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a copy of a stored code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	cp := *stored
	return &cp, nil
}

// ConsumeAuthorizationCode validates every binding of the code and marks it
// used under the write lock.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, r storage.CodeRedemption) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[r.Code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if stored.Used {
		cp := *stored
		return &cp, storage.ErrAuthorizationCodeUsed
	}
	if err := storage.CheckCodeRedemption(stored, r); err != nil {
		return nil, err
	}

	stored.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.TokenPrefix(r.Code))

	cp := *stored
	return &cp, nil
}
