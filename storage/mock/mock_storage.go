// Package mock provides a storage.Store for failure injection in tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/fitmetrics/authserver/storage"
)

// Store delegates every call to Base unless the matching Func field is set.
// CallCount reports how often each method was invoked.
type Store struct {
	Base storage.Store

	SaveClientFunc               func(ctx context.Context, client *storage.Client) error
	UpdateClientFunc             func(ctx context.Context, client *storage.Client) error
	GetClientFunc                func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc     func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc              func(ctx context.Context) ([]*storage.Client, error)
	SaveStateFunc                func(ctx context.Context, state *storage.AuthorizationState) error
	ConsumeStateFunc             func(ctx context.Context, state, clientID string, now time.Time) (*storage.AuthorizationState, error)
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc func(ctx context.Context, r storage.CodeRedemption) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc         func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc          func(ctx context.Context, tokenHash string) (*storage.RefreshToken, error)
	RotateRefreshTokenFunc       func(ctx context.Context, oldHash, clientID string, next *storage.RefreshToken, now time.Time) (*storage.RefreshToken, error)
	RevokeRefreshTokenFunc       func(ctx context.Context, tokenHash string, now time.Time) error
	RevokeRefreshTokenFamilyFunc func(ctx context.Context, familyID string, now time.Time) (int, error)
	SaveSigningKeyFunc           func(ctx context.Context, key *storage.SigningKey) error
	ListSigningKeysFunc          func(ctx context.Context) ([]*storage.SigningKey, error)
	SetActiveSigningKeyFunc      func(ctx context.Context, kid string) error
	DeleteSigningKeyFunc         func(ctx context.Context, kid string) error

	mu    sync.Mutex
	calls map[string]int
}

var _ storage.Store = (*Store)(nil)

// New returns a mock delegating to base.
func New(base storage.Store) *Store {
	return &Store{Base: base, calls: make(map[string]int)}
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

// CallCount returns how many times method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Base.SaveClient(ctx, client)
}

func (m *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	m.record("UpdateClient")
	if m.UpdateClientFunc != nil {
		return m.UpdateClientFunc(ctx, client)
	}
	return m.Base.UpdateClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Base.GetClient(ctx, clientID)
}

func (m *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.record("ValidateClientSecret")
	if m.ValidateClientSecretFunc != nil {
		return m.ValidateClientSecretFunc(ctx, clientID, clientSecret)
	}
	return m.Base.ValidateClientSecret(ctx, clientID, clientSecret)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.Base.ListClients(ctx)
}

func (m *Store) SaveState(ctx context.Context, state *storage.AuthorizationState) error {
	m.record("SaveState")
	if m.SaveStateFunc != nil {
		return m.SaveStateFunc(ctx, state)
	}
	return m.Base.SaveState(ctx, state)
}

func (m *Store) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (*storage.AuthorizationState, error) {
	m.record("ConsumeState")
	if m.ConsumeStateFunc != nil {
		return m.ConsumeStateFunc(ctx, state, clientID, now)
	}
	return m.Base.ConsumeState(ctx, state, clientID, now)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Base.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.Base.GetAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, r storage.CodeRedemption) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, r)
	}
	return m.Base.ConsumeAuthorizationCode(ctx, r)
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Base.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, tokenHash)
	}
	return m.Base.GetRefreshToken(ctx, tokenHash)
}

func (m *Store) RotateRefreshToken(ctx context.Context, oldHash, clientID string, next *storage.RefreshToken, now time.Time) (*storage.RefreshToken, error) {
	m.record("RotateRefreshToken")
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, oldHash, clientID, next, now)
	}
	return m.Base.RotateRefreshToken(ctx, oldHash, clientID, next, now)
}

func (m *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, tokenHash, now)
	}
	return m.Base.RevokeRefreshToken(ctx, tokenHash, now)
}

func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	m.record("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID, now)
	}
	return m.Base.RevokeRefreshTokenFamily(ctx, familyID, now)
}

func (m *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	m.record("SaveSigningKey")
	if m.SaveSigningKeyFunc != nil {
		return m.SaveSigningKeyFunc(ctx, key)
	}
	return m.Base.SaveSigningKey(ctx, key)
}

func (m *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	m.record("ListSigningKeys")
	if m.ListSigningKeysFunc != nil {
		return m.ListSigningKeysFunc(ctx)
	}
	return m.Base.ListSigningKeys(ctx)
}

func (m *Store) SetActiveSigningKey(ctx context.Context, kid string) error {
	m.record("SetActiveSigningKey")
	if m.SetActiveSigningKeyFunc != nil {
		return m.SetActiveSigningKeyFunc(ctx, kid)
	}
	return m.Base.SetActiveSigningKey(ctx, kid)
}

func (m *Store) DeleteSigningKey(ctx context.Context, kid string) error {
	m.record("DeleteSigningKey")
	if m.DeleteSigningKeyFunc != nil {
		return m.DeleteSigningKeyFunc(ctx, kid)
	}
	return m.Base.DeleteSigningKey(ctx, kid)
}
