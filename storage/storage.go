// Package storage defines interfaces for persisting OAuth clients, authorization
// artifacts, refresh tokens, and signing key material.
// It supports in-memory, Valkey, and PostgreSQL backend implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all storage backends. Callers compare with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
	ErrInvalidSecret  = errors.New("invalid client credentials")

	ErrStateNotFound = errors.New("authorization state not found")
	ErrStateExists   = errors.New("authorization state already exists")
	ErrStateUsed     = errors.New("authorization state already used")
	ErrStateExpired  = errors.New("authorization state expired")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExists   = errors.New("authorization code already exists")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExists   = errors.New("refresh token already exists")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")

	ErrSigningKeyNotFound = errors.New("signing key not found")
	ErrSigningKeyExists   = errors.New("signing key already exists")

	// ErrClientMismatch is returned when an artifact is presented by a client other than its owner.
	ErrClientMismatch = errors.New("client does not own this artifact")
	// ErrRedirectURIMismatch is returned when the redirect_uri differs from the one captured at issuance.
	ErrRedirectURIMismatch = errors.New("redirect_uri does not match")
	// ErrPKCEMismatch is returned when the presented code_challenge differs from the stored one.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// ClientStore persists registered OAuth clients.
// It is the single source of truth for client existence.
type ClientStore interface {
	// SaveClient stores a new client. Returns ErrClientExists if the ID is taken.
	SaveClient(ctx context.Context, client *Client) error

	// UpdateClient replaces the mutable fields of an existing client.
	UpdateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a plaintext secret against the stored bcrypt hash.
	// Implementations must take the same time whether or not the client exists.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// StateStore persists per-authorization-attempt CSRF state for the pre-consent leg.
type StateStore interface {
	// SaveState stores a new state. Returns ErrStateExists if the state value is
	// already present and ErrClientNotFound if the owning client does not exist.
	SaveState(ctx context.Context, state *AuthorizationState) error

	// ConsumeState atomically marks the state used and returns it.
	// It fails with ErrStateNotFound, ErrStateUsed, ErrStateExpired or
	// ErrClientMismatch; a failed attempt leaves the entry untouched.
	ConsumeState(ctx context.Context, state, clientID string, now time.Time) (*AuthorizationState, error)
}

// AuthorizationCodeStore persists issued authorization codes.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode stores a freshly issued code. Returns ErrClientNotFound
	// if the owning client does not exist.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode loads a code without consuming it.
	// Returns ErrAuthorizationCodeNotFound for an unknown code.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode validates every binding of the code and marks it
	// used in a single atomic step. Checks run in this order: existence, used,
	// expiry, client, redirect URI, PKCE challenge. Only a full match has a side effect.
	//
	// On ErrAuthorizationCodeUsed the stored code is returned alongside the error
	// so callers can revoke what was minted from it.
	ConsumeAuthorizationCode(ctx context.Context, redemption CodeRedemption) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens by hash.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token record.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record by hash.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken revokes oldHash and stores next as one transactional unit.
	// The old token must be unrevoked, unexpired and owned by clientID.
	// On ErrRefreshTokenRevoked the stored token is returned alongside the error.
	RotateRefreshToken(ctx context.Context, oldHash, clientID string, next *RefreshToken, now time.Time) (*RefreshToken, error)

	// RevokeRefreshToken revokes a single token. Revoking an already revoked token is not an error.
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeRefreshTokenFamily revokes every live token in a lineage and returns how many were revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int, error)
}

// KeyStore persists signing key material so keys survive restarts.
type KeyStore interface {
	// SaveSigningKey stores a new key. Returns ErrSigningKeyExists on a duplicate kid.
	// When key.Active is set, every other key is deactivated in the same step.
	SaveSigningKey(ctx context.Context, key *SigningKey) error

	// ListSigningKeys returns every retained key.
	ListSigningKeys(ctx context.Context) ([]*SigningKey, error)

	// SetActiveSigningKey marks kid active and every other key inactive atomically.
	SetActiveSigningKey(ctx context.Context, kid string) error

	// DeleteSigningKey removes a key. Deleting an unknown kid returns ErrSigningKeyNotFound.
	DeleteSigningKey(ctx context.Context, kid string) error
}

// Cleaner is implemented by backends that need explicit removal of expired rows.
type Cleaner interface {
	// DeleteExpired removes states, codes and refresh tokens that can no longer be used.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Store is the full set of persistence operations the authorization server needs.
type Store interface {
	ClientStore
	StateStore
	AuthorizationCodeStore
	RefreshTokenStore
	KeyStore
}

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	ClientURI               string
	Scopes                  []string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsConfidential reports whether the client must authenticate at the token endpoint.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// HasRedirectURI reports whether uri is registered for the client (exact match only).
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client registered the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationState is the context of an authorization request parked while the
// resource owner authenticates out-of-band.
type AuthorizationState struct {
	State               string
	ClientID            string
	UserID              string // optional, known when the request started authenticated
	TenantID            string // optional
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	TenantID            string
	RedirectURI         string // exact string captured at issuance
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// CodeRedemption carries everything presented at the token endpoint for an
// authorization_code grant. CodeChallenge is the S256 challenge computed from
// the presented code_verifier, or empty when no verifier was sent.
type CodeRedemption struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Now           time.Time
}

// RefreshToken is a refresh token record. The token itself is never stored.
type RefreshToken struct {
	TokenHash  string
	ClientID   string
	UserID     string
	TenantID   string
	Scope      string
	FamilyID   string // shared by every token in one rotation lineage
	ParentHash string // hash of the token this one replaced, empty for the first
	Generation int
	IssuedAt   time.Time
	ExpiresAt  time.Time // zero means no expiry
	Revoked    bool
	RevokedAt  time.Time
}

// IsExpired reports whether the token can no longer be used at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

// SigningKey is persisted RSA key material.
type SigningKey struct {
	KID           string
	PrivateKeyPEM string // PKCS#8 PEM, possibly encrypted by the key manager
	Encrypted     bool
	CreatedAt     time.Time
	Active        bool
}
