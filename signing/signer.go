// Package signing signs and verifies the server's JWTs with keys from a
// keys.Manager.
//
// Tokens are RS256 with the signing key's kid in the header. Verification
// resolves the kid against every retained key, so tokens signed before a
// rotation stay valid until their key is pruned. A token without a kid, or
// with a kid the manager does not know, is rejected before any signature
// check.
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
)

// Token uses distinguish access tokens from browser session tokens signed by
// the same keys.
const (
	TokenUseAccess  = "access"
	TokenUseSession = "session"
)

var (
	// ErrMalformedToken is returned for tokens that cannot be decoded or carry no kid.
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnknownKeyID is returned when the kid names no retained key.
	ErrUnknownKeyID = errors.New("token signed with unknown key")

	// ErrInvalidToken covers bad signatures and failed claim validation.
	ErrInvalidToken = errors.New("invalid token")
)

// KeySource resolves signing keys. *keys.Manager implements it.
type KeySource interface {
	Active() (*keys.Key, error)
	Get(kid string) (*keys.Key, error)
}

// Claims are the claims carried by every token the server signs.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
}

// Config configures a Signer.
type Config struct {
	// Issuer is the iss claim of issued tokens and the only issuer accepted.
	Issuer string

	// Audience is the default aud accepted by Verify (default: Issuer).
	Audience string

	// Leeway is the clock skew tolerated on exp, nbf and iat.
	Leeway time.Duration

	Clock security.Clock
}

// Signer signs claims with the active key and verifies tokens by kid.
type Signer struct {
	keys     KeySource
	issuer   string
	audience string
	leeway   time.Duration
	clock    security.Clock
}

// NewSigner creates a Signer over source.
func NewSigner(source KeySource, cfg Config) (*Signer, error) {
	if source == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}

	return &Signer{
		keys:     source,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
		clock:    security.ClockOrDefault(cfg.Clock),
	}, nil
}

// Issuer returns the configured issuer.
func (s *Signer) Issuer() string {
	return s.issuer
}

// NewClaims returns claims issued now for subject, expiring after ttl, with a
// fresh jti.
func (s *Signer) NewClaims(subject, audience, tokenUse string, ttl time.Duration) *Claims {
	if audience == "" {
		audience = s.audience
	}
	now := s.clock.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		TokenUse: tokenUse,
	}
}

// Sign signs claims exactly as given with the active key and sets the header
// kid to that key's id.
func (s *Signer) Sign(claims *Claims) (string, error) {
	key, err := s.keys.Active()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KID

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString, resolves its kid among the retained keys and
// validates signature, issuer, audience and expiry. An empty audience selects
// the configured default.
func (s *Signer) Verify(tokenString, audience string) (*Claims, error) {
	if audience == "" {
		audience = s.audience
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.clock.Now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, ErrMalformedToken), errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	case errors.Is(err, ErrUnknownKeyID):
		return nil, ErrUnknownKeyID
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

func (s *Signer) keyFunc(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformedToken)
	}

	key, err := s.keys.Get(kid)
	if err != nil {
		return nil, ErrUnknownKeyID
	}
	return key.Public(), nil
}
