package storage

import (
	"crypto/subtle"
	"time"
)

// CheckCodeRedemption applies the post-lookup checks of a code redemption to
// an unused stored code, in order: expiry, client, redirect URI, PKCE.
// Backends that cannot express these checks natively call it inside their
// critical section.
func CheckCodeRedemption(code *AuthorizationCode, r CodeRedemption) error {
	if !code.ExpiresAt.IsZero() && !code.ExpiresAt.After(r.Now) {
		return ErrAuthorizationCodeExpired
	}
	if code.ClientID != r.ClientID {
		return ErrClientMismatch
	}
	if code.RedirectURI != r.RedirectURI {
		return ErrRedirectURIMismatch
	}
	if subtle.ConstantTimeCompare([]byte(code.CodeChallenge), []byte(r.CodeChallenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// CheckRefreshRotation applies the post-lookup checks of a refresh token
// rotation, in order: revoked, expiry, client.
func CheckRefreshRotation(token *RefreshToken, clientID string, now time.Time) error {
	if token.Revoked {
		return ErrRefreshTokenRevoked
	}
	if token.IsExpired(now) {
		return ErrRefreshTokenExpired
	}
	if token.ClientID != clientID {
		return ErrClientMismatch
	}
	return nil
}
