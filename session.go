package oauth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitmetrics/authserver/server"
)

// UserIdentity is the authenticated resource owner of an authorization request.
type UserIdentity struct {
	UserID   string
	TenantID string
}

// UserAuthenticator resolves the resource owner behind a browser request.
// It returns nil and no error when the request carries no valid login; an
// error means the lookup itself failed.
type UserAuthenticator interface {
	AuthenticateUser(r *http.Request) (*UserIdentity, error)
}

// UserAuthenticatorFunc adapts a function to UserAuthenticator.
type UserAuthenticatorFunc func(r *http.Request) (*UserIdentity, error)

// AuthenticateUser calls f(r).
func (f UserAuthenticatorFunc) AuthenticateUser(r *http.Request) (*UserIdentity, error) {
	return f(r)
}

// SessionAuthenticator authenticates users by a session JWT issued with
// server.IssueSessionToken, read from a cookie or a bearer header.
type SessionAuthenticator struct {
	server     *server.Server
	cookieName string
	logger     *slog.Logger
}

// NewSessionAuthenticator creates a SessionAuthenticator reading cookieName
// (DefaultSessionCookieName when empty).
func NewSessionAuthenticator(srv *server.Server, cookieName string) *SessionAuthenticator {
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	return &SessionAuthenticator{
		server:     srv,
		cookieName: cookieName,
		logger:     srv.Logger,
	}
}

// AuthenticateUser implements UserAuthenticator.
func (a *SessionAuthenticator) AuthenticateUser(r *http.Request) (*UserIdentity, error) {
	token := ""
	if cookie, err := r.Cookie(a.cookieName); err == nil {
		token = cookie.Value
	} else if bearer, ok := bearerToken(r); ok {
		token = bearer
	}
	if token == "" {
		return nil, nil
	}

	claims, err := a.server.ValidateSessionToken(token)
	if err != nil {
		a.logger.Debug("Ignoring invalid session token", "error", err)
		return nil, nil
	}

	return &UserIdentity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// SessionCookie returns the cookie a login page sets after issuing token.
func (a *SessionAuthenticator) SessionCookie(token string, ttl time.Duration) *http.Cookie {
	secure := true
	if u, err := url.Parse(a.server.Config.Issuer); err == nil && u.Scheme == "http" {
		secure = false
	}
	return &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
