package oauth

import (
	"time"

	"github.com/fitmetrics/authserver/security"
)

// Handler defaults
const (
	DefaultSessionCookieName   = "authserver_session"
	DefaultMaxRequestBodyBytes = 64 << 10
	DefaultJWKSMaxAge          = 5 * time.Minute
	DefaultMetadataMaxAge      = time.Hour
)

// Config holds the HTTP layer settings. Protocol settings live in server.Config.
type Config struct {
	// RateLimit is applied per client IP to the registration, token,
	// revocation and introspection endpoints and to ValidateToken.
	// A zero RequestsPerSecond disables rate limiting.
	RateLimit security.RateLimitConfig

	// SessionCookieName is the cookie read by SessionAuthenticator.
	// Default: "authserver_session"
	SessionCookieName string

	// MaxRequestBodyBytes bounds form and JSON request bodies. Default: 64 KiB
	MaxRequestBodyBytes int64

	// JWKSMaxAge is the Cache-Control max-age of the JWKS document. Default: 5 minutes
	JWKSMaxAge time.Duration

	// MetadataMaxAge is the Cache-Control max-age of the server metadata. Default: 1 hour
	MetadataMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionCookieName == "" {
		c.SessionCookieName = DefaultSessionCookieName
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.JWKSMaxAge <= 0 {
		c.JWKSMaxAge = DefaultJWKSMaxAge
	}
	if c.MetadataMaxAge <= 0 {
		c.MetadataMaxAge = DefaultMetadataMaxAge
	}
	return c
}
