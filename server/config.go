package server

import (
	"log/slog"
	"time"

	"github.com/fitmetrics/authserver/security"
)

// Authorization code TTL bounds (seconds)
const (
	MinAuthorizationCodeTTL = 300
	MaxAuthorizationCodeTTL = 600
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// Audience is the aud claim of issued access tokens.
	// Default: Issuer
	Audience string

	// StateTTL is how long a parked authorization request waits for the login callback
	StateTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Values outside [300, 600] are clamped.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClockSkewGracePeriod is the leeway applied when verifying access token times
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes clients may register and request.
	// If empty, all scopes are allowed
	SupportedScopes []string

	// LoginURL is where unauthenticated resource owners are sent during authorization.
	// The request is parked in the state store and resumed at the authorize callback.
	// When empty, unauthenticated authorization requests are denied.
	LoginURL string

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration
	// WARNING: This can lead to DoS attacks via unlimited client registration
	// Default: false
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is the bearer token required for client registration
	// Only checked if AllowPublicClientRegistration is false
	RegistrationAccessToken string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native app redirect URIs (e.g., com.example.app://)
	// Default: ["^[a-z][a-z0-9+.-]*$"] (RFC 3986 compliant schemes)
	AllowedCustomSchemes []string

	// AllowInsecureHTTP allows an http issuer and http redirect URIs on non-loopback hosts
	// WARNING: Only for development behind a private network
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int // default: 1

	// DisableFamilyRevocationOnReuse keeps the rest of a refresh token lineage
	// alive when a revoked token is presented again. The replay is still rejected.
	DisableFamilyRevocationOnReuse bool // default: false

	// DisableCodeReuseRevocation keeps tokens minted from an authorization code
	// alive when the code is presented a second time. The replay is still rejected.
	DisableCodeReuseRevocation bool // default: false

	// RevokeSingleToken makes the revocation endpoint revoke only the presented
	// refresh token instead of its whole lineage.
	RevokeSingleToken bool // default: false

	// Clock is the time source for every expiry decision. Default: system clock.
	Clock security.Clock
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.Audience == "" {
		config.Audience = config.Issuer
	}
	if config.StateTTL == 0 {
		config.StateTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL < MinAuthorizationCodeTTL || config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		clamped := min(max(config.AuthorizationCodeTTL, MinAuthorizationCodeTTL), MaxAuthorizationCodeTTL)
		logger.Warn("AuthorizationCodeTTL out of range, clamping",
			"configured", config.AuthorizationCodeTTL,
			"effective", clamped)
		config.AuthorizationCodeTTL = clamped
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = int64(security.DefaultClockSkewGracePeriod / time.Second)
	}
	config.Clock = security.ClockOrDefault(config.Clock)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("⚠️  SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Dynamic client registration will reject every request",
			"recommendation", "Set RegistrationAccessToken or register clients with the CLI")
	}
	if config.DisableFamilyRevocationOnReuse {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token family revocation is DISABLED",
			"risk", "A stolen refresh token lineage stays usable after replay is detected",
			"recommendation", "Set DisableFamilyRevocationOnReuse=false")
	}
	if config.DisableCodeReuseRevocation {
		logger.Warn("⚠️  SECURITY WARNING: Authorization code reuse revocation is DISABLED",
			"risk", "Tokens minted from an intercepted code stay valid after replay",
			"recommendation", "Set DisableCodeReuseRevocation=false")
	}
}

func (c *Config) stateTTL() time.Duration {
	return time.Duration(c.StateTTL) * time.Second
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// ClockSkew returns ClockSkewGracePeriod as a duration.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
