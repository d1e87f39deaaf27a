package server

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/fitmetrics/authserver/internal/util"
)

// PKCE validation constants (RFC 7636)
const (
	MaxCodeVerifierLength = 128
	S256ChallengeLength   = 43
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Supported grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

var (
	// SupportedGrantTypes lists the grant types a client may register
	SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

	// SupportedResponseTypes lists the response types a client may register
	SupportedResponseTypes = []string{ResponseTypeCode}

	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateHTTPSEnforcement ensures the issuer uses HTTPS except on loopback
// hosts during development or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHost(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"recommendation", "Use HTTPS even in development for production-like testing",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme, hostname)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately")
	return nil
}

// validateRedirectURIForRegistration checks a redirect URI offered at registration:
// absolute, no fragment, https unless loopback or AllowInsecureHTTP, and custom
// schemes only when they match AllowedCustomSchemes.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must include a host")
		}
		return nil
	case SchemeHTTP:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must include a host")
		}
		if util.IsLoopbackHost(parsed.Hostname()) || s.Config.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("redirect_uri must use HTTPS (got %s://)", scheme)
	default:
		return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
	}
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}

// validateScopes validates that requested scopes are supported by the server
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, reqScope := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, reqScope) {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validateClientScopes validates that requested scopes are allowed for the client.
// A client registered without scopes may request any supported scope.
func validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	for _, reqScope := range strings.Fields(requestedScope) {
		if !slices.Contains(clientScopes, reqScope) {
			// don't reveal which scope was refused
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// isScopeSubset reports whether every scope in requested is present in granted.
func isScopeSubset(requested, granted string) bool {
	grantedScopes := strings.Fields(granted)
	for _, scope := range strings.Fields(requested) {
		if !slices.Contains(grantedScopes, scope) {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks the PKCE parameters of an authorization request.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("code_challenge_method must be %s", PKCEMethodS256)
	}
	if len(challenge) != S256ChallengeLength {
		return fmt.Errorf("code_challenge must be a base64url encoded SHA-256 digest")
	}
	for _, ch := range challenge {
		if !isBase64URLChar(ch) {
			return fmt.Errorf("code_challenge must be a base64url encoded SHA-256 digest")
		}
	}
	return nil
}

// validateCodeVerifier checks the code_verifier charset [A-Za-z0-9-._~] and
// maximum length (RFC 7636). The minimum length is not enforced.
func validateCodeVerifier(verifier string) error {
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		if !isBase64URLChar(ch) && ch != '.' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

func isBase64URLChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_'
}
