package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/server"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage"
)

// Endpoint paths served by Routes.
const (
	RegisterPath          = "/oauth2/register"
	AuthorizePath         = "/oauth2/authorize"
	AuthorizeCallbackPath = "/oauth2/authorize/callback"
	TokenPath             = "/oauth2/token"
	RevokePath            = "/oauth2/revoke"
	IntrospectPath        = "/oauth2/introspect"
	MetadataPath          = "/.well-known/oauth-authorization-server"
	JWKSPath              = "/.well-known/jwks.json"
)

var errClientIDMismatch = errors.New("client_id does not match the basic credentials")

// KeySet publishes the public signing keys. *keys.Manager implements it.
type KeySet interface {
	ExportJWKS() jose.JSONWebKeySet
}

// Handler serves the OAuth 2.0 endpoints over a server.Server.
type Handler struct {
	server      *server.Server
	keys        KeySet
	users       UserAuthenticator
	config      Config
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instrumentation.Metrics
	traceIPs    bool
}

// NewHandler creates a new OAuth handler. users may be nil, in which case
// every authorization request goes through LoginURL or is denied.
func NewHandler(srv *server.Server, keySet KeySet, users UserAuthenticator, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = srv.Logger
	}
	config = config.withDefaults()

	h := &Handler{
		server: srv,
		keys:   keySet,
		users:  users,
		config: config,
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
	}
	if config.RateLimit.RequestsPerSecond > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}
	return h
}

// SetInstrumentation enables per-endpoint spans and HTTP metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("oauth")
	h.metrics = inst.Metrics()
	h.traceIPs = inst.ShouldLogClientIPs()
}

// Close stops the rate limiter's cleanup goroutine.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a router serving every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, MetadataPath, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	if h.keys != nil {
		r.Method(http.MethodGet, JWKSPath, h.instrument("jwks", h.ServeJWKS))
	}
	r.Method(http.MethodPost, RegisterPath, h.instrument("register", h.ServeClientRegistration))
	r.Method(http.MethodGet, AuthorizePath, h.instrument("authorize", h.ServeAuthorization))
	r.Method(http.MethodGet, AuthorizeCallbackPath, h.instrument("authorize_callback", h.ServeAuthorizationCallback))
	r.Method(http.MethodPost, TokenPath, h.instrument("token", h.ServeToken))
	r.Method(http.MethodPost, RevokePath, h.instrument("revoke", h.ServeTokenRevocation))
	r.Method(http.MethodPost, IntrospectPath, h.instrument("introspect", h.ServeTokenIntrospection))

	return r
}

// instrument wraps an endpoint in a span and records its HTTP metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()
		if h.traceIPs {
			span.SetAttributes(attribute.String(instrumentation.AttrClientIP, h.clientIP(r)))
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		}
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(startTime).Microseconds())/1000)
		}
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Auditor.LogRateLimitExceeded(r.Context(), clientIP, endpoint)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	cfg := h.server.Config
	base := strings.TrimSuffix(cfg.Issuer, "/")

	metadata := AuthorizationServerMetadata{
		Issuer:                                    cfg.Issuer,
		AuthorizationEndpoint:                     base + AuthorizePath,
		TokenEndpoint:                             base + TokenPath,
		JWKSURI:                                   base + JWKSPath,
		RegistrationEndpoint:                      base + RegisterPath,
		ScopesSupported:                           cfg.SupportedScopes,
		ResponseTypesSupported:                    server.SupportedResponseTypes,
		GrantTypesSupported:                       server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported:         server.SupportedTokenEndpointAuthMethods,
		CodeChallengeMethodsSupported:             []string{server.PKCEMethodS256},
		RevocationEndpoint:                        base + RevokePath,
		RevocationEndpointAuthMethodsSupported:    server.SupportedTokenEndpointAuthMethods,
		IntrospectionEndpoint:                     base + IntrospectPath,
		IntrospectionEndpointAuthMethodsSupported: server.SupportedTokenEndpointAuthMethods,
	}

	security.SetPublicCacheHeaders(w, cfg.Issuer, h.config.MetadataMaxAge)
	writeJSON(w, http.StatusOK, metadata)
}

// ServeJWKS serves the public half of every retained signing key.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	security.SetPublicCacheHeaders(w, h.server.Config.Issuer, h.config.JWKSMaxAge)
	writeJSON(w, http.StatusOK, h.keys.ExportJWKS())
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := h.clientIP(r)

	if h.checkIPRateLimit(w, r, clientIP, "register") {
		return
	}

	if !h.server.Config.AllowPublicClientRegistration && !h.validateRegistrationToken(r.Header.Get("Authorization")) {
		h.logger.Warn("Client registration rejected: missing or invalid registration access token", "ip", clientIP)
		h.server.Auditor.LogAuthFailure(ctx, "", clientIP, "invalid_registration_token")
		h.writeError(w, ErrorCodeInvalidToken, "Registration requires a valid registration access token", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON request body", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeRegistrationResponse(w, client, secret)
}

// validateRegistrationToken compares a bearer token against the configured
// registration access token in constant time.
func (h *Handler) validateRegistrationToken(authHeader string) bool {
	expected := h.server.Config.RegistrationAccessToken
	if expected == "" {
		return false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) == 1
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		Scope:                   strings.Join(client.Scopes, " "),
	}
	if clientSecret != "" {
		var never int64
		resp.ClientSecretExpiresAt = &never
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization handles the authorization endpoint. An authenticated
// resource owner gets a code immediately; otherwise the request is parked
// and the browser sent to the login page, or denied when none is configured.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	req := &server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}

	client, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	identity, err := h.authenticateUser(r)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	if identity != nil {
		code, err := h.server.AuthorizeClient(ctx, client, req, identity.UserID, identity.TenantID)
		if err != nil {
			h.writeServerError(w, r, err)
			return
		}
		h.redirectWithCode(w, r, code, req.State)
		return
	}

	loginURL := h.server.Config.LoginURL
	if loginURL == "" {
		h.redirectWithError(w, r, req.RedirectURI, req.State, ErrorCodeAccessDenied, "resource owner is not authenticated")
		return
	}

	if _, err := h.server.DeferClientAuthorization(ctx, client, req); err != nil {
		h.writeServerError(w, r, err)
		return
	}

	target, err := appendQuery(loginURL, url.Values{"state": {req.State}, "client_id": {req.ClientID}})
	if err != nil {
		h.writeServerError(w, r, server.InternalError(err))
		return
	}

	h.logger.Debug("Authorization deferred to login", "client_id", req.ClientID)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeAuthorizationCallback resumes a parked authorization request once the
// resource owner has logged in.
func (h *Handler) ServeAuthorizationCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	clientID := query.Get("client_id")

	if state == "" || clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "state and client_id are required", http.StatusBadRequest)
		return
	}

	identity, err := h.authenticateUser(r)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if identity == nil {
		h.writeError(w, ErrorCodeAccessDenied, "resource owner is not authenticated", http.StatusForbidden)
		return
	}

	code, err := h.server.ResumeAuthorization(r.Context(), state, clientID, identity.UserID, identity.TenantID)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.redirectWithCode(w, r, code, state)
}

func (h *Handler) authenticateUser(r *http.Request) (*UserIdentity, error) {
	if h.users == nil {
		return nil, nil
	}
	identity, err := h.users.AuthenticateUser(r)
	if err != nil {
		return nil, server.InternalError(err)
	}
	if identity == nil || identity.UserID == "" {
		return nil, nil
	}
	return identity, nil
}

func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, code *storage.AuthorizationCode, state string) {
	target, err := server.AuthorizationRedirect(code.RedirectURI, code.Code, state)
	if err != nil {
		h.writeServerError(w, r, server.InternalError(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target, http.StatusFound)
}

// redirectWithError returns an error to a validated redirect URI (RFC 6749 Section 4.1.2.1).
func (h *Handler) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	params := url.Values{"error": {code}, "error_description": {description}}
	if state != "" {
		params.Set("state", state)
	}

	target, err := appendQuery(redirectURI, params)
	if err != nil {
		h.writeServerError(w, r, server.InternalError(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target, http.StatusFound)
}

func appendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := h.clientIP(r)

	if h.checkIPRateLimit(w, r, clientIP, "token") {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
	case "":
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
		return
	default:
		h.writeError(w, server.CodeUnsupportedGrantType.String(), "grant_type must be authorization_code or refresh_token", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	var (
		token *oauth2.Token
		scope string
	)
	if grantType == server.GrantTypeAuthorizationCode {
		token, scope, err = h.server.ExchangeAuthorizationCode(ctx, client,
			r.PostForm.Get("code"),
			r.PostForm.Get("redirect_uri"),
			r.PostForm.Get("code_verifier"),
			clientIP)
	} else {
		token, scope, err = h.server.RefreshAccessToken(ctx, client,
			r.PostForm.Get("refresh_token"),
			r.PostForm.Get("scope"),
			clientIP)
	}
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeTokenResponse(w, token, scope)
}

// ServeTokenRevocation handles token revocation (RFC 7009). Unknown tokens
// and tokens of other clients answer 200 like revoked ones.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	if h.checkIPRateLimit(w, r, clientIP, "revoke") {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeToken(r.Context(), client, token, clientIP); err != nil {
		h.writeServerError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles token introspection (RFC 7662).
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	if h.checkIPRateLimit(w, r, clientIP, "introspect") {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	result, err := h.server.Introspect(r.Context(), client, r.PostForm.Get("token"))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	writeJSON(w, http.StatusOK, result)
}

// parseForm parses a bounded form body. Returns false after writing an error.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid form body", http.StatusBadRequest)
		return false
	}
	return true
}

// authenticateClient reads client credentials from HTTP Basic auth or the
// form body (client_secret_post) and verifies them.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	clientID, clientSecret, ok := h.parseBasicAuth(r)
	if ok {
		if formID := r.PostForm.Get("client_id"); formID != "" && formID != clientID {
			h.server.Auditor.LogAuthFailure(r.Context(), clientID, clientIP, "client_id_mismatch")
			return nil, server.AuthenticationError(errClientIDMismatch)
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	return h.server.AuthenticateClient(r.Context(), clientID, clientSecret, clientIP)
}

// parseBasicAuth decodes Basic credentials, which RFC 6749 Section 2.3.1
// form-urlencodes before base64.
func (h *Handler) parseBasicAuth(r *http.Request) (username, password string, ok bool) {
	username, password, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decoded, err := url.QueryUnescape(username); err == nil {
		username = decoded
	}
	if decoded, err := url.QueryUnescape(password); err == nil {
		password = decoded
	}
	return username, password, true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
}

// ValidateToken is middleware that validates bearer access tokens and stores
// their claims in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP, "resource") {
			return
		}

		accessToken, ok := bearerToken(r)
		if !ok {
			h.writeError(w, ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeInvalidToken, "Token validation failed", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// RequireScope is middleware, mounted after ValidateToken, that rejects
// tokens missing any of scopes with 403 insufficient_scope (RFC 6750 Section 3.1).
func (h *Handler) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	required := strings.Join(scopes, " ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				h.writeError(w, ErrorCodeInvalidToken, "Missing access token", http.StatusUnauthorized)
				return
			}

			granted := strings.Fields(claims.Scope)
			for _, scope := range scopes {
				if !containsScope(granted, scope) {
					security.SetSecurityHeaders(w, h.server.Config.Issuer)
					w.Header().Set("WWW-Authenticate",
						`Bearer realm="`+h.server.Config.Issuer+`", error="insufficient_scope", scope="`+required+`"`)
					writeJSON(w, http.StatusForbidden, ErrorResponse{
						Error:            ErrorCodeInsufficientScope,
						ErrorDescription: "token requires scope: " + required,
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func containsScope(granted []string, scope string) bool {
	for _, g := range granted {
		if g == scope {
			return true
		}
	}
	return false
}

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the access token claims stored by ValidateToken.
func ClaimsFromContext(ctx context.Context) (*signing.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*signing.Claims)
	return claims, ok && claims != nil
}

// ContextWithClaims returns a context carrying claims.
//
// Only ValidateToken should call this in production; tests use it to fake an
// authenticated request.
func ContextWithClaims(ctx context.Context, claims *signing.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
