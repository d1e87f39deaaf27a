package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/fitmetrics/authserver/internal/testutil"
	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/server"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage"
	"github.com/fitmetrics/authserver/storage/memory"
	"github.com/fitmetrics/authserver/storage/mock"
)

const (
	testIssuer            = "https://auth.example.com"
	testRedirectURI       = testutil.TestRedirectURI
	testRegistrationToken = "registration-token"
)

type testOptions struct {
	configure   func(*server.Config)
	users       UserAuthenticator
	config      Config
	skipKeyInit bool
	// countCalls routes the server through a mock store that records calls
	countCalls bool
}

type testEnv struct {
	handler *Handler
	routes  http.Handler
	srv     *server.Server
	keys    *keys.Manager
	clock   *testutil.MockTime
	calls   *mock.Store
}

// staticUser authenticates every request as the test user.
var staticUser = UserAuthenticatorFunc(func(*http.Request) (*UserIdentity, error) {
	return &UserIdentity{UserID: testutil.TestUserID, TenantID: testutil.TestTenantID}, nil
})

func setupTestHandler(t *testing.T, opts testOptions) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(testutil.Epoch)

	store := memory.New()
	store.SetClock(clock)
	t.Cleanup(store.Stop)

	mgr, err := keys.NewManager(keys.Config{
		KeySize: keys.MinKeySize,
		Store:   store,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if !opts.skipKeyInit {
		if err := mgr.EnsureActiveKey(context.Background()); err != nil {
			t.Fatalf("EnsureActiveKey() error = %v", err)
		}
	}

	signer, err := signing.NewSigner(mgr, signing.Config{
		Issuer: testIssuer,
		Leeway: 5 * time.Second,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	config := &server.Config{
		Issuer:                  testIssuer,
		SupportedScopes:         []string{"read", "write", "profile"},
		RegistrationAccessToken: testRegistrationToken,
		Clock:                   clock,
	}
	if opts.configure != nil {
		opts.configure(config)
	}

	var backend storage.Store = store
	var calls *mock.Store
	if opts.countCalls {
		calls = mock.New(store)
		backend = calls
	}

	srv, err := server.New(backend, signer, config, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	h := NewHandler(srv, mgr, opts.users, opts.config, nil)
	t.Cleanup(h.Close)

	return &testEnv{handler: h, routes: h.Routes(), srv: srv, keys: mgr, clock: clock, calls: calls}
}

func (e *testEnv) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, r)
	return rec
}

func postForm(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body error = %v", err)
	}
	return v
}

func requireOAuthError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Error != code {
		t.Fatalf("error = %q, want %q (%s)", resp.Error, code, resp.ErrorDescription)
	}
	return resp
}

// registerClient registers a confidential client over HTTP.
func (e *testEnv) registerClient(t *testing.T) ClientRegistrationResponse {
	t.Helper()

	body := `{"redirect_uris":["` + testRedirectURI + `"],"client_name":"Sync Agent","scope":"read write"}`
	r := httptest.NewRequest(http.MethodPost, RegisterPath, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+testRegistrationToken)

	rec := e.do(r)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	return decodeBody[ClientRegistrationResponse](t, rec)
}

func authorizeQuery(clientID, challenge, state string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {server.PKCEMethodS256},
	}
}

// authorize runs the authorization endpoint for an authenticated user and
// returns the issued code and its PKCE verifier.
func (e *testEnv) authorize(t *testing.T, clientID string) (string, string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	r := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+authorizeQuery(clientID, challenge, "xyz").Encode(), nil)

	rec := e.do(r)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location error = %v", err)
	}
	if got := location.Query().Get("state"); got != "xyz" {
		t.Errorf("redirect state = %q, want xyz", got)
	}
	return location.Query().Get("code"), verifier
}

func (e *testEnv) exchange(client ClientRegistrationResponse, code, verifier string) *httptest.ResponseRecorder {
	r := postForm(TokenPath, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	r.SetBasicAuth(client.ClientID, client.ClientSecret)
	return e.do(r)
}

func (e *testEnv) refresh(client ClientRegistrationResponse, refreshToken string) *httptest.ResponseRecorder {
	r := postForm(TokenPath, url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {refreshToken},
	})
	r.SetBasicAuth(client.ClientID, client.ClientSecret)
	return e.do(r)
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)

	code, verifier := env.authorize(t, client.ClientID)
	if code == "" {
		t.Fatal("redirect carries no code")
	}

	rec := env.exchange(client, code, verifier)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	tok := decodeBody[TokenResponse](t, rec)
	if tok.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tok.TokenType)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", tok.ExpiresIn)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatal("token response is missing tokens")
	}
	if tok.Scope != "read" {
		t.Errorf("scope = %q, want read", tok.Scope)
	}

	// the code is single use
	replay := env.exchange(client, code, verifier)
	requireOAuthError(t, replay, http.StatusBadRequest, "invalid_grant")

	rotated := env.refresh(client, tok.RefreshToken)
	if rotated.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200 (body %s)", rotated.Code, rotated.Body.String())
	}
	next := decodeBody[TokenResponse](t, rotated)
	if next.RefreshToken == tok.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	requireOAuthError(t, env.refresh(client, tok.RefreshToken), http.StatusBadRequest, "invalid_grant")
}

func TestHandler_Authorize_InvalidRequest(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)

	query := authorizeQuery(client.ClientID, "", "xyz")
	rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+query.Encode(), nil))

	resp := requireOAuthError(t, rec, http.StatusBadRequest, "invalid_request")
	if resp.ErrorDescription != "code_challenge is required" {
		t.Errorf("error_description = %q", resp.ErrorDescription)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("invalid request was redirected")
	}
}

func TestHandler_Authorize_UnknownClient(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})

	challenge, _ := testutil.GeneratePKCEPair()
	query := authorizeQuery("unknown", challenge, "xyz")
	rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+query.Encode(), nil))

	requireOAuthError(t, rec, http.StatusBadRequest, "invalid_client")
}

func TestHandler_Authorize_DeniedWithoutLogin(t *testing.T) {
	env := setupTestHandler(t, testOptions{})
	client := env.registerClient(t)

	challenge, _ := testutil.GeneratePKCEPair()
	query := authorizeQuery(client.ClientID, challenge, "xyz")
	rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+query.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location error = %v", err)
	}
	if got := location.Query().Get("error"); got != "access_denied" {
		t.Errorf("error = %q, want access_denied", got)
	}
	if got := location.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}
	if location.Query().Get("code") != "" {
		t.Error("denied request carries a code")
	}
}

func TestHandler_Authorize_LooksUpClientOnce(t *testing.T) {
	tests := []struct {
		name   string
		users  UserAuthenticator
		config func(*server.Config)
	}{
		{name: "authenticated", users: staticUser},
		{name: "deferred to login", config: func(c *server.Config) { c.LoginURL = testIssuer + "/login" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, testOptions{users: tt.users, configure: tt.config, countCalls: true})
			client := env.registerClient(t)
			before := env.calls.CallCount("GetClient")

			challenge, _ := testutil.GeneratePKCEPair()
			query := authorizeQuery(client.ClientID, challenge, "once")
			rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+query.Encode(), nil))
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
			}

			if got := env.calls.CallCount("GetClient") - before; got != 1 {
				t.Errorf("GetClient calls = %d, want 1", got)
			}
		})
	}
}

func TestHandler_Authorize_DeferredLogin(t *testing.T) {
	const loginURL = testIssuer + "/login"

	var sessions *SessionAuthenticator
	env := setupTestHandler(t, testOptions{
		configure: func(c *server.Config) { c.LoginURL = loginURL },
		users: UserAuthenticatorFunc(func(r *http.Request) (*UserIdentity, error) {
			return sessions.AuthenticateUser(r)
		}),
	})
	sessions = NewSessionAuthenticator(env.srv, "")
	client := env.registerClient(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	query := authorizeQuery(client.ClientID, challenge, "parked-state")
	rec := env.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+query.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", rec.Code)
	}
	login, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location error = %v", err)
	}
	if !strings.HasPrefix(login.String(), loginURL) {
		t.Fatalf("Location = %q, want login page", login)
	}
	if login.Query().Get("state") != "parked-state" || login.Query().Get("client_id") != client.ClientID {
		t.Errorf("login query = %v", login.Query())
	}

	callback := AuthorizeCallbackPath + "?" + url.Values{"state": {"parked-state"}, "client_id": {client.ClientID}}.Encode()

	// not logged in yet: the parked request survives
	requireOAuthError(t, env.do(httptest.NewRequest(http.MethodGet, callback, nil)), http.StatusForbidden, "access_denied")

	session, err := env.srv.IssueSessionToken(testutil.TestUserID, testutil.TestTenantID, time.Hour)
	if err != nil {
		t.Fatalf("IssueSessionToken() error = %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, callback, nil)
	r.AddCookie(sessions.SessionCookie(session, time.Hour))

	rec = env.do(r)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location error = %v", err)
	}
	code := location.Query().Get("code")
	if code == "" || location.Query().Get("state") != "parked-state" {
		t.Fatalf("callback redirect = %s", location)
	}

	if tokenRec := env.exchange(client, code, verifier); tokenRec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", tokenRec.Code, tokenRec.Body.String())
	}

	replay := httptest.NewRequest(http.MethodGet, callback, nil)
	replay.AddCookie(sessions.SessionCookie(session, time.Hour))
	requireOAuthError(t, env.do(replay), http.StatusBadRequest, "invalid_request")
}

func TestHandler_Token_Errors(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)
	code, _ := env.authorize(t, client.ClientID)

	tests := []struct {
		name       string
		form       url.Values
		basicID    string
		basicPass  string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing grant_type",
			form:       url.Values{"code": {code}},
			basicID:    client.ClientID,
			basicPass:  client.ClientSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "unsupported grant_type",
			form:       url.Values{"grant_type": {"client_credentials"}},
			basicID:    client.ClientID,
			basicPass:  client.ClientSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   "unsupported_grant_type",
		},
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code}},
			basicID:    client.ClientID,
			basicPass:  "wrong",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_client",
		},
		{
			name:       "client_id differs from basic credentials",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {"someone-else"}},
			basicID:    client.ClientID,
			basicPass:  client.ClientSecret,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_client",
		},
		{
			name: "wrong verifier",
			form: url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {code},
				"redirect_uri":  {testRedirectURI},
				"code_verifier": {"not-the-verifier"},
			},
			basicID:    client.ClientID,
			basicPass:  client.ClientSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := postForm(TokenPath, tt.form)
			r.SetBasicAuth(tt.basicID, tt.basicPass)

			rec := env.do(r)
			resp := requireOAuthError(t, rec, tt.wantStatus, tt.wantCode)

			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
					t.Errorf("WWW-Authenticate = %q, want Basic challenge", got)
				}
			}
			if tt.wantCode == "invalid_grant" && resp.ErrorDescription != "invalid, expired, or revoked grant" {
				t.Errorf("error_description = %q, want the generic grant description", resp.ErrorDescription)
			}
		})
	}
}

func TestHandler_Token_ClientSecretPost(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)
	code, verifier := env.authorize(t, client.ClientID)

	rec := env.do(postForm(TokenPath, url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {client.ClientID},
		"client_secret": {client.ClientSecret},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestHandler_Token_KeyFailureIsOpaque(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser, skipKeyInit: true})
	client := env.registerClient(t)
	code, verifier := env.authorize(t, client.ClientID)

	resp := requireOAuthError(t, env.exchange(client, code, verifier), http.StatusInternalServerError, "server_error")
	if strings.Contains(resp.ErrorDescription, "key") {
		t.Errorf("error_description leaks detail: %q", resp.ErrorDescription)
	}
}

func TestHandler_ClientRegistration(t *testing.T) {
	tests := []struct {
		name       string
		public     bool
		auth       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing registration token",
			body:       `{"redirect_uris":["https://ex.com/cb"]}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_token",
		},
		{
			name:       "wrong registration token",
			auth:       "Bearer nope",
			body:       `{"redirect_uris":["https://ex.com/cb"]}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_token",
		},
		{
			name:       "malformed body",
			auth:       "Bearer " + testRegistrationToken,
			body:       `{"redirect_uris":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "insecure redirect",
			auth:       "Bearer " + testRegistrationToken,
			body:       `{"redirect_uris":["http://ex.com/cb"]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_redirect_uri",
		},
		{
			name:       "implicit grant",
			auth:       "Bearer " + testRegistrationToken,
			body:       `{"redirect_uris":["https://ex.com/cb"],"response_types":["token"]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_client_metadata",
		},
		{
			name:       "valid with token",
			auth:       "Bearer " + testRegistrationToken,
			body:       `{"redirect_uris":["https://ex.com/cb"]}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "public registration",
			public:     true,
			body:       `{"redirect_uris":["http://127.0.0.1:9000/cb"],"token_endpoint_auth_method":"none"}`,
			wantStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, testOptions{
				configure: func(c *server.Config) { c.AllowPublicClientRegistration = tt.public },
			})

			r := httptest.NewRequest(http.MethodPost, RegisterPath, strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}

			rec := env.do(r)
			if tt.wantCode != "" {
				requireOAuthError(t, rec, tt.wantStatus, tt.wantCode)
				return
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}

			resp := decodeBody[ClientRegistrationResponse](t, rec)
			if resp.ClientID == "" {
				t.Error("client_id is empty")
			}
			if tt.public {
				if resp.ClientSecret != "" || resp.ClientSecretExpiresAt != nil {
					t.Errorf("public client got secret fields: %+v", resp)
				}
				return
			}
			if resp.ClientSecret == "" {
				t.Error("confidential client got no secret")
			}
			if resp.ClientSecretExpiresAt == nil || *resp.ClientSecretExpiresAt != 0 {
				t.Errorf("client_secret_expires_at = %v, want 0", resp.ClientSecretExpiresAt)
			}
			if resp.ClientIDIssuedAt != testutil.Epoch.Unix() {
				t.Errorf("client_id_issued_at = %d, want %d", resp.ClientIDIssuedAt, testutil.Epoch.Unix())
			}
		})
	}
}

func TestHandler_Revocation(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)
	code, verifier := env.authorize(t, client.ClientID)
	tok := decodeBody[TokenResponse](t, env.exchange(client, code, verifier))

	revoke := func(token string) *httptest.ResponseRecorder {
		form := url.Values{}
		if token != "" {
			form.Set("token", token)
		}
		r := postForm(RevokePath, form)
		r.SetBasicAuth(client.ClientID, client.ClientSecret)
		return env.do(r)
	}

	if rec := revoke(tok.RefreshToken); rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	requireOAuthError(t, env.refresh(client, tok.RefreshToken), http.StatusBadRequest, "invalid_grant")

	if rec := revoke("unknown-token"); rec.Code != http.StatusOK {
		t.Errorf("revoke(unknown) status = %d, want 200", rec.Code)
	}
	requireOAuthError(t, revoke(""), http.StatusBadRequest, "invalid_request")
}

func TestHandler_Introspection(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)
	code, verifier := env.authorize(t, client.ClientID)
	tok := decodeBody[TokenResponse](t, env.exchange(client, code, verifier))

	introspect := func(token string) server.Introspection {
		r := postForm(IntrospectPath, url.Values{"token": {token}})
		r.SetBasicAuth(client.ClientID, client.ClientSecret)
		rec := env.do(r)
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
		}
		return decodeBody[server.Introspection](t, rec)
	}

	access := introspect(tok.AccessToken)
	if !access.Active || access.Subject != testutil.TestUserID || access.ClientID != client.ClientID {
		t.Errorf("access introspection = %+v", access)
	}

	if refresh := introspect(tok.RefreshToken); !refresh.Active {
		t.Errorf("refresh introspection = %+v, want active", refresh)
	}

	if garbage := introspect("garbage"); garbage.Active || garbage.Subject != "" {
		t.Errorf("garbage introspection = %+v, want inactive", garbage)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupTestHandler(t, testOptions{
		config: Config{RateLimit: security.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}},
	})

	first := env.do(postForm(TokenPath, url.Values{}))
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("first request was rate limited")
	}

	rec := env.do(postForm(TokenPath, url.Values{}))
	requireOAuthError(t, rec, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestHandler_Metadata(t *testing.T) {
	env := setupTestHandler(t, testOptions{})

	rec := env.do(httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}

	meta := decodeBody[AuthorizationServerMetadata](t, rec)
	if meta.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", meta.Issuer, testIssuer)
	}
	if meta.TokenEndpoint != testIssuer+TokenPath || meta.JWKSURI != testIssuer+JWKSPath {
		t.Errorf("endpoints = %s, %s", meta.TokenEndpoint, meta.JWKSURI)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
}

func TestHandler_JWKS(t *testing.T) {
	env := setupTestHandler(t, testOptions{})

	fetch := func() jose.JSONWebKeySet {
		rec := env.do(httptest.NewRequest(http.MethodGet, JWKSPath, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Cache-Control"); got != "public, max-age=300" {
			t.Errorf("Cache-Control = %q, want public, max-age=300", got)
		}
		return decodeBody[jose.JSONWebKeySet](t, rec)
	}

	set := fetch()
	if len(set.Keys) != 1 || set.Keys[0].KeyID != env.keys.ActiveKID() {
		t.Fatalf("JWKS keys = %+v, want the active key", set.Keys)
	}
	if !set.Keys[0].IsPublic() {
		t.Error("JWKS exposes a private key")
	}

	previous := env.keys.ActiveKID()
	if _, err := env.keys.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if got := fetch(); len(got.Key(previous)) != 1 || len(got.Keys) != 2 {
		t.Errorf("after rotation JWKS has %d keys, want the previous key retained", len(got.Keys))
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	env := setupTestHandler(t, testOptions{})

	rec := env.do(httptest.NewRequest(http.MethodGet, TokenPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET %s status = %d, want 405", TokenPath, rec.Code)
	}
}

func TestHandler_ValidateToken(t *testing.T) {
	env := setupTestHandler(t, testOptions{users: staticUser})
	client := env.registerClient(t)
	code, verifier := env.authorize(t, client.ClientID)
	tok := decodeBody[TokenResponse](t, env.exchange(client, code, verifier))

	var seen *signing.Claims
	protected := env.handler.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	session, err := env.srv.IssueSessionToken(testutil.TestUserID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueSessionToken() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + tok.AccessToken, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer garbage", wantStatus: http.StatusUnauthorized},
		{name: "session token", header: "Bearer " + session, wantStatus: http.StatusUnauthorized},
		{name: "refresh token", header: "Bearer " + tok.RefreshToken, wantStatus: http.StatusUnauthorized},
		{name: "access token", header: "Bearer " + tok.AccessToken, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/api/workouts", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, r)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
					t.Errorf("WWW-Authenticate = %q", got)
				}
				return
			}
			if seen == nil || seen.Subject != testutil.TestUserID || seen.ClientID != client.ClientID {
				t.Errorf("claims in context = %+v", seen)
			}
		})
	}
}

func TestHandler_RequireScope(t *testing.T) {
	env := setupTestHandler(t, testOptions{})
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := env.handler.RequireScope("write")(ok)

	tests := []struct {
		name       string
		claims     *signing.Claims
		wantStatus int
	}{
		{name: "no claims", wantStatus: http.StatusUnauthorized},
		{name: "missing scope", claims: &signing.Claims{Scope: "read"}, wantStatus: http.StatusForbidden},
		{name: "granted", claims: &signing.Claims{Scope: "read write"}, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/workouts", nil)
			if tt.claims != nil {
				r = r.WithContext(ContextWithClaims(r.Context(), tt.claims))
			}

			rec := httptest.NewRecorder()
			guarded.ServeHTTP(rec, r)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="insufficient_scope"`) {
					t.Errorf("WWW-Authenticate = %q", got)
				}
			}
		})
	}
}

func TestHandler_RequestID(t *testing.T) {
	env := setupTestHandler(t, testOptions{})

	r := httptest.NewRequest(http.MethodGet, MetadataPath, nil)
	r.Header.Set(security.RequestIDHeader, "upstream-id-1")
	if got := env.do(r).Header().Get(security.RequestIDHeader); got != "upstream-id-1" {
		t.Errorf("%s = %q, want upstream-id-1", security.RequestIDHeader, got)
	}
}
