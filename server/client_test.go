package server

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/fitmetrics/authserver/storage"
)

func TestServer_RegisterClient(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)

	client, secret, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{testRedirectURI},
		ClientName:   "Fitness Dashboard",
		ClientURI:    "https://ex.com",
		Scope:        "read profile",
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("ClientID is empty")
	}
	if secret == "" {
		t.Error("confidential client got an empty secret")
	}
	if client.ClientType != ClientTypeConfidential {
		t.Errorf("ClientType = %q, want %q", client.ClientType, ClientTypeConfidential)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("TokenEndpointAuthMethod = %q, want %q", client.TokenEndpointAuthMethod, TokenEndpointAuthMethodBasic)
	}
	if !slices.Equal(client.GrantTypes, SupportedGrantTypes) {
		t.Errorf("GrantTypes = %v, want %v", client.GrantTypes, SupportedGrantTypes)
	}
	if !slices.Equal(client.ResponseTypes, []string{ResponseTypeCode}) {
		t.Errorf("ResponseTypes = %v, want [code]", client.ResponseTypes)
	}
	if !slices.Equal(client.Scopes, []string{"read", "profile"}) {
		t.Errorf("Scopes = %v, want [read profile]", client.Scopes)
	}
	if client.ClientSecretHash == "" || client.ClientSecretHash == secret {
		t.Error("secret is not stored as a hash")
	}

	stored, err := env.store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !stored.HasRedirectURI(testRedirectURI) {
		t.Errorf("stored RedirectURIs = %v, want %s", stored.RedirectURIs, testRedirectURI)
	}
}

func TestServer_RegisterPublicClient(t *testing.T) {
	env := setupTestServer(t, nil)

	client, secret, err := env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs:            []string{"http://127.0.0.1:8765/callback"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" {
		t.Errorf("public client secret = %q, want empty", secret)
	}
	if client.ClientType != ClientTypePublic {
		t.Errorf("ClientType = %q, want %q", client.ClientType, ClientTypePublic)
	}
}

func TestServer_RegisterClient_Validation(t *testing.T) {
	tests := []struct {
		name     string
		reg      ClientRegistration
		wantCode ErrorCode
	}{
		{
			name:     "no redirect uris",
			reg:      ClientRegistration{},
			wantCode: CodeInvalidRedirectURI,
		},
		{
			name:     "relative redirect uri",
			reg:      ClientRegistration{RedirectURIs: []string{"/callback"}},
			wantCode: CodeInvalidRedirectURI,
		},
		{
			name:     "fragment",
			reg:      ClientRegistration{RedirectURIs: []string{"https://ex.com/cb#frag"}},
			wantCode: CodeInvalidRedirectURI,
		},
		{
			name:     "http on public host",
			reg:      ClientRegistration{RedirectURIs: []string{"http://ex.com/cb"}},
			wantCode: CodeInvalidRedirectURI,
		},
		{
			name:     "javascript scheme",
			reg:      ClientRegistration{RedirectURIs: []string{"javascript:alert(1)"}},
			wantCode: CodeInvalidRedirectURI,
		},
		{
			name:     "unsupported grant type",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{"client_credentials"}},
			wantCode: CodeInvalidClientMetadata,
		},
		{
			name:     "implicit response type",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, ResponseTypes: []string{"token"}},
			wantCode: CodeInvalidClientMetadata,
		},
		{
			name:     "unsupported scope",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, Scope: "read admin"},
			wantCode: CodeInvalidClientMetadata,
		},
		{
			name:     "unknown auth method",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, TokenEndpointAuthMethod: "private_key_jwt"},
			wantCode: CodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, nil)

			_, _, err := env.srv.RegisterClient(context.Background(), tt.reg, testClientIP)
			var oe *Error
			if !errors.As(err, &oe) {
				t.Fatalf("RegisterClient() error = %v, want *Error", err)
			}
			if oe.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", oe.Code, tt.wantCode)
			}

			clients, err := env.store.ListClients(context.Background())
			if err != nil {
				t.Fatalf("ListClients() error = %v", err)
			}
			if len(clients) != 0 {
				t.Errorf("rejected registration stored %d clients", len(clients))
			}
		})
	}
}

func TestServer_RegisterClient_InsecureHTTPAllowed(t *testing.T) {
	env := setupTestServer(t, func(c *Config) { c.AllowInsecureHTTP = true })

	if _, _, err := env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs: []string{"http://ex.com/cb"},
	}, testClientIP); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
}

func TestServer_RegisterClient_CustomScheme(t *testing.T) {
	env := setupTestServer(t, func(c *Config) {
		c.AllowedCustomSchemes = []string{`^com\.fitmetrics\.app$`}
	})
	ctx := context.Background()

	if _, _, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{"com.fitmetrics.app:/oauth/callback"},
	}, testClientIP); err != nil {
		t.Fatalf("RegisterClient(allowed scheme) error = %v", err)
	}

	if _, _, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{"otherapp:/callback"},
	}, testClientIP); err == nil {
		t.Fatal("RegisterClient(unlisted scheme) error = nil, want error")
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)
	client, secret := env.registerClient(t)

	public, _, err := env.srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "confidential with secret", clientID: client.ClientID, secret: secret},
		{name: "confidential with wrong secret", clientID: client.ClientID, secret: "wrong", wantErr: true},
		{name: "confidential without secret", clientID: client.ClientID, wantErr: true},
		{name: "public without secret", clientID: public.ClientID},
		{name: "unknown client", clientID: "does-not-exist", secret: "anything", wantErr: true},
		{name: "missing client_id", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.srv.AuthenticateClient(ctx, tt.clientID, tt.secret, testClientIP)
			if tt.wantErr {
				var oe *Error
				if !errors.As(err, &oe) || oe.Kind != KindAuthentication {
					t.Fatalf("AuthenticateClient() error = %v, want authentication error", err)
				}
				if oe.Code != CodeInvalidClient {
					t.Errorf("Code = %v, want invalid_client", oe.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if got.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", got.ClientID, tt.clientID)
			}
		})
	}
}

func TestServer_UpdateClient(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t, nil)
	client, _ := env.registerClient(t)

	name := "Renamed"
	scope := "read"
	updated, err := env.srv.UpdateClient(ctx, client.ClientID, ClientUpdate{
		RedirectURIs: []string{"https://ex.com/new"},
		ClientName:   &name,
		Scope:        &scope,
	})
	if err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	if updated.ClientName != name {
		t.Errorf("ClientName = %q, want %q", updated.ClientName, name)
	}

	stored, err := env.store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.HasRedirectURI(testRedirectURI) || !stored.HasRedirectURI("https://ex.com/new") {
		t.Errorf("RedirectURIs = %v, want [https://ex.com/new]", stored.RedirectURIs)
	}
	if !slices.Equal(stored.Scopes, []string{"read"}) {
		t.Errorf("Scopes = %v, want [read]", stored.Scopes)
	}

	if _, err := env.srv.UpdateClient(ctx, client.ClientID, ClientUpdate{RedirectURIs: []string{"http://ex.com/cb"}}); err == nil {
		t.Error("UpdateClient(insecure redirect) error = nil, want error")
	}
	if _, err := env.srv.UpdateClient(ctx, "unknown", ClientUpdate{ClientName: &name}); err == nil {
		t.Error("UpdateClient(unknown client) error = nil, want error")
	}
	if _, err := env.srv.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrClientNotFound", err)
	}
}
