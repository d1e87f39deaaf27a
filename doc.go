// Package oauth serves an OAuth 2.0 authorization server over HTTP.
//
// The protocol logic lives in the server package; this package maps it onto
// the endpoints:
//
//	POST /oauth2/register                        dynamic client registration (RFC 7591)
//	GET  /oauth2/authorize                       authorization code + PKCE (S256 only)
//	GET  /oauth2/authorize/callback              resumes a request parked for login
//	POST /oauth2/token                           authorization_code and refresh_token grants
//	POST /oauth2/revoke                          refresh token revocation (RFC 7009)
//	POST /oauth2/introspect                      token introspection (RFC 7662)
//	GET  /.well-known/oauth-authorization-server server metadata (RFC 8414)
//	GET  /.well-known/jwks.json                  public signing keys
//
// Minimal wiring:
//
//	store := memory.New()
//	mgr, _ := keys.NewManager(keys.Config{Store: store})
//	_ = mgr.EnsureActiveKey(ctx)
//	signer, _ := signing.NewSigner(mgr, signing.Config{Issuer: issuer})
//	srv, _ := server.New(store, signer, &server.Config{Issuer: issuer, LoginURL: loginURL}, logger)
//
//	handler := oauth.NewHandler(srv, mgr, oauth.NewSessionAuthenticator(srv, ""), oauth.Config{}, logger)
//	defer handler.Close()
//	http.ListenAndServe(":8080", handler.Routes())
//
// Resource servers in the same process protect their routes with
// Handler.ValidateToken and read the caller's claims with ClaimsFromContext.
package oauth
