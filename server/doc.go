// Package server implements the OAuth 2.0 authorization server protocol logic.
//
// It covers client registration (RFC 7591), the authorization endpoint with
// mandatory S256 PKCE, the authorization_code and refresh_token grants,
// revocation (RFC 7009) and introspection (RFC 7662). It is transport-agnostic;
// the root package maps requests and errors onto HTTP.
//
// The Server type delegates to specialized modules:
//   - Client, state, code and refresh token persistence (storage package)
//   - Access token signing and verification (signing package)
//   - Audit logging and clocks (security package)
//
// Key Features:
//   - Single-use authorization codes bound to client, redirect_uri and PKCE challenge
//   - Refresh token rotation with lineage revocation on reuse
//   - A pre-consent leg that parks the request in the state store while the
//     resource owner logs in elsewhere
//   - Typed protocol errors; every rejected grant yields the same invalid_grant
//
// Example usage:
//
//	store := memory.New()
//	manager, _ := keys.NewManager(keys.Config{Store: store})
//	_ = manager.EnsureActiveKey(ctx)
//	signer, _ := signing.NewSigner(manager, signing.Config{Issuer: "https://auth.example.com"})
//
//	srv, err := server.New(store, signer, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
