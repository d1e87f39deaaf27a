package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/fitmetrics/authserver/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = storage.ClientTypeConfidential

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = storage.ClientTypePublic
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// SupportedTokenEndpointAuthMethods lists the authentication methods advertised in metadata
var SupportedTokenEndpointAuthMethods = []string{
	TokenEndpointAuthMethodBasic,
	TokenEndpointAuthMethodPost,
	TokenEndpointAuthMethodNone,
}

// ClientRegistration is the client metadata accepted at registration (RFC 7591).
type ClientRegistration struct {
	RedirectURIs            []string
	ClientName              string
	ClientURI               string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
}

// ClientUpdate carries the mutable client fields. Nil fields are left unchanged.
type ClientUpdate struct {
	RedirectURIs []string
	ClientName   *string
	ClientURI    *string
	Scope        *string
}

// RegisterClient validates the metadata and registers a new client.
// The plaintext secret is returned once and is empty for public clients:
//   - "none": public client, authenticated by PKCE alone
//   - "client_secret_basic": confidential client (default)
//   - "client_secret_post": confidential client sending the secret in the form body
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.RegisterClient")
	defer span.End()

	if err := s.validateRegistration(&reg); err != nil {
		reason := err.Error()
		if oe := AsError(err); oe != nil {
			reason = oe.Code.String()
		}
		s.Auditor.LogClientRegistrationRejected(ctx, clientIP, reason)
		return nil, "", err
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(reg.TokenEndpointAuthMethod)

	clientSecret, secretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", InternalError(err)
	}

	now := s.clock.Now()
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            reg.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              reg.GrantTypes,
		ResponseTypes:           reg.ResponseTypes,
		ClientName:              reg.ClientName,
		ClientURI:               reg.ClientURI,
		Scopes:                  strings.Fields(reg.Scope),
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", InternalError(fmt.Errorf("failed to save client: %w", err))
	}

	s.Auditor.LogClientRegistered(ctx, client.ClientID, client.ClientType, clientIP)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.ClientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// validateRegistration checks registration metadata and fills in defaults.
func (s *Server) validateRegistration(reg *ClientRegistration) error {
	if len(reg.RedirectURIs) == 0 {
		return ValidationError(CodeInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			return ValidationError(CodeInvalidRedirectURI, err.Error())
		}
	}

	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = slices.Clone(SupportedGrantTypes)
	}
	for _, gt := range reg.GrantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return ValidationError(CodeInvalidClientMetadata, fmt.Sprintf("unsupported grant_type: %s", gt))
		}
	}

	if len(reg.ResponseTypes) == 0 {
		reg.ResponseTypes = slices.Clone(SupportedResponseTypes)
	}
	for _, rt := range reg.ResponseTypes {
		if !slices.Contains(SupportedResponseTypes, rt) {
			return ValidationError(CodeInvalidClientMetadata, fmt.Sprintf("unsupported response_type: %s", rt))
		}
	}

	if err := s.validateScopes(reg.Scope); err != nil {
		return ValidationError(CodeInvalidClientMetadata, err.Error())
	}

	switch reg.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return ValidationError(CodeInvalidClientMetadata,
			fmt.Sprintf("unsupported token_endpoint_auth_method: %s", reg.TokenEndpointAuthMethod))
	}

	return nil
}

// resolveClientTypeAndAuthMethod derives the client type from the requested
// authentication method. Clients are confidential unless they ask for "none".
func resolveClientTypeAndAuthMethod(tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		return ClientTypePublic, TokenEndpointAuthMethodNone
	}
	if tokenEndpointAuthMethod == "" {
		tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
	}
	return ClientTypeConfidential, tokenEndpointAuthMethod
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := storage.HashClientSecret(clientSecret)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, hash, nil
}

// UpdateClient applies an explicit update to a registered client.
func (s *Server) UpdateClient(ctx context.Context, clientID string, update ClientUpdate) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ValidationError(CodeInvalidClient, "unknown client")
		}
		return nil, InternalError(err)
	}

	var changed []string
	if update.RedirectURIs != nil {
		if len(update.RedirectURIs) == 0 {
			return nil, ValidationError(CodeInvalidRedirectURI, "at least one redirect_uri is required")
		}
		for _, uri := range update.RedirectURIs {
			if err := s.validateRedirectURIForRegistration(uri); err != nil {
				return nil, ValidationError(CodeInvalidRedirectURI, err.Error())
			}
		}
		client.RedirectURIs = update.RedirectURIs
		changed = append(changed, "redirect_uris")
	}
	if update.ClientName != nil {
		client.ClientName = *update.ClientName
		changed = append(changed, "client_name")
	}
	if update.ClientURI != nil {
		client.ClientURI = *update.ClientURI
		changed = append(changed, "client_uri")
	}
	if update.Scope != nil {
		if err := s.validateScopes(*update.Scope); err != nil {
			return nil, ValidationError(CodeInvalidClientMetadata, err.Error())
		}
		client.Scopes = strings.Fields(*update.Scope)
		changed = append(changed, "scope")
	}
	client.UpdatedAt = s.clock.Now()

	if err := s.clients.UpdateClient(ctx, client); err != nil {
		return nil, InternalError(fmt.Errorf("failed to update client: %w", err))
	}

	s.Auditor.LogClientUpdated(ctx, client.ClientID, changed)
	s.Logger.Info("Updated OAuth client",
		"client_id", client.ClientID,
		"fields", changed)
	return client, nil
}

// AuthenticateClient authenticates a client at the token, revocation and
// introspection endpoints. Confidential clients must present their secret;
// public clients are identified by client_id alone.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, AuthenticationError(errors.New("missing client_id"))
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, InternalError(err)
	}

	if client == nil || client.IsConfidential() {
		// runs bcrypt for unknown clients too
		if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil || client == nil {
			s.Auditor.LogAuthFailure(ctx, clientID, clientIP, "invalid client credentials")
			return nil, AuthenticationError(storage.ErrInvalidSecret)
		}
	}

	return client, nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ListClients returns every registered client
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clients.ListClients(ctx)
}
