package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/fitmetrics/authserver/internal/util"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage"
)

// Revocation reasons recorded in audit logs and metrics
const (
	RevocationReasonClientRequest = "client_request"
	RevocationReasonCodeReuse     = "code_reuse"
	RevocationReasonTokenReuse    = "refresh_token_reuse"
)

// ExchangeAuthorizationCode redeems an authorization code for an access and
// refresh token pair. client must already be authenticated.
// Every rejected code yields the same invalid_grant error.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.client_id", client.ClientID))

	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, "", AuthorizationError(CodeUnauthorizedClient, "client is not allowed to use the authorization_code grant")
	}
	if code == "" {
		return nil, "", ValidationError(CodeInvalidRequest, "code is required")
	}

	challenge := ""
	if codeVerifier != "" {
		if err := validateCodeVerifier(codeVerifier); err != nil {
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeAuthorizationCode, "malformed_verifier")
			return nil, "", GrantError(err)
		}
		challenge = oauth2.S256ChallengeFromVerifier(codeVerifier)
	}

	// a code already spent when first read is a replay; one spent between the
	// read and the consume was lost to a concurrent redemption
	stored, err := s.codes.GetAuthorizationCode(ctx, code)
	if err != nil && !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		return nil, "", InternalError(fmt.Errorf("failed to load authorization code: %w", err))
	}
	if stored != nil && stored.Used {
		s.handleCodeReuse(ctx, client, stored, clientIP)
		return nil, "", GrantError(storage.ErrAuthorizationCodeUsed)
	}

	authCode, err := s.codes.ConsumeAuthorizationCode(ctx, storage.CodeRedemption{
		Code:          code,
		ClientID:      client.ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		Now:           s.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeAuthorizationCode, "concurrent_redemption")
			return nil, "", GrantError(err)
		}
		if reason, ok := codeRejectionReason(err); ok {
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeAuthorizationCode, reason)
			return nil, "", GrantError(err)
		}
		return nil, "", InternalError(fmt.Errorf("failed to consume authorization code: %w", err))
	}

	accessToken, expiry, err := s.mintAccessToken(authCode.UserID, authCode.TenantID, client.ClientID, authCode.Scope)
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	refreshToken := generateRandomToken()
	record := &storage.RefreshToken{
		TokenHash:  util.HashToken(refreshToken),
		ClientID:   client.ClientID,
		UserID:     authCode.UserID,
		TenantID:   authCode.TenantID,
		Scope:      authCode.Scope,
		FamilyID:   codeFamilyID(authCode.Code),
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.Config.refreshTokenTTL()),
	}
	if err := s.tokens.SaveRefreshToken(ctx, record); err != nil {
		return nil, "", InternalError(fmt.Errorf("failed to save refresh token: %w", err))
	}

	s.Auditor.LogTokenIssued(ctx, authCode.UserID, client.ClientID, clientIP, authCode.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID)
	}
	s.Logger.Info("Exchanged authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.TokenPrefix(code))

	return s.buildToken(accessToken, refreshToken, expiry), authCode.Scope, nil
}

// handleCodeReuse revokes the refresh token family minted from a code that was
// presented again by its owner.
func (s *Server) handleCodeReuse(ctx context.Context, client *storage.Client, authCode *storage.AuthorizationCode, clientIP string) {
	if s.metrics != nil {
		s.metrics.RecordCodeReuse(ctx, client.ClientID)
	}
	s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeAuthorizationCode, "code_reused")

	// only the owning client may trigger revocation; anyone else is just rejected
	if authCode.ClientID != client.ClientID || s.Config.DisableCodeReuseRevocation {
		s.Auditor.LogCodeReuse(ctx, authCode.UserID, client.ClientID, clientIP, 0)
		return
	}

	revoked, err := s.tokens.RevokeRefreshTokenFamily(ctx, codeFamilyID(authCode.Code), s.clock.Now())
	if err != nil {
		s.Logger.Error("Failed to revoke tokens minted from reused code",
			"client_id", client.ClientID,
			"error", err)
	}
	s.recordRevocation(ctx, client.ClientID, RevocationReasonCodeReuse, revoked)
	s.Auditor.LogCodeReuse(ctx, authCode.UserID, client.ClientID, clientIP, revoked)
	s.Auditor.LogTokenFamilyRevoked(ctx, authCode.UserID, client.ClientID, codeFamilyID(authCode.Code), RevocationReasonCodeReuse, revoked)
	s.Logger.Warn("Authorization code reuse detected",
		"client_id", client.ClientID,
		"revoked_tokens", revoked)
}

// RefreshAccessToken rotates a refresh token: the presented token is revoked
// and a new access and refresh token pair is issued. client must already be
// authenticated. A requested scope may narrow the original grant.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, scope, clientIP string) (*oauth2.Token, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.RefreshAccessToken")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.client_id", client.ClientID))

	if !client.HasGrantType(GrantTypeRefreshToken) {
		return nil, "", AuthorizationError(CodeUnauthorizedClient, "client is not allowed to use the refresh_token grant")
	}
	if refreshToken == "" {
		return nil, "", ValidationError(CodeInvalidRequest, "refresh_token is required")
	}

	now := s.clock.Now()
	tokenHash := util.HashToken(refreshToken)

	current, err := s.tokens.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, "not_found")
			return nil, "", GrantError(err)
		}
		return nil, "", InternalError(err)
	}

	// ownership first so a foreign client cannot revoke someone else's lineage
	if current.ClientID != client.ClientID {
		s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, "client_mismatch")
		return nil, "", GrantError(storage.ErrClientMismatch)
	}
	if current.Revoked {
		s.handleRefreshTokenReuse(ctx, client, current, clientIP)
		return nil, "", GrantError(storage.ErrRefreshTokenRevoked)
	}
	if current.IsExpired(now) {
		s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, "expired")
		return nil, "", GrantError(storage.ErrRefreshTokenExpired)
	}

	grantedScope := current.Scope
	if scope != "" {
		if !isScopeSubset(scope, current.Scope) {
			return nil, "", ValidationError(CodeInvalidScope, "requested scope exceeds the original grant")
		}
		grantedScope = scope
	}

	// sign before rotating so a key failure does not burn the refresh token
	accessToken, expiry, err := s.mintAccessToken(current.UserID, current.TenantID, client.ClientID, grantedScope)
	if err != nil {
		return nil, "", err
	}

	nextToken := generateRandomToken()
	next := &storage.RefreshToken{
		TokenHash:  util.HashToken(nextToken),
		ClientID:   client.ClientID,
		UserID:     current.UserID,
		TenantID:   current.TenantID,
		Scope:      grantedScope,
		FamilyID:   current.FamilyID,
		ParentHash: tokenHash,
		Generation: current.Generation + 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.Config.refreshTokenTTL()),
	}

	if _, err := s.tokens.RotateRefreshToken(ctx, tokenHash, client.ClientID, next, now); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) {
			// lost a race against a concurrent rotation of the same token
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, "concurrent_rotation")
			return nil, "", GrantError(err)
		}
		if reason, ok := refreshRejectionReason(err); ok {
			s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, reason)
			return nil, "", GrantError(err)
		}
		return nil, "", InternalError(fmt.Errorf("failed to rotate refresh token: %w", err))
	}

	s.Auditor.LogTokenRefreshed(ctx, current.UserID, client.ClientID, clientIP, next.Generation)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	}
	s.Logger.Info("Rotated refresh token",
		"client_id", client.ClientID,
		"generation", next.Generation)

	return s.buildToken(accessToken, nextToken, expiry), grantedScope, nil
}

// handleRefreshTokenReuse revokes the lineage of a revoked refresh token that
// was presented again by its owner.
func (s *Server) handleRefreshTokenReuse(ctx context.Context, client *storage.Client, token *storage.RefreshToken, clientIP string) {
	if s.metrics != nil {
		s.metrics.RecordTokenReuse(ctx, client.ClientID)
	}
	s.rejectGrant(ctx, client.ClientID, clientIP, GrantTypeRefreshToken, "revoked_token_reused")

	if token.ClientID != client.ClientID || s.Config.DisableFamilyRevocationOnReuse {
		s.Auditor.LogTokenReuse(ctx, token.UserID, client.ClientID, clientIP, token.FamilyID, 0)
		return
	}

	revoked, err := s.tokens.RevokeRefreshTokenFamily(ctx, token.FamilyID, s.clock.Now())
	if err != nil {
		s.Logger.Error("Failed to revoke refresh token family",
			"client_id", client.ClientID,
			"error", err)
	}
	s.recordRevocation(ctx, client.ClientID, RevocationReasonTokenReuse, revoked)
	s.Auditor.LogTokenReuse(ctx, token.UserID, client.ClientID, clientIP, token.FamilyID, revoked)
	s.Auditor.LogTokenFamilyRevoked(ctx, token.UserID, client.ClientID, token.FamilyID, RevocationReasonTokenReuse, revoked)
	s.Logger.Warn("Refresh token reuse detected",
		"client_id", client.ClientID,
		"generation", token.Generation,
		"revoked_tokens", revoked)
}

// RevokeToken revokes a refresh token and the rest of its lineage (RFC 7009),
// or only the presented token when Config.RevokeSingleToken is set.
// Unknown tokens, access tokens and tokens of other clients are ignored so
// the response never reveals whether a token exists.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "server.RevokeToken")
	defer span.End()

	if token == "" {
		return ValidationError(CodeInvalidRequest, "token is required")
	}

	tokenHash := util.HashToken(token)
	record, err := s.tokens.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			// access tokens are stateless and expire on their own
			return nil
		}
		return InternalError(err)
	}
	if record.ClientID != client.ClientID {
		s.Logger.Warn("Client attempted to revoke another client's token",
			"client_id", client.ClientID,
			"client_ip", clientIP)
		return nil
	}

	now := s.clock.Now()
	revoked := 0
	if s.Config.RevokeSingleToken {
		if err := s.tokens.RevokeRefreshToken(ctx, tokenHash, now); err != nil {
			if errors.Is(err, storage.ErrRefreshTokenNotFound) {
				return nil
			}
			return InternalError(fmt.Errorf("failed to revoke token: %w", err))
		}
		if !record.Revoked {
			revoked = 1
		}
	} else {
		revoked, err = s.tokens.RevokeRefreshTokenFamily(ctx, record.FamilyID, now)
		if err != nil {
			return InternalError(fmt.Errorf("failed to revoke token family: %w", err))
		}
		s.Auditor.LogTokenFamilyRevoked(ctx, record.UserID, client.ClientID, record.FamilyID, RevocationReasonClientRequest, revoked)
	}

	s.recordRevocation(ctx, client.ClientID, RevocationReasonClientRequest, revoked)
	s.Auditor.LogTokenRevoked(ctx, record.UserID, client.ClientID, clientIP, RevocationReasonClientRequest, revoked)
	return nil
}

// Introspection is the RFC 7662 view of a token. Inactive tokens carry only Active=false.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

// Introspect describes a token for an authenticated client (RFC 7662).
// Access tokens are verified as JWTs; anything else is looked up as a refresh
// token, which is only reported to the client that owns it.
func (s *Server) Introspect(ctx context.Context, client *storage.Client, token string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	if token == "" {
		return nil, ValidationError(CodeInvalidRequest, "token is required")
	}

	if claims, err := s.ValidateAccessToken(ctx, token); err == nil {
		result := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			TenantID:  claims.TenantID,
			TokenType: "Bearer",
			Issuer:    claims.Issuer,
			JTI:       claims.ID,
		}
		if claims.ExpiresAt != nil {
			result.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			result.IssuedAt = claims.IssuedAt.Unix()
		}
		if len(claims.Audience) > 0 {
			result.Audience = claims.Audience[0]
		}
		return result, nil
	}

	record, err := s.tokens.GetRefreshToken(ctx, util.HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return &Introspection{Active: false}, nil
		}
		return nil, InternalError(err)
	}
	if record.ClientID != client.ClientID || record.Revoked || record.IsExpired(s.clock.Now()) {
		return &Introspection{Active: false}, nil
	}

	result := &Introspection{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Subject:   record.UserID,
		TenantID:  record.TenantID,
		TokenType: "refresh_token",
		IssuedAt:  record.IssuedAt.Unix(),
		Issuer:    s.Config.Issuer,
	}
	if !record.ExpiresAt.IsZero() {
		result.ExpiresAt = record.ExpiresAt.Unix()
	}
	return result, nil
}

// ValidateAccessToken verifies an access token issued by this server and
// returns its claims.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*signing.Claims, error) {
	_, span := s.tracer.Start(ctx, "server.ValidateAccessToken")
	defer span.End()

	claims, err := s.signer.Verify(token, s.Config.Audience)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != signing.TokenUseAccess {
		return nil, fmt.Errorf("%w: token_use is %q", signing.ErrInvalidToken, claims.TokenUse)
	}
	return claims, nil
}

// IssueSessionToken signs a session token for a resource owner who logged in
// at the login page. SessionAuthenticator accepts these at the authorize endpoint.
func (s *Server) IssueSessionToken(userID, tenantID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	claims := s.signer.NewClaims(userID, s.Config.Audience, signing.TokenUseSession, ttl)
	claims.TenantID = tenantID
	return s.signToken(claims)
}

// ValidateSessionToken verifies a session token issued by IssueSessionToken.
func (s *Server) ValidateSessionToken(token string) (*signing.Claims, error) {
	claims, err := s.signer.Verify(token, s.Config.Audience)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != signing.TokenUseSession {
		return nil, fmt.Errorf("%w: token_use is %q", signing.ErrInvalidToken, claims.TokenUse)
	}
	return claims, nil
}

// mintAccessToken signs an access token and returns it with its expiry.
func (s *Server) mintAccessToken(userID, tenantID, clientID, scope string) (string, time.Time, error) {
	claims := s.signer.NewClaims(userID, s.Config.Audience, signing.TokenUseAccess, s.Config.accessTokenTTL())
	claims.ClientID = clientID
	claims.Scope = scope
	claims.TenantID = tenantID

	token, err := s.signToken(claims)
	if err != nil {
		s.Logger.Error("Failed to sign access token",
			"client_id", clientID,
			"error", err)
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

func (s *Server) buildToken(accessToken, refreshToken string, expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       expiry,
		ExpiresIn:    s.Config.AccessTokenTTL,
	}
}

func (s *Server) rejectGrant(ctx context.Context, clientID, clientIP, grantType, reason string) {
	s.Auditor.LogGrantRejected(ctx, clientID, clientIP, grantType, reason)
	if s.metrics != nil {
		s.metrics.RecordGrantRejected(ctx, grantType, reason)
	}
	s.Logger.Debug("Rejected grant",
		"client_id", clientID,
		"grant_type", grantType,
		"reason", reason)
}

func (s *Server) recordRevocation(ctx context.Context, clientID, reason string, count int) {
	if s.metrics != nil && count > 0 {
		s.metrics.RecordTokenRevocation(ctx, clientID, reason, count)
	}
}

// codeFamilyID is the refresh token family minted from an authorization code.
func codeFamilyID(code string) string {
	return util.HashToken("family:" + code)
}

// codeRejectionReason maps a storage sentinel to an internal reason label.
func codeRejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return "not_found", true
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		return "code_reused", true
	case errors.Is(err, storage.ErrAuthorizationCodeExpired):
		return "expired", true
	case errors.Is(err, storage.ErrClientMismatch):
		return "client_mismatch", true
	case errors.Is(err, storage.ErrRedirectURIMismatch):
		return "redirect_uri_mismatch", true
	case errors.Is(err, storage.ErrPKCEMismatch):
		return "pkce_mismatch", true
	}
	return "", false
}

func refreshRejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return "not_found", true
	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		return "revoked", true
	case errors.Is(err, storage.ErrRefreshTokenExpired):
		return "expired", true
	case errors.Is(err, storage.ErrClientMismatch):
		return "client_mismatch", true
	}
	return "", false
}
