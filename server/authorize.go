package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fitmetrics/authserver/internal/util"
	"github.com/fitmetrics/authserver/storage"
)

// MaxStateLength bounds the state parameter echoed back to the client
const MaxStateLength = 512

// AuthorizationRequest holds the parameters of an authorization request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest checks an authorization request. The first
// failing check wins: unknown client, unregistered redirect_uri, missing
// code_challenge, then a method other than S256.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, ValidationError(CodeInvalidRequest, "client_id is required")
	}
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ValidationError(CodeInvalidClient, "unknown client_id")
		}
		return nil, InternalError(err)
	}

	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, ValidationError(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, ValidationError(CodeInvalidRequest, err.Error())
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, ValidationError(CodeUnsupportedResponseType, "response_type must be code")
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, AuthorizationError(CodeUnauthorizedClient, "client is not allowed to use the authorization_code grant")
	}
	if len(req.State) > MaxStateLength {
		return nil, ValidationError(CodeInvalidRequest, fmt.Sprintf("state must be at most %d characters", MaxStateLength))
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return nil, ValidationError(CodeInvalidScope, err.Error())
	}
	if err := validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, ValidationError(CodeInvalidScope, err.Error())
	}

	return client, nil
}

// Authorize validates the request and issues an authorization code for an
// authenticated resource owner.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest, userID, tenantID string) (*storage.AuthorizationCode, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.AuthorizeClient(ctx, client, req, userID, tenantID)
}

// AuthorizeClient issues an authorization code for a request that
// ValidateAuthorizationRequest already accepted; client is the client it
// returned.
func (s *Server) AuthorizeClient(ctx context.Context, client *storage.Client, req *AuthorizationRequest, userID, tenantID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.client_id", client.ClientID))

	if userID == "" {
		return nil, AuthorizationError(CodeAccessDenied, "resource owner is not authenticated")
	}
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, client.ClientID, false)
	}

	return s.issueCode(ctx, &storage.AuthorizationCode{
		ClientID:            client.ClientID,
		UserID:              userID,
		TenantID:            tenantID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
}

// DeferAuthorization validates the request and parks it in the state store
// keyed by its state value while the resource owner logs in.
func (s *Server) DeferAuthorization(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizationState, error) {
	client, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.DeferClientAuthorization(ctx, client, req)
}

// DeferClientAuthorization parks a request that ValidateAuthorizationRequest
// already accepted.
func (s *Server) DeferClientAuthorization(ctx context.Context, client *storage.Client, req *AuthorizationRequest) (*storage.AuthorizationState, error) {
	ctx, span := s.tracer.Start(ctx, "server.DeferAuthorization")
	defer span.End()

	if req.State == "" {
		return nil, ValidationError(CodeInvalidRequest, "state is required when the resource owner must log in")
	}

	now := s.clock.Now()
	state := &storage.AuthorizationState{
		State:               req.State,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.stateTTL()),
	}

	if err := s.states.SaveState(ctx, state); err != nil {
		switch {
		case errors.Is(err, storage.ErrStateExists):
			return nil, ValidationError(CodeInvalidRequest, "state is already in use")
		case errors.Is(err, storage.ErrClientNotFound):
			return nil, ValidationError(CodeInvalidClient, "unknown client_id")
		}
		return nil, InternalError(fmt.Errorf("failed to save state: %w", err))
	}

	s.Auditor.LogAuthorizationDeferred(ctx, client.ClientID, req.Scope)
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, client.ClientID, true)
	}
	s.Logger.Debug("Parked authorization request",
		"client_id", client.ClientID,
		"state_prefix", util.TokenPrefix(req.State))

	return state, nil
}

// ResumeAuthorization consumes a parked request after the resource owner has
// logged in and issues the authorization code. The state is bound to clientID
// and can be consumed once.
func (s *Server) ResumeAuthorization(ctx context.Context, state, clientID, userID, tenantID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "server.ResumeAuthorization")
	defer span.End()

	if userID == "" {
		return nil, AuthorizationError(CodeAccessDenied, "resource owner is not authenticated")
	}

	parked, err := s.states.ConsumeState(ctx, state, clientID, s.clock.Now())
	if err != nil {
		if isStateRejection(err) {
			s.Logger.Debug("Rejected authorization state",
				"client_id", clientID,
				"state_prefix", util.TokenPrefix(state),
				"reason", err)
			verr := ValidationError(CodeInvalidRequest, "invalid or expired state")
			verr.Err = err
			return nil, verr
		}
		return nil, InternalError(err)
	}

	if parked.UserID != "" && parked.UserID != userID {
		return nil, AuthorizationError(CodeAccessDenied, "resource owner does not match the authorization request")
	}

	// the client may have changed while the request was parked
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ValidationError(CodeInvalidClient, "unknown client_id")
		}
		return nil, InternalError(err)
	}
	if !client.HasRedirectURI(parked.RedirectURI) {
		return nil, ValidationError(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	if tenantID == "" {
		tenantID = parked.TenantID
	}

	return s.issueCode(ctx, &storage.AuthorizationCode{
		ClientID:            parked.ClientID,
		UserID:              userID,
		TenantID:            tenantID,
		RedirectURI:         parked.RedirectURI,
		Scope:               parked.Scope,
		CodeChallenge:       parked.CodeChallenge,
		CodeChallengeMethod: parked.CodeChallengeMethod,
	})
}

func isStateRejection(err error) bool {
	return errors.Is(err, storage.ErrStateNotFound) ||
		errors.Is(err, storage.ErrStateUsed) ||
		errors.Is(err, storage.ErrStateExpired) ||
		errors.Is(err, storage.ErrClientMismatch)
}

// issueCode fills in the code value and lifetime and persists it.
func (s *Server) issueCode(ctx context.Context, code *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	now := s.clock.Now()
	code.Code = generateRandomToken()
	code.CreatedAt = now
	code.ExpiresAt = now.Add(s.Config.codeTTL())

	if err := s.codes.SaveAuthorizationCode(ctx, code); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ValidationError(CodeInvalidClient, "unknown client_id")
		}
		return nil, InternalError(fmt.Errorf("failed to save authorization code: %w", err))
	}

	s.Auditor.LogCodeIssued(ctx, code.UserID, code.ClientID, code.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, code.ClientID)
	}
	s.Logger.Info("Issued authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.TokenPrefix(code.Code))

	return code, nil
}

// AuthorizationRedirect returns redirectURI with the code and state appended
// to its query, keeping any query the client registered.
func AuthorizationRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
