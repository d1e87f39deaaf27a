package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/storage"
)

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeInvalidRequest, "invalid_request"},
		{CodeInvalidClient, "invalid_client"},
		{CodeInvalidGrant, "invalid_grant"},
		{CodeUnauthorizedClient, "unauthorized_client"},
		{CodeUnsupportedGrantType, "unsupported_grant_type"},
		{CodeUnsupportedResponseType, "unsupported_response_type"},
		{CodeInvalidScope, "invalid_scope"},
		{CodeAccessDenied, "access_denied"},
		{CodeInvalidRedirectURI, "invalid_redirect_uri"},
		{CodeInvalidClientMetadata, "invalid_client_metadata"},
		{CodeServerError, "server_error"},
		{CodeInvalidToken, "invalid_token"},
		{ErrorCode(99), "server_error"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", int(tt.code), got, tt.want)
		}
	}
}

func TestError_Constructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name         string
		err          *Error
		wantKind     Kind
		wantCode     ErrorCode
		wantStatus   int
		wantInternal bool
	}{
		{"validation", ValidationError(CodeInvalidRequest, "bad"), KindValidation, CodeInvalidRequest, http.StatusBadRequest, false},
		{"authentication", AuthenticationError(cause), KindAuthentication, CodeInvalidClient, http.StatusUnauthorized, false},
		{"grant", GrantError(cause), KindGrant, CodeInvalidGrant, http.StatusBadRequest, false},
		{"access denied", AuthorizationError(CodeAccessDenied, "no"), KindAuthorization, CodeAccessDenied, http.StatusForbidden, false},
		{"unauthorized client", AuthorizationError(CodeUnauthorizedClient, "no"), KindAuthorization, CodeUnauthorizedClient, http.StatusBadRequest, false},
		{"key management", KeyManagementError(keys.ErrNoActiveKey), KindKeyManagement, CodeServerError, http.StatusInternalServerError, true},
		{"serialization", SerializationError(cause), KindSerialization, CodeServerError, http.StatusInternalServerError, true},
		{"internal", InternalError(cause), KindInternal, CodeServerError, http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.wantKind)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Internal() != tt.wantInternal {
				t.Errorf("Internal() = %v, want %v", tt.err.Internal(), tt.wantInternal)
			}
		})
	}
}

func TestGrantError_IsGeneric(t *testing.T) {
	causes := []error{
		storage.ErrAuthorizationCodeNotFound,
		storage.ErrAuthorizationCodeExpired,
		storage.ErrAuthorizationCodeUsed,
		storage.ErrPKCEMismatch,
		storage.ErrRedirectURIMismatch,
	}

	for _, cause := range causes {
		e := GrantError(cause)
		if e.Description != genericGrantDescription {
			t.Errorf("GrantError(%v).Description = %q, want generic description", cause, e.Description)
		}
		if !errors.Is(e, cause) {
			t.Errorf("errors.Is(GrantError(%v), cause) = false, want true", cause)
		}
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) != nil")
	}

	grant := GrantError(storage.ErrPKCEMismatch)
	wrapped := fmt.Errorf("exchange: %w", grant)
	if got := AsError(wrapped); got != grant {
		t.Errorf("AsError(wrapped) = %v, want the wrapped *Error", got)
	}

	plain := errors.New("database unavailable")
	got := AsError(plain)
	if got.Kind != KindInternal || got.Code != CodeServerError {
		t.Errorf("AsError(plain) = %v, want internal server_error", got)
	}
	if !errors.Is(got, plain) {
		t.Error("AsError(plain) does not wrap the cause")
	}
}
