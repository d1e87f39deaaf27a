package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is an OAuth 2.0 error code. The wire string is produced by String
// and only used when the error is serialized.
type ErrorCode int

// OAuth 2.0 error codes (RFC 6749, RFC 7009, RFC 7591, RFC 6750)
const (
	CodeInvalidRequest ErrorCode = iota
	CodeInvalidClient
	CodeInvalidGrant
	CodeUnauthorizedClient
	CodeUnsupportedGrantType
	CodeUnsupportedResponseType
	CodeInvalidScope
	CodeAccessDenied
	CodeInvalidRedirectURI
	CodeInvalidClientMetadata
	CodeServerError
	CodeInvalidToken
)

var errorCodeNames = [...]string{
	CodeInvalidRequest:          "invalid_request",
	CodeInvalidClient:           "invalid_client",
	CodeInvalidGrant:            "invalid_grant",
	CodeUnauthorizedClient:      "unauthorized_client",
	CodeUnsupportedGrantType:    "unsupported_grant_type",
	CodeUnsupportedResponseType: "unsupported_response_type",
	CodeInvalidScope:            "invalid_scope",
	CodeAccessDenied:            "access_denied",
	CodeInvalidRedirectURI:      "invalid_redirect_uri",
	CodeInvalidClientMetadata:   "invalid_client_metadata",
	CodeServerError:             "server_error",
	CodeInvalidToken:            "invalid_token",
}

// String returns the RFC wire value of the code.
func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return "server_error"
	}
	return errorCodeNames[c]
}

// Kind classifies an Error for logging and status mapping.
type Kind int

// Error kinds
const (
	KindValidation Kind = iota
	KindAuthentication
	KindGrant
	KindAuthorization
	KindKeyManagement
	KindSerialization
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindGrant:
		return "grant"
	case KindAuthorization:
		return "authorization"
	case KindKeyManagement:
		return "key_management"
	case KindSerialization:
		return "serialization"
	default:
		return "internal"
	}
}

// genericGrantDescription is returned for every rejected grant so callers
// cannot tell an unknown, expired, used or mismatched artifact apart.
const genericGrantDescription = "invalid, expired, or revoked grant"

// Error is a protocol error returned by Server operations.
// Description is safe to show to the client; Err carries the internal cause.
type Error struct {
	Kind        Kind
	Code        ErrorCode
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Internal reports whether the error must be hidden from the client.
func (e *Error) Internal() bool {
	switch e.Kind {
	case KindKeyManagement, KindSerialization, KindInternal:
		return true
	}
	return false
}

// ValidationError is a client-correctable request error (400).
func ValidationError(code ErrorCode, description string) *Error {
	return &Error{Kind: KindValidation, Code: code, Description: description, Status: http.StatusBadRequest}
}

// AuthenticationError reports failed client authentication (401 invalid_client).
func AuthenticationError(cause error) *Error {
	return &Error{
		Kind:        KindAuthentication,
		Code:        CodeInvalidClient,
		Description: "client authentication failed",
		Status:      http.StatusUnauthorized,
		Err:         cause,
	}
}

// GrantError reports a rejected code or refresh token (400 invalid_grant).
// The description is the same for every cause.
func GrantError(cause error) *Error {
	return &Error{
		Kind:        KindGrant,
		Code:        CodeInvalidGrant,
		Description: genericGrantDescription,
		Status:      http.StatusBadRequest,
		Err:         cause,
	}
}

// AuthorizationError reports a request the client or resource owner is not allowed to make.
func AuthorizationError(code ErrorCode, description string) *Error {
	status := http.StatusBadRequest
	if code == CodeAccessDenied {
		status = http.StatusForbidden
	}
	return &Error{Kind: KindAuthorization, Code: code, Description: description, Status: status}
}

// KeyManagementError wraps a signing key failure (500, opaque to the client).
func KeyManagementError(cause error) *Error {
	return internalError(KindKeyManagement, cause)
}

// SerializationError wraps a token encoding failure (500, opaque to the client).
func SerializationError(cause error) *Error {
	return internalError(KindSerialization, cause)
}

// InternalError wraps a storage or other unexpected failure (500, opaque to the client).
func InternalError(cause error) *Error {
	return internalError(KindInternal, cause)
}

func internalError(kind Kind, cause error) *Error {
	return &Error{
		Kind:        kind,
		Code:        CodeServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		Err:         cause,
	}
}

// AsError converts err to an *Error. Errors that are not protocol errors
// become opaque internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return InternalError(err)
}
