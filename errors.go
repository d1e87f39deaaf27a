package oauth

import (
	"net/http"

	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/server"
)

// Error codes written by the HTTP layer itself. Protocol errors carry a
// server.ErrorCode and are rendered through its String method.
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeInvalidClient     = "invalid_client"
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeInsufficientScope = "insufficient_scope"
	ErrorCodeAccessDenied      = "access_denied"
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// Error is the protocol error returned by server operations.
type Error = server.Error

// writeServerError renders err as an OAuth error body. Internal errors are
// logged with their cause and sent as an opaque server_error.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	oe := server.AsError(err)
	if oe.Internal() {
		h.logger.Error("Request failed",
			"kind", oe.Kind.String(),
			"error", oe.Err,
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()))
	}
	h.writeError(w, oe.Code.String(), oe.Description, oe.Status)
}

// writeError writes an OAuth error response. 401 responses carry a
// WWW-Authenticate challenge matching the credential that failed.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) formatWWWAuthenticate(code, description string) string {
	if code == ErrorCodeInvalidClient {
		return `Basic realm="` + h.server.Config.Issuer + `"`
	}
	return `Bearer realm="` + h.server.Config.Issuer + `", error="` + code + `", error_description="` + description + `"`
}
