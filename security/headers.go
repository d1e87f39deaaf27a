package security

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SetSecurityHeaders sets the headers every OAuth endpoint response carries.
// Responses containing credentials must never be cached.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setBaseHeaders(w, issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// SetPublicCacheHeaders sets security headers for public, cacheable documents
// such as the JWKS and server metadata.
func SetPublicCacheHeaders(w http.ResponseWriter, issuer string, maxAge time.Duration) {
	setBaseHeaders(w, issuer)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
}

func setBaseHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
