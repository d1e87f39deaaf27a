package security

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{name: "https issuer sets HSTS", issuer: "https://auth.example.com", wantHSTS: true},
		{name: "http issuer omits HSTS", issuer: "http://localhost:8080", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.issuer)

			want := map[string]string{
				"X-Frame-Options":        "DENY",
				"X-Content-Type-Options": "nosniff",
				"Cache-Control":          "no-store",
				"Pragma":                 "no-cache",
				"Referrer-Policy":        "no-referrer",
			}
			for header, value := range want {
				if got := w.Header().Get(header); got != value {
					t.Errorf("%s = %q, want %q", header, got, value)
				}
			}

			if got := w.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}

func TestSetPublicCacheHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetPublicCacheHeaders(w, "https://auth.example.com", 5*time.Minute)

	if got := w.Header().Get("Cache-Control"); got != "public, max-age=300" {
		t.Errorf("Cache-Control = %q, want %q", got, "public, max-age=300")
	}
	if got := w.Header().Get("Pragma"); got != "" {
		t.Errorf("Pragma = %q, want empty", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
