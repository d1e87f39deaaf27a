package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "remote addr without proxy trust",
			remoteAddr: "192.0.2.10:5555",
			xff:        "203.0.113.1",
			want:       "192.0.2.10",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
		{
			name:       "single trusted proxy",
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.1, 10.0.0.1",
			trustProxy: true,
			want:       "203.0.113.1",
		},
		{
			name:              "spoofed leftmost entry ignored",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "6.6.6.6, 203.0.113.1, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:              "fewer entries than trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.1",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.1",
		},
		{
			name:       "invalid forwarded ip falls back to X-Real-IP",
			remoteAddr: "10.0.0.1:1234",
			xff:        "garbage, 10.0.0.1",
			xRealIP:    "198.51.100.7",
			trustProxy: true,
			want:       "198.51.100.7",
		},
		{
			name:       "invalid headers fall back to remote addr",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "not-an-ip",
			trustProxy: true,
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
