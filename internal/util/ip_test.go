package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want HostClass
	}{
		{"0.0.0.0", HostUnspecified},
		{"::", HostUnspecified},
		{"127.0.0.1", HostLoopback},
		{"127.255.255.255", HostLoopback},
		{"::1", HostLoopback},
		{"169.254.169.254", HostLinkLocal},
		{"fe80::1", HostLinkLocal},
		{"10.0.0.1", HostPrivate},
		{"172.16.0.1", HostPrivate},
		{"192.168.1.1", HostPrivate},
		{"fd00::1", HostPrivate},
		{"8.8.8.8", HostPublic},
		{"2001:4860:4860::8888", HostPublic},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("net.ParseIP(%q) = nil", tt.ip)
			}
			if got := ClassifyIP(ip); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	if got := ClassifyIP(nil); got != HostUnspecified {
		t.Errorf("ClassifyIP(nil) = %v, want %v", got, HostUnspecified)
	}
}

func TestHostClass_String(t *testing.T) {
	if got := HostLinkLocal.String(); got != "link_local" {
		t.Errorf("String() = %q, want link_local", got)
	}
	if got := HostClass(42).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"localhost.example.com", false},
		{"example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := IsLoopbackHost(tt.host); got != tt.want {
				t.Errorf("IsLoopbackHost(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestIsInternalHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"10.1.2.3", true},
		{"169.254.169.254", true},
		{"8.8.8.8", false},
		{"internal.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := IsInternalHost(tt.host); got != tt.want {
				t.Errorf("IsInternalHost(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}
