package security

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newJSONAuditor(t *testing.T, enabled bool) (*Auditor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func decodeAuditRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("json.Unmarshal() error = %v (log: %q)", err, buf.String())
	}
	return record
}

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor == nil {
				t.Fatal("NewAuditor() returned nil")
			}
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newJSONAuditor(t, tt.enabled)
			auditor.LogEvent(context.Background(), Event{
				Type:     EventTokenIssued,
				UserID:   "user-1",
				ClientID: "client-1",
			})

			if got := buf.Len() > 0; got != tt.wantLog {
				t.Errorf("logged = %v, want %v", got, tt.wantLog)
			}
		})
	}
}

func TestAuditor_NilIsSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(context.Background(), Event{Type: EventAuthFailure})
	auditor.LogTokenReuse(context.Background(), "u", "c", "ip", "fam", 3)
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newJSONAuditor(t, true)
	auditor.LogTokenIssued(context.Background(), "alice@example.com", "client-1", "10.0.0.1", "read")

	if strings.Contains(buf.String(), "alice@example.com") {
		t.Fatalf("user id leaked into audit log: %s", buf.String())
	}

	record := decodeAuditRecord(t, buf)
	if record["user_id_hash"] != hashForLogging("alice@example.com") {
		t.Errorf("user_id_hash = %v, want %v", record["user_id_hash"], hashForLogging("alice@example.com"))
	}
	if record["event_type"] != EventTokenIssued {
		t.Errorf("event_type = %v, want %v", record["event_type"], EventTokenIssued)
	}
}

func TestAuditor_AttachesRequestID(t *testing.T) {
	auditor, buf := newJSONAuditor(t, true)
	ctx := WithRequestID(context.Background(), "req-123")

	auditor.LogRateLimitExceeded(ctx, "10.0.0.1", "/oauth2/token")

	record := decodeAuditRecord(t, buf)
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", record["request_id"])
	}
}

func TestAuditor_ClientIPs(t *testing.T) {
	tests := []struct {
		name   string
		logIPs bool
	}{
		{name: "logged", logIPs: true},
		{name: "suppressed", logIPs: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newJSONAuditor(t, true)
			auditor.SetLogClientIPs(tt.logIPs)
			auditor.LogAuthFailure(context.Background(), "client-1", "203.0.113.7", "bad secret")

			record := decodeAuditRecord(t, buf)
			_, present := record["ip_address"]
			if present != tt.logIPs {
				t.Errorf("ip_address present = %v, want %v", present, tt.logIPs)
			}
			if !tt.logIPs && strings.Contains(buf.String(), "203.0.113.7") {
				t.Errorf("client IP leaked into audit log: %s", buf.String())
			}
		})
	}
}

func TestAuditor_UsesClock(t *testing.T) {
	auditor, buf := newJSONAuditor(t, true)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	auditor.SetClock(ClockFunc(func() time.Time { return fixed }))

	auditor.LogKeyGenerated(context.Background(), "key_1", 2048)

	record := decodeAuditRecord(t, buf)
	if record["timestamp"] != fixed.Format(time.RFC3339) {
		t.Errorf("timestamp = %v, want %v", record["timestamp"], fixed.Format(time.RFC3339))
	}
}

func TestAuditor_HelperEventTypes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		log  func(a *Auditor)
		want string
	}{
		{"client registered", func(a *Auditor) { a.LogClientRegistered(ctx, "c", "public", "ip") }, EventClientRegistered},
		{"code issued", func(a *Auditor) { a.LogCodeIssued(ctx, "u", "c", "read") }, EventAuthorizationCodeIssued},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed(ctx, "u", "c", "ip", 2) }, EventTokenRefreshed},
		{"token revoked", func(a *Auditor) { a.LogTokenRevoked(ctx, "u", "c", "ip", "client_request", 1) }, EventTokenRevoked},
		{"code reuse", func(a *Auditor) { a.LogCodeReuse(ctx, "u", "c", "ip", 2) }, EventAuthorizationCodeReuseDetected},
		{"token reuse", func(a *Auditor) { a.LogTokenReuse(ctx, "u", "c", "ip", "fam", 2) }, EventTokenReuseDetected},
		{"grant rejected", func(a *Auditor) { a.LogGrantRejected(ctx, "c", "ip", "authorization_code", "pkce_mismatch") }, EventGrantRejected},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure(ctx, "c", "ip", "bad secret") }, EventAuthFailure},
		{"key pruned", func(a *Auditor) { a.LogKeyPruned(ctx, "key_1") }, EventKeyPruned},
		{"client updated", func(a *Auditor) { a.LogClientUpdated(ctx, "c", []string{"redirect_uris"}) }, EventClientUpdated},
		{"registration rejected", func(a *Auditor) { a.LogClientRegistrationRejected(ctx, "ip", "invalid_redirect_uri") }, EventClientRegistrationRejected},
		{"authorization deferred", func(a *Auditor) { a.LogAuthorizationDeferred(ctx, "c", "read") }, EventAuthorizationDeferred},
		{"family revoked", func(a *Auditor) { a.LogTokenFamilyRevoked(ctx, "u", "c", "fam", "code_reuse", 2) }, EventTokenFamilyRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newJSONAuditor(t, true)
			tt.log(auditor)
			record := decodeAuditRecord(t, buf)
			if record["event_type"] != tt.want {
				t.Errorf("event_type = %v, want %v", record["event_type"], tt.want)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	a := hashForLogging("user")
	if len(a) != 16 {
		t.Errorf("len(hashForLogging()) = %d, want 16", len(a))
	}
	if a != hashForLogging("user") {
		t.Error("hashForLogging() is not deterministic")
	}
	if a == hashForLogging("other") {
		t.Error("hashForLogging() collided for different inputs")
	}
}
