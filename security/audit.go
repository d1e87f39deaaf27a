// Package security provides security features for the authorization server
// including audit logging, encryption at rest, rate limiting, and secure headers.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger       *slog.Logger
	enabled      bool
	logClientIPs bool
	clock        Clock
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:       logger,
		enabled:      enabled,
		logClientIPs: true,
		clock:        SystemClock,
	}
}

// SetLogClientIPs controls whether events carry the caller's IP address.
// Client IPs may be personal data in some jurisdictions.
func (a *Auditor) SetLogClientIPs(enabled bool) {
	a.logClientIPs = enabled
}

// SetClock replaces the time source used for event timestamps.
func (a *Auditor) SetClock(c Clock) {
	a.clock = ClockOrDefault(c)
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
// The request ID stored in ctx, if any, is attached for correlation.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock.Now()

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"timestamp", event.Timestamp,
	}
	if a.logClientIPs && event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.InfoContext(ctx, "security_audit", attrs...)
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(ctx context.Context, clientID, clientType, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogClientUpdated logs a change to a registered client's metadata
func (a *Auditor) LogClientUpdated(ctx context.Context, clientID string, fields []string) {
	a.LogEvent(ctx, Event{
		Type:     EventClientUpdated,
		ClientID: clientID,
		Details:  map[string]any{"fields": fields},
	})
}

// LogClientRegistrationRejected logs a registration request that failed validation
func (a *Auditor) LogClientRegistrationRejected(ctx context.Context, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientRegistrationRejected,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogAuthorizationDeferred logs a request parked in the state store until login
func (a *Auditor) LogAuthorizationDeferred(ctx context.Context, clientID, scope string) {
	a.LogEvent(ctx, Event{
		Type:     EventAuthorizationDeferred,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogCodeIssued logs when an authorization code is issued
func (a *Auditor) LogCodeIssued(ctx context.Context, userID, clientID, scope string) {
	a.LogEvent(ctx, Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenIssued logs when a token pair is issued from an authorization code
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, ipAddress, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs when a refresh token is rotated
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID, ipAddress string, generation int) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"generation": generation},
	})
}

// LogTokenRevoked logs when tokens are revoked
func (a *Auditor) LogTokenRevoked(ctx context.Context, userID, clientID, ipAddress, reason string, count int) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason, "count": count},
	})
}

// LogCodeReuse logs a replay of an already used authorization code
func (a *Auditor) LogCodeReuse(ctx context.Context, userID, clientID, ipAddress string, revoked int) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthorizationCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"tokens_revoked": revoked, "severity": "critical"},
	})
}

// LogTokenReuse logs a replay of a revoked refresh token
func (a *Auditor) LogTokenReuse(ctx context.Context, userID, clientID, ipAddress, familyID string, revoked int) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":      familyID,
			"tokens_revoked": revoked,
			"severity":       "critical",
		},
	})
}

// LogTokenFamilyRevoked logs revocation of a whole refresh token lineage
func (a *Auditor) LogTokenFamilyRevoked(ctx context.Context, userID, clientID, familyID, reason string, count int) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id": familyID,
			"reason":    reason,
			"count":     count,
		},
	})
}

// LogGrantRejected logs a rejected grant with the internal reason
func (a *Auditor) LogGrantRejected(ctx context.Context, clientID, ipAddress, grantType, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventGrantRejected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"grant_type": grantType, "reason": reason},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// LogKeyGenerated logs a new active signing key
func (a *Auditor) LogKeyGenerated(ctx context.Context, kid string, bits int) {
	a.LogEvent(ctx, Event{
		Type:    EventKeyGenerated,
		Details: map[string]any{"kid": kid, "bits": bits},
	})
}

// LogKeyPruned logs removal of a historical signing key
func (a *Auditor) LogKeyPruned(ctx context.Context, kid string) {
	a.LogEvent(ctx, Event{
		Type:    EventKeyPruned,
		Details: map[string]any{"kid": kid},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
