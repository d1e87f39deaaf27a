package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access/refresh token pair is minted from an authorization code
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by its client
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when a whole refresh token lineage is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // event name, not a credential

	// EventTokenReuseDetected is logged when a revoked refresh token is presented again
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // event name, not a credential

	// Authorization flow events

	// EventAuthorizationDeferred is logged when a request is parked in the state store awaiting login
	EventAuthorizationDeferred = "authorization_deferred"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a used authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventGrantRejected is logged when a code or refresh token is rejected
	EventGrantRejected = "grant_rejected"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientUpdated is logged when a client's metadata is updated
	EventClientUpdated = "client_updated"

	// EventClientRegistrationRejected is logged when client registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Key lifecycle events

	// EventKeyGenerated is logged when a signing key becomes active
	EventKeyGenerated = "signing_key_generated"

	// EventKeyPruned is logged when a historical signing key is removed
	EventKeyPruned = "signing_key_pruned"
)
