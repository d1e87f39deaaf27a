// Package security provides the security building blocks of the authorization server.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through slog. User IDs are hashed
// before logging and credential values are never logged. The request ID set
// by RequestIDMiddleware is attached to every record for correlation.
//
// # Encryption at Rest
//
// Encryptor seals signing key material with AES-256-GCM. Seal binds the
// ciphertext to associated data (the key ID) so a ciphertext cannot be
// swapped between records. An Encryptor built from an empty key is disabled
// and passes data through.
//
//	key, _ := security.KeyFromBase64(os.Getenv("AUTHSERVER_ENCRYPTION_KEY"))
//	enc, err := security.NewEncryptor(key)
//
// # Rate Limiting
//
// RateLimiter provides per-identifier token buckets (golang.org/x/time/rate)
// with LRU eviction so memory stays bounded under distributed attacks.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Clock
//
// Every expiry comparison goes through a Clock so tests can control time.
// IsExpired treats an artifact as expired once expires_at <= now.
package security
