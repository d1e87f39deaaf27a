// Package storage provides interfaces and shared types for persisting OAuth
// clients, authorization state, authorization codes, refresh tokens, and
// signing key material.
//
// The storage package defines the interfaces used throughout the authorization server:
//   - ClientStore: registered OAuth clients with bcrypt-hashed secrets
//   - StateStore: per-attempt CSRF state with atomic one-time consumption
//   - AuthorizationCodeStore: single-use authorization codes
//   - RefreshTokenStore: hashed refresh tokens with rotation lineage
//   - KeyStore: PEM-encoded RSA signing keys that survive restarts
//
// Every "consume" or "rotate" operation is a single atomic conditional update
// in the backend. Callers never read and then write.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/postgres: PostgreSQL storage for durable deployments
//   - storage/mock: Function-field mock for failure injection in tests
package storage
