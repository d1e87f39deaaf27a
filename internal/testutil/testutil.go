package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitmetrics/authserver/storage"
)

// Fixture values shared across package tests.
const (
	TestClientID    = "test-client-id"
	TestRedirectURI = "https://ex.com/cb"
	TestUserID      = "test-user-123"
	TestTenantID    = "tenant-1"
	TestScope       = "read write"
)

// Epoch is the default start time of a MockTime.
var Epoch = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

// MockTime is a controllable, goroutine-safe time source.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a mock clock starting at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns a random URL-safe string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewTestClient returns a public client registered for TestRedirectURI.
func NewTestClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:                clientID,
		ClientType:              storage.ClientTypePublic,
		RedirectURIs:            []string{TestRedirectURI},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"read", "write"},
		CreatedAt:               Epoch,
		UpdatedAt:               Epoch,
	}
}

// NewTestState returns a state for clientID expiring ten minutes after now.
func NewTestState(clientID string, now time.Time) *storage.AuthorizationState {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationState{
		State:               GenerateRandomString(32),
		ClientID:            clientID,
		UserID:              TestUserID,
		TenantID:            TestTenantID,
		RedirectURI:         TestRedirectURI,
		Scope:               TestScope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// NewTestCode returns a code for clientID bound to challenge, expiring ten
// minutes after now.
func NewTestCode(clientID, challenge string, now time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            clientID,
		UserID:              TestUserID,
		TenantID:            TestTenantID,
		RedirectURI:         TestRedirectURI,
		Scope:               TestScope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// NewTestRefreshToken returns a first-generation refresh token record for
// clientID in familyID, expiring a day after now.
func NewTestRefreshToken(clientID, familyID string, now time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:  GenerateRandomString(64),
		ClientID:   clientID,
		UserID:     TestUserID,
		TenantID:   TestTenantID,
		Scope:      TestScope,
		FamilyID:   familyID,
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

// MustNoError fails the test immediately if err is not nil.
func MustNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
