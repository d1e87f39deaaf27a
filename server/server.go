package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/signing"
	"github.com/fitmetrics/authserver/storage"
)

// TokenSigner mints and verifies the JWTs issued by the server.
// *signing.Signer implements it.
type TokenSigner interface {
	NewClaims(subject, audience, tokenUse string, ttl time.Duration) *signing.Claims
	Sign(claims *signing.Claims) (string, error)
	Verify(token, audience string) (*signing.Claims, error)
}

// Server implements the OAuth 2.0 authorization server protocol logic.
// It is transport-agnostic; the root package adapts it to HTTP.
type Server struct {
	clients storage.ClientStore
	states  storage.StateStore
	codes   storage.AuthorizationCodeStore
	tokens  storage.RefreshTokenStore
	signer  TokenSigner
	clock   security.Clock

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// New creates a new OAuth server
func New(store storage.Store, signer TokenSigner, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clients: store,
		states:  store,
		codes:   store,
		tokens:  store,
		signer:  signer,
		clock:   config.Clock,
		Config:  config,
		Logger:  logger,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for protocol operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Now returns the server's current time.
func (s *Server) Now() time.Time {
	return s.clock.Now()
}

// generateRandomToken returns 256 bits of base64url encoded randomness.
var generateRandomToken = oauth2.GenerateVerifier

// signToken signs claims and maps failures onto the internal error kinds.
func (s *Server) signToken(claims *signing.Claims) (string, error) {
	token, err := s.signer.Sign(claims)
	if err != nil {
		if errors.Is(err, keys.ErrNoActiveKey) {
			return "", KeyManagementError(err)
		}
		return "", SerializationError(err)
	}
	return token, nil
}
