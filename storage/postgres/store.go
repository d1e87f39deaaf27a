package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/storage"
)

//go:embed schema.sql
var schema string

// Postgres error codes the store maps to storage sentinels.
const (
	uniqueViolation     = "23505"
)

const connectionVerifyTimeout = 10 * time.Second

// Config holds configuration for the PostgreSQL storage backend.
type Config struct {
	// DSN is the connection string (required), e.g.
	// "postgres://authserver@localhost:5432/authserver?sslmode=disable"
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a PostgreSQL-backed implementation of storage.Store.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	observer *instrumentation.StorageObserver
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Cleaner = (*Store)(nil)
)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewWithPool(pool, cfg.Logger)
	s.logger.Info("Connected to PostgreSQL storage",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database)
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the tables and indexes the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("PostgreSQL storage connection closed")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SetInstrumentation enables spans and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, "postgres")
}

// DeleteExpired removes states, codes and refresh tokens whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired")
	defer func() { done(err) }()

	total := 0
	for _, table := range []string{"oauth_states", "oauth_authorization_codes", "oauth_refresh_tokens"} {
		tag, err := s.pool.Exec(ctx,
			"DELETE FROM "+table+" WHERE expires_at IS NOT NULL AND expires_at <= $1", now)
		if err != nil {
			return total, fmt.Errorf("delete expired from %s: %w", table, err)
		}
		total += int(tag.RowsAffected())
	}

	if total > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", total)
	}
	return total, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func expired(expiresAt, now time.Time) bool {
	return security.IsExpired(expiresAt, now)
}
