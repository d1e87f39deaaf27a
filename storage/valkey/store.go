package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authserver:"

	// DefaultExpiryGracePeriod is added to every key TTL so an entry outlives
	// its logical expiry long enough to report "expired" rather than "not found".
	DefaultExpiryGracePeriod = time.Minute

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authserver:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client-side caching. Required for servers that do
	// not implement CLIENT TRACKING.
	DisableCache bool

	// ExpiryGracePeriod is added to key TTLs (default 1 minute).
	ExpiryGracePeriod time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
//
// Clients are stored as JSON strings. States, codes, refresh tokens and
// signing keys are hashes so Lua scripts can check and update individual
// fields atomically. Family revocation touches keys not declared in KEYS and
// therefore needs a standalone (non-cluster) deployment.
type Store struct {
	client   valkeygo.Client
	prefix   string
	grace    time.Duration
	logger   *slog.Logger
	observer *instrumentation.StorageObserver
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		Password:     cfg.Password,
		TLSConfig:    cfg.TLS,
		DisableCache: cfg.DisableCache,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB, TLS and
// DisableCache in cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	grace := cfg.ExpiryGracePeriod
	if grace <= 0 {
		grace = DefaultExpiryGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: client,
		prefix: prefix,
		grace:  grace,
		logger: logger,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetInstrumentation enables spans and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, "valkey")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) stateKey(state string) string { return s.prefix + "state:" + state }
func (s *Store) codeKey(code string) string { return s.prefix + "code:" + code }
func (s *Store) refreshKey(hash string) string { return s.prefix + "refresh:" + hash }
func (s *Store) familyKey(familyID string) string { return s.prefix + "family:" + familyID }
func (s *Store) signingKeyKey(kid string) string { return s.prefix + "signing_key:" + kid }
func (s *Store) activeSigningKeyKey() string { return s.prefix + "signing_key_active" }

// ttlMillis returns the key lifetime for an artifact living from start to
// end, plus the grace period. Zero means no expiry.
func (s *Store) ttlMillis(start, end time.Time) int64 {
	if end.IsZero() {
		return 0
	}
	if start.IsZero() {
		start = time.Now()
	}
	ttl := end.Sub(start) + s.grace
	if ttl < s.grace {
		ttl = s.grace
	}
	return ttl.Milliseconds()
}

// eval runs a Lua script and returns its string array reply. The first
// element is the status; the rest are HGETALL field/value pairs.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (string, fields, error) {
	reply, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).AsStrSlice()
	if err != nil {
		return "", nil, err
	}
	if len(reply) == 0 {
		return "", nil, fmt.Errorf("empty script reply")
	}
	return reply[0], pairs(reply[1:]), nil
}

// fields is a decoded hash.
type fields map[string]string

func pairs(kv []string) fields {
	f := make(fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[kv[i]] = kv[i+1]
	}
	return f
}

func (f fields) time(name string) time.Time {
	ms, _ := strconv.ParseInt(f[name], 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (f fields) bool(name string) bool {
	return f[name] == "1"
}

func (f fields) int(name string) int {
	n, _ := strconv.Atoi(f[name])
	return n
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func isNil(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
