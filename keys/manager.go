package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/storage"
)

const (
	// DefaultKeySize is the RSA modulus size for generated keys.
	DefaultKeySize = 4096

	// MinKeySize is the smallest RSA modulus accepted.
	MinKeySize = 2048

	// DefaultMaxRetainedKeys is the total number of keys kept, active included.
	DefaultMaxRetainedKeys = 3

	// DefaultRotationInterval is the active key age that triggers rotation.
	DefaultRotationInterval = 90 * 24 * time.Hour

	// DefaultCheckInterval is how often Run evaluates ShouldRotate.
	DefaultCheckInterval = time.Hour

	// Algorithm is the JWS algorithm every key signs with.
	Algorithm = "RS256"
)

// Rotation reasons recorded in metrics and logs.
const (
	ReasonInitial   = "initial"
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
)

var (
	ErrNoActiveKey     = errors.New("no active signing key")
	ErrUnknownKeyID    = errors.New("unknown signing key id")
	ErrKeyExists       = errors.New("signing key id already exists")
	ErrKeySizeTooSmall = errors.New("RSA key size below minimum")
)

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	// KeySize is the RSA modulus size in bits (default 4096, minimum 2048).
	KeySize int

	// MaxRetainedKeys bounds the active key plus historical keys (default 3,
	// minimum 2 so the previous key keeps validating after a rotation).
	MaxRetainedKeys int

	// RotationInterval is the active key age after which ShouldRotate is true.
	RotationInterval time.Duration

	// CheckInterval is how often Run checks for rotation.
	CheckInterval time.Duration

	// Store persists key material. Nil keeps keys in memory only.
	Store storage.KeyStore

	// Encryptor seals private keys before they reach Store.
	Encryptor *security.Encryptor

	Clock  security.Clock
	Random io.Reader // default crypto/rand.Reader

	Logger  *slog.Logger
	Auditor *security.Auditor
}

// Key is a retained RSA signing key.
type Key struct {
	KID        string
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
}

// Public returns the public half of the key.
func (k *Key) Public() *rsa.PublicKey {
	return &k.PrivateKey.PublicKey
}

// Manager owns the set of retained signing keys. Reads may run concurrently
// with a rotation; rotations are serialized.
type Manager struct {
	mu        sync.RWMutex
	keys      map[string]*Key
	order     []string // ascending (CreatedAt, KID)
	activeKID string

	// rotateMu admits one generate/rotate critical section at a time.
	rotateMu sync.Mutex

	keySize          int
	maxRetained      int
	rotationInterval time.Duration
	checkInterval    time.Duration

	store     storage.KeyStore
	encryptor *security.Encryptor
	clock     security.Clock
	random    io.Reader
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
}

// NewManager validates cfg and returns an empty Manager. Call Load and
// EnsureActiveKey before signing.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.KeySize == 0 {
		cfg.KeySize = DefaultKeySize
	}
	if cfg.KeySize < MinKeySize {
		return nil, fmt.Errorf("%w: %d < %d", ErrKeySizeTooSmall, cfg.KeySize, MinKeySize)
	}
	if cfg.MaxRetainedKeys == 0 {
		cfg.MaxRetainedKeys = DefaultMaxRetainedKeys
	}
	if cfg.MaxRetainedKeys < 2 {
		return nil, fmt.Errorf("max retained keys must be at least 2, got %d", cfg.MaxRetainedKeys)
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		keys:             make(map[string]*Key),
		keySize:          cfg.KeySize,
		maxRetained:      cfg.MaxRetainedKeys,
		rotationInterval: cfg.RotationInterval,
		checkInterval:    cfg.CheckInterval,
		store:            cfg.Store,
		encryptor:        cfg.Encryptor,
		clock:            security.ClockOrDefault(cfg.Clock),
		random:           cfg.Random,
		logger:           cfg.Logger,
		auditor:          cfg.Auditor,
	}, nil
}

// SetInstrumentation enables key lifecycle metrics.
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}
	m.metrics = inst.Metrics()
	return inst.RegisterRetainedKeysCallback(func() int64 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return int64(len(m.order))
	})
}

// Load replaces the in-memory registry with the keys persisted in the store.
// When no stored key is flagged active, the newest one becomes active.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	stored, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list signing keys: %w", err)
	}

	loaded := make(map[string]*Key, len(stored))
	active := ""
	for _, sk := range stored {
		key, err := m.open(sk)
		if err != nil {
			return fmt.Errorf("failed to load signing key %s: %w", sk.KID, err)
		}
		loaded[sk.KID] = key
		if sk.Active {
			active = sk.KID
		}
	}

	m.mu.Lock()
	m.keys = loaded
	m.order = m.order[:0]
	for kid := range loaded {
		m.order = append(m.order, kid)
	}
	m.sortLocked()
	flagged := active != ""
	if !flagged && len(m.order) > 0 {
		active = m.order[len(m.order)-1]
	}
	m.activeKID = active
	count := len(m.order)
	m.mu.Unlock()

	if !flagged && active != "" {
		// record the choice so every replica agrees on it
		if err := m.store.SetActiveSigningKey(ctx, active); err != nil {
			m.logger.Warn("Failed to mark signing key active", "kid", active, "error", err)
		}
	}

	m.logger.Info("Loaded signing keys", "count", count, "active_kid", active)
	return nil
}

// EnsureActiveKey rotates when no active key exists.
func (m *Manager) EnsureActiveKey(ctx context.Context) error {
	if _, err := m.Active(); err == nil {
		return nil
	}
	_, err := m.rotate(ctx, ReasonInitial)
	return err
}

// Generate creates an RSA key with the given kid and makes it active. The
// previous active key becomes historical. Generate never prunes.
func (m *Manager) Generate(ctx context.Context, kid string, bits int) (*Key, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	return m.generateLocked(ctx, kid, bits)
}

// Rotate generates a new active key with a timestamp-derived kid, then prunes
// the oldest historical keys beyond the retention cap.
func (m *Manager) Rotate(ctx context.Context) (*Key, error) {
	return m.rotate(ctx, ReasonManual)
}

func (m *Manager) rotate(ctx context.Context, reason string) (*Key, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	kid, err := m.newKID()
	if err != nil {
		return nil, err
	}
	key, err := m.generateLocked(ctx, kid, m.keySize)
	if err != nil {
		return nil, err
	}

	pruned, err := m.pruneLocked(ctx)
	if err != nil {
		// the new key is active; pruning is retried on the next rotation
		m.logger.Warn("Failed to prune signing keys", "error", err)
	}

	if m.metrics != nil {
		m.metrics.RecordKeyRotation(ctx, reason)
		if pruned > 0 {
			m.metrics.RecordKeysPruned(ctx, pruned)
		}
	}
	m.logger.Info("Rotated signing key", "kid", kid, "reason", reason, "pruned", pruned)
	return key, nil
}

// generateLocked must be called with rotateMu held.
func (m *Manager) generateLocked(ctx context.Context, kid string, bits int) (*Key, error) {
	if bits < MinKeySize {
		return nil, fmt.Errorf("%w: %d < %d", ErrKeySizeTooSmall, bits, MinKeySize)
	}
	if kid == "" {
		return nil, fmt.Errorf("kid is required")
	}

	m.mu.RLock()
	_, exists := m.keys[kid]
	m.mu.RUnlock()
	if exists {
		return nil, ErrKeyExists
	}

	priv, err := rsa.GenerateKey(m.random, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	key := &Key{KID: kid, PrivateKey: priv, CreatedAt: m.clock.Now()}

	if err := m.persist(ctx, key); err != nil {
		return nil, err
	}

	// insert and activate in one step so signers never see a gap
	m.mu.Lock()
	m.keys[kid] = key
	m.order = append(m.order, kid)
	m.sortLocked()
	m.activeKID = kid
	m.mu.Unlock()

	m.auditor.LogKeyGenerated(ctx, kid, bits)
	return key, nil
}

func (m *Manager) persist(ctx context.Context, key *Key) error {
	if m.store == nil {
		return nil
	}

	sk, err := m.seal(key)
	if err != nil {
		return err
	}
	// stored and activated in one step so a failure never leaves an orphan
	sk.Active = true
	if err := m.store.SaveSigningKey(ctx, sk); err != nil {
		if errors.Is(err, storage.ErrSigningKeyExists) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	return nil
}

// pruneLocked must be called with rotateMu held. It returns the number of
// keys removed.
func (m *Manager) pruneLocked(ctx context.Context) (int, error) {
	var victims []string

	m.mu.RLock()
	excess := len(m.order) - m.maxRetained
	for _, kid := range m.order {
		if excess <= 0 {
			break
		}
		if kid == m.activeKID {
			continue
		}
		victims = append(victims, kid)
		excess--
	}
	m.mu.RUnlock()

	pruned := 0
	for _, kid := range victims {
		if m.store != nil {
			if err := m.store.DeleteSigningKey(ctx, kid); err != nil && !errors.Is(err, storage.ErrSigningKeyNotFound) {
				return pruned, fmt.Errorf("failed to delete signing key %s: %w", kid, err)
			}
		}

		m.mu.Lock()
		delete(m.keys, kid)
		m.removeFromOrderLocked(kid)
		m.mu.Unlock()

		m.auditor.LogKeyPruned(ctx, kid)
		pruned++
	}
	return pruned, nil
}

// ShouldRotate reports whether there is no active key or the active key is at
// least RotationInterval old.
func (m *Manager) ShouldRotate() bool {
	active, err := m.Active()
	if err != nil {
		return true
	}
	return m.clock.Now().Sub(active.CreatedAt) >= m.rotationInterval
}

// Get returns a retained key by kid.
func (m *Manager) Get(kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	return key, nil
}

// Active returns the key new tokens are signed with.
func (m *Manager) Active() (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[m.activeKID]
	if !ok {
		return nil, ErrNoActiveKey
	}
	return key, nil
}

// Keys returns every retained key, oldest first.
func (m *Manager) Keys() []*Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Key, 0, len(m.order))
	for _, kid := range m.order {
		out = append(out, m.keys[kid])
	}
	return out
}

// ActiveKID returns the active kid, or "" when there is none.
func (m *Manager) ActiveKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeKID
}

// ExportJWKS returns the public half of every retained key. Consumers must
// select keys by kid; the order carries no meaning.
func (m *Manager) ExportJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.order))}
	for _, kid := range m.order {
		key := m.keys[kid]
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Public(),
			KeyID:     kid,
			Algorithm: Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// Run checks ShouldRotate every CheckInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.Info("Started signing key rotation loop",
		"check_interval", m.checkInterval,
		"rotation_interval", m.rotationInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.ShouldRotate() {
				continue
			}
			if _, err := m.rotate(ctx, ReasonScheduled); err != nil {
				m.logger.Error("Scheduled key rotation failed", "error", err)
			}
		}
	}
}

// newKID returns key_YYYYMMDD_HHMMSS_<8 hex>.
func (m *Manager) newKID() (string, error) {
	var suffix [4]byte
	if _, err := io.ReadFull(m.random, suffix[:]); err != nil {
		return "", fmt.Errorf("failed to generate kid: %w", err)
	}
	return "key_" + m.clock.Now().UTC().Format("20060102_150405") + "_" + hex.EncodeToString(suffix[:]), nil
}

// sortLocked orders keys by creation time, then kid for keys created within
// the same clock tick.
func (m *Manager) sortLocked() {
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.keys[m.order[i]], m.keys[m.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.KID < b.KID
	})
}

func (m *Manager) removeFromOrderLocked(kid string) {
	for i, k := range m.order {
		if k == kid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) seal(key *Key) (*storage.SigningKey, error) {
	pemBytes, err := EncodePrivateKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sealed, err := m.encryptor.Seal(pemBytes, []byte(key.KID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt signing key: %w", err)
	}
	return &storage.SigningKey{
		KID:           key.KID,
		PrivateKeyPEM: sealed,
		Encrypted:     m.encryptor.IsEnabled(),
		CreatedAt:     key.CreatedAt,
	}, nil
}

func (m *Manager) open(sk *storage.SigningKey) (*Key, error) {
	data := []byte(sk.PrivateKeyPEM)
	if sk.Encrypted {
		if !m.encryptor.IsEnabled() {
			return nil, fmt.Errorf("key is encrypted but no encryption key is configured")
		}
		plain, err := m.encryptor.Open(sk.PrivateKeyPEM, []byte(sk.KID))
		if err != nil {
			return nil, err
		}
		data = plain
	}

	priv, err := DecodePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return &Key{KID: sk.KID, PrivateKey: priv, CreatedAt: sk.CreatedAt}, nil
}
