package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/storage"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = time.Minute

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	states  map[string]*storage.AuthorizationState
	codes   map[string]*storage.AuthorizationCode

	refreshTokens map[string]*storage.RefreshToken // token hash -> record
	families      map[string]map[string]struct{}   // family ID -> token hashes

	signingKeys map[string]*storage.SigningKey

	// lock-free counters read by metric callbacks
	clientsCount       atomic.Int64
	statesCount        atomic.Int64
	codesCount         atomic.Int64
	refreshTokensCount atomic.Int64

	observer *instrumentation.StorageObserver
	clock    security.Clock
	logger   *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Cleaner = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates an in-memory store whose cleanup loop runs every
// cleanupInterval. A non-positive interval uses DefaultCleanupInterval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		states:          make(map[string]*storage.AuthorizationState),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string]map[string]struct{}),
		signingKeys:     make(map[string]*storage.SigningKey),
		clock:           security.SystemClock,
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the time source used by the cleanup loop.
func (s *Store) SetClock(c security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = security.ClockOrDefault(c)
}

// SetInstrumentation enables spans and metrics for storage operations and
// registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = instrumentation.NewStorageObserver(inst, "memory")
	s.mu.Unlock()

	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.statesCount.Load,
		s.codesCount.Load,
		s.refreshTokensCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	return o.Start(ctx, operation)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.RLock()
			now := s.clock.Now()
			s.mu.RUnlock()
			_, _ = s.DeleteExpired(context.Background(), now)
		}
	}
}

// DeleteExpired removes expired states, codes and refresh tokens. Revoked
// refresh tokens stay until they expire so replays are still recognised as reuse.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	_, done := s.observe(ctx, "delete_expired")

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for key, state := range s.states {
		if security.IsExpired(state.ExpiresAt, now) {
			delete(s.states, key)
			s.statesCount.Add(-1)
			cleaned++
		}
	}

	for key, code := range s.codes {
		if security.IsExpired(code.ExpiresAt, now) {
			delete(s.codes, key)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for hash, rt := range s.refreshTokens {
		if rt.IsExpired(now) {
			s.deleteRefreshTokenLocked(hash, rt.FamilyID)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}

	done(nil)
	return cleaned, nil
}

func (s *Store) deleteRefreshTokenLocked(hash, familyID string) {
	delete(s.refreshTokens, hash)
	s.refreshTokensCount.Add(-1)
	if members, ok := s.families[familyID]; ok {
		delete(members, hash)
		if len(members) == 0 {
			delete(s.families, familyID)
		}
	}
}
