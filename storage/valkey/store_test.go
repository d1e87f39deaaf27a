package valkey

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/fitmetrics/authserver/internal/testutil"
	"github.com/fitmetrics/authserver/storage"
	"github.com/fitmetrics/authserver/storage/storagetest"
)

// testStore connects to VALKEY_TEST_ADDR when set and to an in-process
// miniredis otherwise. Each test gets its own key prefix.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	var mr *miniredis.Miniredis
	if addr == "" {
		mr = miniredis.RunT(t)
		addr = mr.Addr()
	}

	store, err := New(Config{
		Address:      addr,
		KeyPrefix:    "authtest:" + strings.ReplaceAll(t.Name(), "/", ":") + ":",
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})
	cleanupTestKeys(t, store)
	return store, mr
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	keys, err := s.scan(ctx, s.prefix+"*")
	if err != nil {
		t.Logf("Warning: failed to scan for cleanup: %v", err)
		return
	}
	for _, key := range keys {
		_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
	}
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, _ := testStore(t)
		return s
	})
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with empty address error = nil, want error")
	}
}

func TestStore_KeyTTL(t *testing.T) {
	s, mr := testStore(t)
	if mr == nil {
		t.Skip("TTL inspection needs miniredis")
	}
	ctx := context.Background()
	now := testutil.Epoch

	if err := s.SaveClient(ctx, testutil.NewTestClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	state := testutil.NewTestState("c1", now)
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	want := 10*time.Minute + DefaultExpiryGracePeriod
	if got := mr.TTL(s.stateKey(state.State)); got != want {
		t.Errorf("state TTL = %v, want %v", got, want)
	}

	// clients never expire
	if got := mr.TTL(s.clientKey("c1")); got != 0 {
		t.Errorf("client TTL = %v, want none", got)
	}

	mr.FastForward(want + time.Second)
	_, err := s.ConsumeState(ctx, state.State, "c1", now)
	if !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("ConsumeState() after TTL error = %v, want ErrStateNotFound", err)
	}
}

func TestStore_FamilyTTLCoversMembers(t *testing.T) {
	s, mr := testStore(t)
	if mr == nil {
		t.Skip("TTL inspection needs miniredis")
	}
	ctx := context.Background()
	now := testutil.Epoch

	first := testutil.NewTestRefreshToken("c1", "fam", now)
	first.ExpiresAt = now.Add(time.Hour)
	if err := s.SaveRefreshToken(ctx, first); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	next := testutil.NewTestRefreshToken("c1", "fam", now)
	next.ExpiresAt = now.Add(48 * time.Hour)
	if _, err := s.RotateRefreshToken(ctx, first.TokenHash, "c1", next, now); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	if got, want := mr.TTL(s.familyKey("fam")), 48*time.Hour+DefaultExpiryGracePeriod; got != want {
		t.Errorf("family TTL = %v, want %v", got, want)
	}
}

func TestStore_ListClients(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if err := s.SaveClient(ctx, testutil.NewTestClient(id)); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 2 || clients[0].ClientID != "a" || clients[1].ClientID != "b" {
		t.Errorf("ListClients() = %v, want [a b]", clients)
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
