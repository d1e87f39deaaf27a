package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/internal/testutil"
	"github.com/fitmetrics/authserver/storage"
	"github.com/fitmetrics/authserver/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour)
	t.Cleanup(s.Stop)
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient("c1")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	client.RedirectURIs[0] = "https://evil.example/cb"

	got, err := s.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	got.RedirectURIs[0] = "https://evil.example/cb"

	again, err := s.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !again.HasRedirectURI(testutil.TestRedirectURI) {
		t.Errorf("stored client mutated through caller reference: %v", again.RedirectURIs)
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testutil.Epoch

	if err := s.SaveClient(ctx, testutil.NewTestClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	state := testutil.NewTestState("c1", now)
	code := testutil.NewTestCode("c1", "", now)
	rt := testutil.NewTestRefreshToken("c1", "fam", now)
	for _, err := range []error{
		s.SaveState(ctx, state),
		s.SaveAuthorizationCode(ctx, code),
		s.SaveRefreshToken(ctx, rt),
	} {
		if err != nil {
			t.Fatalf("save error = %v", err)
		}
	}

	n, err := s.DeleteExpired(ctx, now.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteExpired() = %d, want 2 (state and code)", n)
	}
	if got := s.refreshTokensCount.Load(); got != 1 {
		t.Errorf("refresh tokens = %d, want 1", got)
	}

	n, err = s.DeleteExpired(ctx, rt.ExpiresAt)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}
	if _, err := s.GetRefreshToken(ctx, rt.TokenHash); err == nil {
		t.Error("expired refresh token still present")
	}
	if len(s.families) != 0 {
		t.Errorf("family index not cleaned: %v", s.families)
	}

	if got := s.statesCount.Load() + s.codesCount.Load() + s.refreshTokensCount.Load(); got != 0 {
		t.Errorf("size counters = %d after cleanup, want 0", got)
	}
}

func TestStore_CleanupLoop(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	s := NewWithInterval(10 * time.Millisecond)
	t.Cleanup(s.Stop)
	s.SetClock(clock)

	ctx := context.Background()
	if err := s.SaveClient(ctx, testutil.NewTestClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveState(ctx, testutil.NewTestState("c1", testutil.Epoch)); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	clock.Advance(time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for s.statesCount.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup loop did not remove the expired state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	s := newTestStore(t)
	s.SetInstrumentation(inst)

	if err := s.SaveClient(context.Background(), testutil.NewTestClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if got := s.clientsCount.Load(); got != 1 {
		t.Errorf("clientsCount = %d, want 1", got)
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := testutil.GenerateRandomString(12)
			_ = s.SaveClient(ctx, testutil.NewTestClient(id))
			_, _ = s.GetClient(ctx, id)
			_, _ = s.ListClients(ctx)
		}()
	}
	wg.Wait()

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 20 {
		t.Errorf("len(ListClients()) = %d, want 20", len(clients))
	}
}
