// Package storagetest is a conformance suite every storage.Store backend runs
// from its own tests.
//
//	func TestConformance(t *testing.T) {
//	    storagetest.Run(t, func(t *testing.T) storage.Store {
//	        s := memory.New()
//	        t.Cleanup(s.Stop)
//	        return s
//	    })
//	}
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitmetrics/authserver/internal/testutil"
	"github.com/fitmetrics/authserver/storage"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run runs every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore) })
	t.Run("State", func(t *testing.T) { testState(t, newStore) })
	t.Run("AuthorizationCode", func(t *testing.T) { testAuthorizationCode(t, newStore) })
	t.Run("RefreshToken", func(t *testing.T) { testRefreshToken(t, newStore) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newStore) })
}

func storeWithClient(t *testing.T, newStore Factory, clientIDs ...string) storage.Store {
	t.Helper()
	s := newStore(t)
	for _, id := range clientIDs {
		if err := s.SaveClient(context.Background(), testutil.NewTestClient(id)); err != nil {
			t.Fatalf("SaveClient(%q) error = %v", id, err)
		}
	}
	return s
}

func wantErr(t *testing.T, op string, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("%s error = %v, want %v", op, got, want)
	}
}

func testClients(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")

		got, err := s.GetClient(ctx, "c1")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if !got.HasRedirectURI(testutil.TestRedirectURI) {
			t.Errorf("RedirectURIs = %v, want %q", got.RedirectURIs, testutil.TestRedirectURI)
		}
		if !got.HasGrantType("refresh_token") {
			t.Errorf("GrantTypes = %v, want refresh_token", got.GrantTypes)
		}
		if got.ClientType != storage.ClientTypePublic {
			t.Errorf("ClientType = %q, want public", got.ClientType)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		wantErr(t, "SaveClient()", s.SaveClient(ctx, testutil.NewTestClient("c1")), storage.ErrClientExists)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetClient(ctx, "missing")
		wantErr(t, "GetClient()", err, storage.ErrClientNotFound)
	})

	t.Run("update", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")

		client := testutil.NewTestClient("c1")
		client.ClientName = "Renamed"
		client.RedirectURIs = []string{"https://ex.com/other"}
		if err := s.UpdateClient(ctx, client); err != nil {
			t.Fatalf("UpdateClient() error = %v", err)
		}

		got, err := s.GetClient(ctx, "c1")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if got.ClientName != "Renamed" {
			t.Errorf("ClientName = %q, want Renamed", got.ClientName)
		}
		if got.HasRedirectURI(testutil.TestRedirectURI) || !got.HasRedirectURI("https://ex.com/other") {
			t.Errorf("RedirectURIs = %v after update", got.RedirectURIs)
		}

		wantErr(t, "UpdateClient()", s.UpdateClient(ctx, testutil.NewTestClient("missing")), storage.ErrClientNotFound)
	})

	t.Run("list", func(t *testing.T) {
		s := storeWithClient(t, newStore, "b", "a", "c")
		clients, err := s.ListClients(ctx)
		if err != nil {
			t.Fatalf("ListClients() error = %v", err)
		}
		if len(clients) != 3 {
			t.Fatalf("len(ListClients()) = %d, want 3", len(clients))
		}
	})

	t.Run("validate secret", func(t *testing.T) {
		s := newStore(t)

		hash, err := storage.HashClientSecret("s3cret")
		if err != nil {
			t.Fatalf("HashClientSecret() error = %v", err)
		}
		confidential := testutil.NewTestClient("conf")
		confidential.ClientType = storage.ClientTypeConfidential
		confidential.ClientSecretHash = hash
		confidential.TokenEndpointAuthMethod = "client_secret_basic"
		if err := s.SaveClient(ctx, confidential); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
		if err := s.SaveClient(ctx, testutil.NewTestClient("pub")); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}

		tests := []struct {
			name     string
			clientID string
			secret   string
			wantErr  bool
		}{
			{name: "correct secret", clientID: "conf", secret: "s3cret"},
			{name: "wrong secret", clientID: "conf", secret: "nope", wantErr: true},
			{name: "empty secret", clientID: "conf", secret: "", wantErr: true},
			{name: "public client", clientID: "pub", secret: ""},
			{name: "unknown client", clientID: "ghost", secret: "s3cret", wantErr: true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
				if (err != nil) != tt.wantErr {
					t.Fatalf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
				}
				if err != nil && !errors.Is(err, storage.ErrInvalidSecret) {
					t.Errorf("ValidateClientSecret() error = %v, want ErrInvalidSecret", err)
				}
			})
		}
	})
}

func testState(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := testutil.Epoch

	t.Run("requires existing client", func(t *testing.T) {
		s := newStore(t)
		wantErr(t, "SaveState()", s.SaveState(ctx, testutil.NewTestState("ghost", now)), storage.ErrClientNotFound)
	})

	t.Run("duplicate", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		st := testutil.NewTestState("c1", now)
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}
		wantErr(t, "SaveState()", s.SaveState(ctx, st), storage.ErrStateExists)
	})

	t.Run("consumed exactly once", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		st := testutil.NewTestState("c1", now)
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}

		got, err := s.ConsumeState(ctx, st.State, "c1", now.Add(time.Minute))
		if err != nil {
			t.Fatalf("ConsumeState() error = %v", err)
		}
		if got.RedirectURI != st.RedirectURI || got.CodeChallenge != st.CodeChallenge ||
			got.UserID != st.UserID || got.TenantID != st.TenantID || got.Scope != st.Scope {
			t.Errorf("ConsumeState() payload = %+v, want %+v", got, st)
		}

		for i := 0; i < 3; i++ {
			_, err = s.ConsumeState(ctx, st.State, "c1", now.Add(time.Minute))
			wantErr(t, "second ConsumeState()", err, storage.ErrStateUsed)
		}
	})

	t.Run("wrong client has no side effect", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1", "c2")
		st := testutil.NewTestState("c1", now)
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}

		for i := 0; i < 3; i++ {
			_, err := s.ConsumeState(ctx, st.State, "c2", now)
			wantErr(t, "ConsumeState(wrong client)", err, storage.ErrClientMismatch)
		}

		if _, err := s.ConsumeState(ctx, st.State, "c1", now); err != nil {
			t.Fatalf("ConsumeState(owner) error = %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		_, err := s.ConsumeState(ctx, "nope", "c1", now)
		wantErr(t, "ConsumeState()", err, storage.ErrStateNotFound)
	})

	t.Run("expired at expires_at", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		st := testutil.NewTestState("c1", now)
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}

		_, err := s.ConsumeState(ctx, st.State, "c1", st.ExpiresAt)
		wantErr(t, "ConsumeState()", err, storage.ErrStateExpired)

		// a failed attempt must not have marked it used
		if _, err := s.ConsumeState(ctx, st.State, "c1", st.ExpiresAt.Add(-time.Second)); err != nil {
			t.Fatalf("ConsumeState() before expiry error = %v", err)
		}
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		st := testutil.NewTestState("c1", now)
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}

		wins := race(20, func() error {
			_, err := s.ConsumeState(ctx, st.State, "c1", now)
			return err
		})
		if wins != 1 {
			t.Fatalf("successful concurrent ConsumeState() calls = %d, want 1", wins)
		}
	})
}

func race(n int, fn func() error) int {
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if fn() == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return int(wins.Load())
}

func testAuthorizationCode(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := testutil.Epoch
	challenge, _ := testutil.GeneratePKCEPair()

	redeem := func(code *storage.AuthorizationCode) storage.CodeRedemption {
		return storage.CodeRedemption{
			Code:          code.Code,
			ClientID:      code.ClientID,
			RedirectURI:   code.RedirectURI,
			CodeChallenge: code.CodeChallenge,
			Now:           now.Add(time.Minute),
		}
	}

	saved := func(t *testing.T, s storage.Store, clientID, challenge string) *storage.AuthorizationCode {
		t.Helper()
		code := testutil.NewTestCode(clientID, challenge, now)
		if err := s.SaveAuthorizationCode(ctx, code); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
		return code
	}

	t.Run("requires existing client", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveAuthorizationCode(ctx, testutil.NewTestCode("ghost", challenge, now))
		wantErr(t, "SaveAuthorizationCode()", err, storage.ErrClientNotFound)
	})

	t.Run("redeemed exactly once", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		code := saved(t, s, "c1", challenge)

		got, err := s.ConsumeAuthorizationCode(ctx, redeem(code))
		if err != nil {
			t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
		}
		if got.UserID != code.UserID || got.Scope != code.Scope || got.TenantID != code.TenantID {
			t.Errorf("ConsumeAuthorizationCode() = %+v, want %+v", got, code)
		}

		again, err := s.ConsumeAuthorizationCode(ctx, redeem(code))
		wantErr(t, "second ConsumeAuthorizationCode()", err, storage.ErrAuthorizationCodeUsed)
		if again == nil || again.ClientID != "c1" {
			t.Errorf("reused code not returned with ErrAuthorizationCodeUsed: %+v", again)
		}
	})

	t.Run("get does not consume", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		code := saved(t, s, "c1", challenge)

		got, err := s.GetAuthorizationCode(ctx, code.Code)
		if err != nil {
			t.Fatalf("GetAuthorizationCode() error = %v", err)
		}
		if got.Used || got.ClientID != "c1" || got.CodeChallenge != challenge {
			t.Errorf("GetAuthorizationCode() = %+v", got)
		}
		if _, err := s.ConsumeAuthorizationCode(ctx, redeem(code)); err != nil {
			t.Fatalf("ConsumeAuthorizationCode() after get error = %v", err)
		}
		got, err = s.GetAuthorizationCode(ctx, code.Code)
		if err != nil {
			t.Fatalf("GetAuthorizationCode() after consume error = %v", err)
		}
		if !got.Used {
			t.Error("GetAuthorizationCode() after consume: Used = false, want true")
		}

		_, err = s.GetAuthorizationCode(ctx, "unknown")
		wantErr(t, "GetAuthorizationCode(unknown)", err, storage.ErrAuthorizationCodeNotFound)
	})

	t.Run("empty challenge matches empty", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		code := saved(t, s, "c1", "")
		if _, err := s.ConsumeAuthorizationCode(ctx, redeem(code)); err != nil {
			t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
		}
	})

	mismatches := []struct {
		name   string
		mutate func(r *storage.CodeRedemption)
		want   error
	}{
		{"unknown code", func(r *storage.CodeRedemption) { r.Code = "unknown" }, storage.ErrAuthorizationCodeNotFound},
		{"wrong client", func(r *storage.CodeRedemption) { r.ClientID = "c2" }, storage.ErrClientMismatch},
		{"redirect differs by trailing slash", func(r *storage.CodeRedemption) { r.RedirectURI += "/" }, storage.ErrRedirectURIMismatch},
		{"redirect differs by case", func(r *storage.CodeRedemption) { r.RedirectURI = "https://EX.com/cb" }, storage.ErrRedirectURIMismatch},
		{"wrong challenge", func(r *storage.CodeRedemption) { r.CodeChallenge += "x" }, storage.ErrPKCEMismatch},
		{"missing verifier", func(r *storage.CodeRedemption) { r.CodeChallenge = "" }, storage.ErrPKCEMismatch},
		{"expired at expires_at", func(r *storage.CodeRedemption) { r.Now = now.Add(10 * time.Minute) }, storage.ErrAuthorizationCodeExpired},
	}
	for _, tt := range mismatches {
		t.Run(tt.name+" has no side effect", func(t *testing.T) {
			s := storeWithClient(t, newStore, "c1", "c2")
			code := saved(t, s, "c1", challenge)

			r := redeem(code)
			tt.mutate(&r)
			_, err := s.ConsumeAuthorizationCode(ctx, r)
			wantErr(t, "ConsumeAuthorizationCode()", err, tt.want)

			if _, err := s.ConsumeAuthorizationCode(ctx, redeem(code)); err != nil {
				t.Fatalf("ConsumeAuthorizationCode() after failed attempt error = %v", err)
			}
		})
	}

	t.Run("concurrent redemption", func(t *testing.T) {
		s := storeWithClient(t, newStore, "c1")
		code := saved(t, s, "c1", challenge)

		wins := race(20, func() error {
			_, err := s.ConsumeAuthorizationCode(ctx, redeem(code))
			return err
		})
		if wins != 1 {
			t.Fatalf("successful concurrent redemptions = %d, want 1", wins)
		}
	})
}

func testRefreshToken(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := testutil.Epoch

	next := func(prev *storage.RefreshToken) *storage.RefreshToken {
		n := testutil.NewTestRefreshToken(prev.ClientID, prev.FamilyID, now)
		n.ParentHash = prev.TokenHash
		n.Generation = prev.Generation + 1
		return n
	}

	seeded := func(t *testing.T, clientIDs ...string) (storage.Store, *storage.RefreshToken) {
		t.Helper()
		s := storeWithClient(t, newStore, clientIDs...)
		rt := testutil.NewTestRefreshToken(clientIDs[0], "fam-1", now)
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
		return s, rt
	}

	t.Run("save and get", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		got, err := s.GetRefreshToken(ctx, rt.TokenHash)
		if err != nil {
			t.Fatalf("GetRefreshToken() error = %v", err)
		}
		if got.FamilyID != "fam-1" || got.Generation != 1 || got.Revoked {
			t.Errorf("GetRefreshToken() = %+v", got)
		}
		if !got.ExpiresAt.Equal(rt.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, rt.ExpiresAt)
		}

		_, err = s.GetRefreshToken(ctx, "missing")
		wantErr(t, "GetRefreshToken()", err, storage.ErrRefreshTokenNotFound)
	})

	t.Run("rotation revokes predecessor", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		n1 := next(rt)

		if _, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", n1, now); err != nil {
			t.Fatalf("RotateRefreshToken() error = %v", err)
		}

		old, err := s.GetRefreshToken(ctx, rt.TokenHash)
		if err != nil {
			t.Fatalf("GetRefreshToken(old) error = %v", err)
		}
		if !old.Revoked {
			t.Error("predecessor not revoked after rotation")
		}

		got, err := s.GetRefreshToken(ctx, n1.TokenHash)
		if err != nil {
			t.Fatalf("GetRefreshToken(new) error = %v", err)
		}
		if got.ParentHash != rt.TokenHash || got.Generation != 2 {
			t.Errorf("new token lineage = (%q, %d), want (%q, 2)", got.ParentHash, got.Generation, rt.TokenHash)
		}

		// the same predecessor can never produce a second live token
		prev, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", next(rt), now)
		wantErr(t, "RotateRefreshToken(revoked)", err, storage.ErrRefreshTokenRevoked)
		if prev == nil || prev.FamilyID != "fam-1" {
			t.Errorf("revoked token not returned with ErrRefreshTokenRevoked: %+v", prev)
		}

		// the successor rotates exactly once more
		if _, err := s.RotateRefreshToken(ctx, n1.TokenHash, "c1", next(n1), now); err != nil {
			t.Fatalf("RotateRefreshToken(successor) error = %v", err)
		}
	})

	t.Run("wrong client has no side effect", func(t *testing.T) {
		s, rt := seeded(t, "c1", "c2")

		_, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c2", next(rt), now)
		wantErr(t, "RotateRefreshToken()", err, storage.ErrClientMismatch)

		if _, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", next(rt), now); err != nil {
			t.Fatalf("RotateRefreshToken(owner) error = %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		_, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", next(rt), rt.ExpiresAt)
		wantErr(t, "RotateRefreshToken()", err, storage.ErrRefreshTokenExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		_, err := s.RotateRefreshToken(ctx, "missing", "c1", next(rt), now)
		wantErr(t, "RotateRefreshToken()", err, storage.ErrRefreshTokenNotFound)
	})

	t.Run("concurrent rotation", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		wins := race(10, func() error {
			_, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", next(rt), now)
			return err
		})
		if wins != 1 {
			t.Fatalf("successful concurrent rotations = %d, want 1", wins)
		}
	})

	t.Run("revoke single", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		if err := s.RevokeRefreshToken(ctx, rt.TokenHash, now); err != nil {
			t.Fatalf("RevokeRefreshToken() error = %v", err)
		}
		if err := s.RevokeRefreshToken(ctx, rt.TokenHash, now); err != nil {
			t.Fatalf("RevokeRefreshToken() twice error = %v", err)
		}
		wantErr(t, "RevokeRefreshToken()", s.RevokeRefreshToken(ctx, "missing", now), storage.ErrRefreshTokenNotFound)

		_, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", next(rt), now)
		wantErr(t, "RotateRefreshToken()", err, storage.ErrRefreshTokenRevoked)
	})

	t.Run("revoke family", func(t *testing.T) {
		s, rt := seeded(t, "c1")
		n1 := next(rt)
		if _, err := s.RotateRefreshToken(ctx, rt.TokenHash, "c1", n1, now); err != nil {
			t.Fatalf("RotateRefreshToken() error = %v", err)
		}
		other := testutil.NewTestRefreshToken("c1", "fam-2", now)
		if err := s.SaveRefreshToken(ctx, other); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}

		n, err := s.RevokeRefreshTokenFamily(ctx, "fam-1", now)
		if err != nil {
			t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
		}
		if n != 1 {
			t.Errorf("RevokeRefreshTokenFamily() = %d, want 1 live token revoked", n)
		}

		got, err := s.GetRefreshToken(ctx, n1.TokenHash)
		if err != nil {
			t.Fatalf("GetRefreshToken() error = %v", err)
		}
		if !got.Revoked {
			t.Error("family member still live after family revocation")
		}

		unrelated, err := s.GetRefreshToken(ctx, other.TokenHash)
		if err != nil {
			t.Fatalf("GetRefreshToken() error = %v", err)
		}
		if unrelated.Revoked {
			t.Error("token from another family was revoked")
		}

		if n, _ := s.RevokeRefreshTokenFamily(ctx, "unknown-family", now); n != 0 {
			t.Errorf("RevokeRefreshTokenFamily(unknown) = %d, want 0", n)
		}
	})
}

func testSigningKeys(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := testutil.Epoch

	key := func(kid string, offset time.Duration) *storage.SigningKey {
		return &storage.SigningKey{
			KID:           kid,
			PrivateKeyPEM: "pem-" + kid,
			CreatedAt:     base.Add(offset),
		}
	}

	s := newStore(t)
	for _, k := range []*storage.SigningKey{key("key_b", 0), key("key_c", time.Hour), key("key_a", 0)} {
		if err := s.SaveSigningKey(ctx, k); err != nil {
			t.Fatalf("SaveSigningKey(%s) error = %v", k.KID, err)
		}
	}
	wantErr(t, "SaveSigningKey(duplicate)", s.SaveSigningKey(ctx, key("key_a", 0)), storage.ErrSigningKeyExists)

	if err := s.SetActiveSigningKey(ctx, "key_b"); err != nil {
		t.Fatalf("SetActiveSigningKey() error = %v", err)
	}
	if err := s.SetActiveSigningKey(ctx, "key_c"); err != nil {
		t.Fatalf("SetActiveSigningKey() error = %v", err)
	}
	wantErr(t, "SetActiveSigningKey(unknown)", s.SetActiveSigningKey(ctx, "nope"), storage.ErrSigningKeyNotFound)

	keys, err := s.ListSigningKeys(ctx)
	if err != nil {
		t.Fatalf("ListSigningKeys() error = %v", err)
	}
	wantOrder := []string{"key_a", "key_b", "key_c"}
	if len(keys) != len(wantOrder) {
		t.Fatalf("len(ListSigningKeys()) = %d, want %d", len(keys), len(wantOrder))
	}
	active := 0
	for i, k := range keys {
		if k.KID != wantOrder[i] {
			t.Errorf("keys[%d].KID = %q, want %q", i, k.KID, wantOrder[i])
		}
		if k.PrivateKeyPEM != "pem-"+k.KID {
			t.Errorf("keys[%d].PrivateKeyPEM = %q", i, k.PrivateKeyPEM)
		}
		if k.Active {
			active++
			if k.KID != "key_c" {
				t.Errorf("active key = %q, want key_c", k.KID)
			}
		}
	}
	if active != 1 {
		t.Errorf("active keys = %d, want exactly 1", active)
	}

	if err := s.DeleteSigningKey(ctx, "key_a"); err != nil {
		t.Fatalf("DeleteSigningKey() error = %v", err)
	}
	wantErr(t, "DeleteSigningKey(again)", s.DeleteSigningKey(ctx, "key_a"), storage.ErrSigningKeyNotFound)

	keys, err = s.ListSigningKeys(ctx)
	if err != nil {
		t.Fatalf("ListSigningKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("len(ListSigningKeys()) = %d, want 2", len(keys))
	}

	activated := key("key_d", 2*time.Hour)
	activated.Active = true
	if err := s.SaveSigningKey(ctx, activated); err != nil {
		t.Fatalf("SaveSigningKey(active) error = %v", err)
	}
	keys, err = s.ListSigningKeys(ctx)
	if err != nil {
		t.Fatalf("ListSigningKeys() error = %v", err)
	}
	for _, k := range keys {
		if k.Active != (k.KID == "key_d") {
			t.Errorf("key %s Active = %v after saving key_d as active", k.KID, k.Active)
		}
	}
}
