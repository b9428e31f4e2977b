package tokenmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-gateway/localgw/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	key, err := store.DeriveKey("test-passphrase")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	st, err := store.Open(filepath.Join(dir, "gateway.db"), store.StaticKeyProvider{Key: key})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil, nil), st
}

func seedAccount(t *testing.T, st *store.Store, id, email string, expiry int64) {
	t.Helper()
	if err := st.Add(&store.Account{
		ID:       id,
		Provider: "google",
		Email:    email,
		Status:   store.StatusActive,
		Token:    store.Token{AccessToken: "at-" + id, ExpiryTimestamp: expiry, ProjectID: "proj-" + id},
	}); err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

// S1 — round-robin rotation.
func TestS1RoundRobinRotation(t *testing.T) {
	mgr, st := newTestManager(t)
	far := time.Now().Add(time.Hour).Unix()
	seedAccount(t, st, "A", "a@example.com", far)
	seedAccount(t, st, "B", "b@example.com", far)
	seedAccount(t, st, "C", "c@example.com", far)

	var order []string
	for i := 0; i < 4; i++ {
		got, err := mgr.GetNext(context.Background(), "gpt-4")
		if err != nil {
			t.Fatalf("GetNext failed: %v", err)
		}
		if got == nil {
			t.Fatalf("GetNext returned nil on call %d", i)
		}
		order = append(order, got.ID)
	}
	expected := []string{"A", "B", "C", "A"}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

// S2 — model-filtered routing.
func TestS2ModelFilteredRouting(t *testing.T) {
	mgr, st := newTestManager(t)
	far := time.Now().Add(time.Hour).Unix()
	if err := st.Add(&store.Account{
		ID: "A", Provider: "google", Email: "a@example.com", Status: store.StatusActive,
		Token: store.Token{ExpiryTimestamp: far, ProjectID: "p"}, SelectedModels: []string{"models/gemini-2.5-pro"},
	}); err != nil {
		t.Fatalf("seed A: %v", err)
	}
	if err := st.Add(&store.Account{
		ID: "B", Provider: "google", Email: "b@example.com", Status: store.StatusActive,
		Token: store.Token{ExpiryTimestamp: far, ProjectID: "p"},
	}); err != nil {
		t.Fatalf("seed B: %v", err)
	}

	for i := 0; i < 100; i++ {
		got, err := mgr.GetNext(context.Background(), "gemini-2.5-pro")
		if err != nil {
			t.Fatalf("GetNext failed: %v", err)
		}
		if got == nil || got.ID != "A" {
			t.Fatalf("iteration %d: expected A, got %+v", i, got)
		}
		got, err = mgr.GetNext(context.Background(), "gemini-3-pro-preview")
		if err != nil {
			t.Fatalf("GetNext failed: %v", err)
		}
		if got == nil || got.ID != "B" {
			t.Fatalf("iteration %d: expected B, got %+v", i, got)
		}
	}
}

// S3-adjacent: cooldown suppresses selection until it expires.
func TestCooldownSuppressesThenExpires(t *testing.T) {
	mgr, st := newTestManager(t)
	seedAccount(t, st, "A", "a@example.com", time.Now().Add(time.Hour).Unix())

	mgr.MarkRateLimited("a@example.com")
	got, err := mgr.GetNext(context.Background(), "")
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no candidate while cooldown active, got %+v", got)
	}

	fixed := time.Now().Add(6 * time.Minute)
	mgr.clock = func() time.Time { return fixed }
	got, err = mgr.GetNext(context.Background(), "")
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cooldown to have expired")
	}
}

func TestCooldownBoundaryExactlyAtExpiry(t *testing.T) {
	mgr, st := newTestManager(t)
	seedAccount(t, st, "A", "a@example.com", time.Now().Add(time.Hour).Unix())

	base := time.Now()
	mgr.clock = func() time.Time { return base }
	mgr.MarkRateLimited("a@example.com") // cooldown_until = base + 5m

	mgr.clock = func() time.Time { return base.Add(5 * time.Minute) }
	got, err := mgr.GetNext(context.Background(), "")
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected account to be eligible exactly at cooldown_until (boundary behaviour)")
	}
}

// Sovereignty rule: an active local account preempts round-robin.
func TestSovereigntyRulePreemptsRoundRobin(t *testing.T) {
	mgr, st := newTestManager(t)
	far := time.Now().Add(time.Hour).Unix()
	if err := st.Add(&store.Account{ID: "cloud-1", Provider: "google", Email: "c1@example.com", Token: store.Token{ExpiryTimestamp: far, ProjectID: "p"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(&store.Account{
		ID: "local-1", Provider: "local-ollama", Email: "l1@example.com", IsActive: true,
		Token: store.Token{ExpiryTimestamp: far, RefreshToken: "http://localhost:11434", ProjectID: "llama3"},
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		got, err := mgr.GetNext(context.Background(), "")
		if err != nil {
			t.Fatalf("GetNext failed: %v", err)
		}
		if got == nil || got.ID != "local-1" {
			t.Fatalf("expected sovereignty pin to local-1, got %+v", got)
		}
	}
}

type fakeRefresher struct {
	accessToken string
	expiresIn   int64
}

func (f fakeRefresher) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	return f.accessToken, f.expiresIn, nil
}

// S4 — token refresh.
func TestS4TokenRefresh(t *testing.T) {
	dir := t.TempDir()
	key, _ := store.DeriveKey("test-passphrase")
	st, err := store.Open(filepath.Join(dir, "gateway.db"), store.StaticKeyProvider{Key: key})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Now()
	if err := st.Add(&store.Account{
		ID: "A", Provider: "google", Email: "a@example.com", Status: store.StatusActive,
		Token: store.Token{AccessToken: "old", RefreshToken: "refresh-a", ExpiryTimestamp: now.Unix() + 100, ProjectID: "p"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgr := New(st, fakeRefresher{accessToken: "new", expiresIn: 3600}, nil)
	mgr.clock = func() time.Time { return now }

	got, err := mgr.GetNext(context.Background(), "")
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if got.Token.AccessToken != "new" {
		t.Fatalf("expected refreshed access token 'new', got %q", got.Token.AccessToken)
	}

	persisted, err := st.Get("A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if persisted.Token.AccessToken != "new" {
		t.Fatalf("expected persisted access token 'new', got %q", persisted.Token.AccessToken)
	}
	wantExpiry := now.Unix() + 3600
	if persisted.Token.ExpiryTimestamp != wantExpiry {
		t.Fatalf("expected expiry_timestamp %d, got %d", wantExpiry, persisted.Token.ExpiryTimestamp)
	}
}

func TestCountAndEmptyReturnsNil(t *testing.T) {
	mgr, _ := newTestManager(t)
	if mgr.Count() != 0 {
		t.Fatalf("expected 0 accounts, got %d", mgr.Count())
	}
	got, err := mgr.GetNext(context.Background(), "")
	if err != nil {
		t.Fatalf("GetNext failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil with no accounts loaded, got %+v", got)
	}
}
