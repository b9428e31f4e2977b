package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	key, err := DeriveKey("test-passphrase")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	s, err := Open(filepath.Join(dir, "gateway.db"), StaticKeyProvider{Key: key})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	account := &Account{
		ID:       "acct-1",
		Provider: "google",
		Email:    "user@example.com",
		Token:    Token{AccessToken: "at", RefreshToken: "rt", ExpiryTimestamp: 1000},
		Status:   StatusActive,
		CreatedAt: 1,
		LastUsed:  2,
	}
	if err := s.Add(account); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := s.Get("acct-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Token.AccessToken != "at" {
		t.Fatalf("expected round-tripped token, got %+v", got)
	}
}

func TestActiveSingletonInvariant(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Add(&Account{ID: id, Provider: "google", Status: StatusActive, IsActive: id == "a"}); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}
	if err := s.SetActive("b"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	accounts, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	activeCount := 0
	for _, a := range accounts {
		if a.IsActive {
			activeCount++
			if a.ID != "b" {
				t.Errorf("expected b to be active, found %s active", a.ID)
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active account, got %d", activeCount)
	}
}

func TestUpdateTokenRejectsEarlierExpiry(t *testing.T) {
	s := newTestStore(t)
	if err := s.Add(&Account{ID: "a", Provider: "google", Token: Token{ExpiryTimestamp: 500}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.UpdateToken("a", Token{ExpiryTimestamp: 400}); err == nil {
		t.Error("expected UpdateToken to reject an earlier expiry_timestamp")
	}
	if err := s.UpdateToken("a", Token{ExpiryTimestamp: 600}); err != nil {
		t.Errorf("expected forward-moving update to succeed, got %v", err)
	}
}

func TestPlaintextMigrationHeal(t *testing.T) {
	s := newTestStore(t)
	// Insert a row with raw plaintext JSON in the token column, bypassing
	// encryption, to simulate the migration bug spec §4.1 describes.
	if _, err := s.db.Exec(
		`INSERT INTO accounts (id, provider, email, token, quota, created_at, last_used, status, is_active, selected_models)
		 VALUES ('legacy', 'google', '', '{"access_token":"legacy"}', '', 0, 0, 'active', 0, '[]')`,
	); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	if err := s.init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	got, err := s.Get("legacy")
	if err != nil {
		t.Fatalf("Get failed after heal: %v", err)
	}
	if got.Token.AccessToken != "legacy" {
		t.Fatalf("expected healed token to decode, got %+v", got.Token)
	}

	var rawToken string
	if err := s.db.QueryRow(`SELECT token FROM accounts WHERE id = 'legacy'`).Scan(&rawToken); err != nil {
		t.Fatalf("scan raw token: %v", err)
	}
	if !isEncrypted(rawToken) {
		t.Errorf("expected healed row to carry the enc: prefix, got %q", rawToken)
	}
}

func TestCacheExactBeforeSemantic(t *testing.T) {
	s := newTestStore(t)
	vec := []float32{1, 0, 0}
	if err := s.CacheSave(CacheEntry{ID: "c1", PromptText: "hello", Embedding: vec, ResponseText: "exact-hit"}); err != nil {
		t.Fatalf("CacheSave failed: %v", err)
	}
	resp, ok, err := s.CacheFindExact("hello")
	if err != nil || !ok || resp != "exact-hit" {
		t.Fatalf("expected exact hit, got resp=%q ok=%v err=%v", resp, ok, err)
	}

	resp, ok, err = s.CacheFindSemantic(vec, 0.97)
	if err != nil || !ok || resp != "exact-hit" {
		t.Fatalf("expected semantic hit on near-identical vector, got resp=%q ok=%v err=%v", resp, ok, err)
	}

	resp, ok, err = s.CacheFindSemantic([]float32{0, 1, 0}, 0.97)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected orthogonal vector to miss, got %q", resp)
	}
}

func TestSettingsDefault(t *testing.T) {
	s := newTestStore(t)
	value, err := s.GetSetting("auto_switch_enabled", "false")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "false" {
		t.Errorf("expected default false, got %q", value)
	}
	if err := s.SetSetting("auto_switch_enabled", "true"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	enabled, err := s.AutoSwitchEnabled()
	if err != nil {
		t.Fatalf("AutoSwitchEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("expected auto_switch_enabled to read back true")
	}
}
