package quotamonitor

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", store.StaticKeyProvider{Key: make([]byte, 32)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeFetcher struct {
	quota store.Quota
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, accessToken string) (store.Quota, error) {
	return f.quota, f.err
}

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	return "new-access-token", 3600, nil
}

func seedAccount(t *testing.T, st *store.Store, id, email string, active bool, quota store.Quota) {
	t.Helper()
	err := st.Add(&store.Account{
		ID:       id,
		Provider: "google",
		Email:    email,
		Token:    store.Token{AccessToken: "tok-" + id, ExpiryTimestamp: time.Now().Add(time.Hour).Unix()},
		Quota:    quota,
		Status:   store.StatusActive,
		IsActive: active,
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

// TestS6Hysteresis reproduces scenario S6 at the score level exactly
// as spec.md §8 states it: active A at score 4, candidate B at score
// 8 does not switch (8 is not > 4+5=9); raising B to 12 does switch.
func TestS6Hysteresis(t *testing.T) {
	if candidateWins(4, 8) {
		t.Fatalf("expected no switch: candidate score 8 does not exceed active 4 + margin 5")
	}
	if !candidateWins(4, 12) {
		t.Fatalf("expected switch: candidate score 12 exceeds active 4 + margin 5")
	}
}

func TestIsCriticalThresholdAndForcedStatuses(t *testing.T) {
	if isCritical(10, store.StatusActive) {
		t.Fatalf("score exactly at threshold should not be critical")
	}
	if !isCritical(9.99, store.StatusActive) {
		t.Fatalf("score just below threshold should be critical")
	}
	if !isCritical(50, store.StatusRateLimited) {
		t.Fatalf("rate_limited status should always be treated as critical")
	}
}

// TestAutoSwitchEndToEnd exercises the store-driven path: an active
// account that has degraded to rate_limited (forcing score 0) is
// replaced by the only healthy alternative once auto-switch runs.
func TestAutoSwitchEndToEnd(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a", "a@example.com", true, store.Quota{"m": {Percentage: 100}})
	if err := st.UpdateStatus("a", store.StatusRateLimited); err != nil {
		t.Fatalf("update status: %v", err)
	}
	seedAccount(t, st, "b", "b@example.com", false, store.Quota{"m": {Percentage: 80}})
	if err := st.SetSetting("auto_switch_enabled", "true"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	mon := New(st, noopRefresher{}, &fakeFetcher{}, nil)
	mon.autoSwitch(context.Background())

	a, _ := st.Get("a")
	b, _ := st.Get("b")
	if a.IsActive || !b.IsActive {
		t.Fatalf("expected switch to B: a.active=%v b.active=%v", a.IsActive, b.IsActive)
	}
}

func TestAutoSwitchNoOpWhenDisabled(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a", "a@example.com", true, store.Quota{"m": {Percentage: 0}})
	if err := st.UpdateStatus("a", store.StatusRateLimited); err != nil {
		t.Fatalf("update status: %v", err)
	}
	seedAccount(t, st, "b", "b@example.com", false, store.Quota{"m": {Percentage: 100}})

	mon := New(st, noopRefresher{}, &fakeFetcher{}, nil)
	mon.autoSwitch(context.Background())

	a, _ := st.Get("a")
	if !a.IsActive {
		t.Fatalf("auto-switch must be a no-op when auto_switch_enabled is unset")
	}
}

func TestHysteresisGuardNeverSwitchesWithinMargin(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a", "a@example.com", true, store.Quota{"m": {Percentage: 50}})
	seedAccount(t, st, "b", "b@example.com", false, store.Quota{"m": {Percentage: 58}}) // scores ~70 vs ~74.8, within margin
	if err := st.SetSetting("auto_switch_enabled", "true"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	// a's score of 70 is not critical, so autoSwitch returns before it
	// reaches the hysteresis comparison; b's 74.8 would not clear the
	// 5-point margin either.
	mon := New(st, noopRefresher{}, &fakeFetcher{}, nil)
	mon.autoSwitch(context.Background())

	a, _ := st.Get("a")
	if !a.IsActive {
		t.Fatalf("a (score 70, not critical) must stay active; b (74.8) is within the 5-point margin")
	}
}

func TestPollAccountRateLimitSetsStatusWithoutRetry(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a", "a@example.com", true, nil)

	attempts := 0
	fetcher := fetcherFunc(func(ctx context.Context, accessToken string) (store.Quota, error) {
		attempts++
		return nil, gatewayerr.New(gatewayerr.KindUpstreamRateLimit, "429")
	})

	mon := New(st, noopRefresher{}, fetcher, nil)
	mon.sleep = func(time.Duration) {}
	mon.pollAccount(context.Background(), mustGet(t, st, "a"))

	if attempts != 1 {
		t.Fatalf("expected exactly one attempt on rate limit, got %d", attempts)
	}
	a, _ := st.Get("a")
	if a.Status != store.StatusRateLimited {
		t.Fatalf("expected status rate_limited, got %s", a.Status)
	}
}

func TestPollAccountRetriesThenError(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a", "a@example.com", true, nil)

	attempts := 0
	fetcher := fetcherFunc(func(ctx context.Context, accessToken string) (store.Quota, error) {
		attempts++
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTransient, "boom")
	})

	mon := New(st, noopRefresher{}, fetcher, nil)
	mon.sleep = func(time.Duration) {}
	mon.pollAccount(context.Background(), mustGet(t, st, "a"))

	if attempts != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, attempts)
	}
	a, _ := st.Get("a")
	if a.Status != store.StatusError {
		t.Fatalf("expected status error after exhausting retries, got %s", a.Status)
	}
}

type fetcherFunc func(ctx context.Context, accessToken string) (store.Quota, error)

func (f fetcherFunc) Fetch(ctx context.Context, accessToken string) (store.Quota, error) {
	return f(ctx, accessToken)
}

func mustGet(t *testing.T, st *store.Store, id string) *store.Account {
	t.Helper()
	a, err := st.Get(id)
	if err != nil || a == nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return a
}
