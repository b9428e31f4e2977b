// Package tokenmanager implements the in-memory routing layer: given
// an optionally model-qualified request, it returns a ready-to-use
// account with a fresh access token and a known project id, applying
// cooldowns on rate-limit signals (spec §4.2).
package tokenmanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
)

const (
	refreshThreshold = 300 * time.Second
	cooldownDuration = 5 * time.Minute
)

// TokenRefresher exchanges a refresh token at the upstream OAuth
// endpoint. The real implementation lives in internal/upstream; tests
// inject a fake.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int64, err error)
}

// ProjectIDFetcher resolves an upstream project id from an access
// token (spec §4.2 step 6).
type ProjectIDFetcher interface {
	FetchProjectID(ctx context.Context, accessToken string) (string, error)
}

// Clock is injectable so tests can control "now".
type Clock func() time.Time

// Manager is the per-process routing layer described by spec §4.2.
type Manager struct {
	store      *store.Store
	refresher  TokenRefresher
	projectIDs ProjectIDFetcher
	clock      Clock

	mu        sync.Mutex
	accounts  map[string]*store.Account
	rrIndex   int
	cooldowns map[string]time.Time // keyed by email
}

// New builds a Manager. refresher/projectIDs may be nil if the caller
// never expects to route cloud accounts (e.g. local-only deployments
// or unit tests of the local-provider path).
func New(st *store.Store, refresher TokenRefresher, projectIDs ProjectIDFetcher) *Manager {
	return &Manager{
		store:      st,
		refresher:  refresher,
		projectIDs: projectIDs,
		clock:      time.Now,
		accounts:   make(map[string]*store.Account),
		cooldowns:  make(map[string]time.Time),
	}
}

// Load bulk-loads all accounts from the store into the in-memory map.
func (m *Manager) Load(ctx context.Context) error {
	accounts, err := m.store.List()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]*store.Account, len(accounts))
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return nil
}

// Count returns the number of loaded accounts (observability).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// MarkRateLimited applies a 5-minute cooldown keyed by email.
func (m *Manager) MarkRateLimited(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[email] = m.clock().Add(cooldownDuration)
}

// ResetCooldown clears any cooldown for email.
func (m *Manager) ResetCooldown(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cooldowns, email)
}

// GetNext implements the selection routine of spec §4.2. It returns
// (nil, nil) when no candidate is available — callers translate that
// into a NoAccount error at the proxy layer, since the token manager
// itself never throws for expected operational conditions (spec §7).
func (m *Manager) GetNext(ctx context.Context, requestedModel string) (*store.Account, error) {
	if m.Count() == 0 {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		if m.Count() == 0 {
			return nil, nil
		}
	}

	candidate := m.selectCandidate(requestedModel)
	if candidate == nil {
		return nil, nil
	}

	if err := m.ensureFreshToken(ctx, candidate); err != nil {
		// Refresh failure does not fail selection (spec §4.2 failure
		// behaviour) — the expiring token is still returned.
		log.WithField("account_id", candidate.ID).Warnf("tokenmanager: refresh failed, returning existing token: %v", err)
	}

	if err := m.ensureProjectID(ctx, candidate); err != nil {
		log.WithField("account_id", candidate.ID).Warnf("tokenmanager: project id resolution failed: %v", err)
	}

	return candidate, nil
}

// selectCandidate applies the filter → sovereignty-pin → round-robin
// chain (spec §4.2 steps 2–4) under the manager lock.
func (m *Manager) selectCandidate(requestedModel string) *store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	normalizedRequested := NormalizeModelKey(requestedModel)

	var filtered []*store.Account
	for _, a := range m.accounts {
		if until, cooling := m.cooldowns[a.Email]; cooling && until.After(now) {
			continue
		}
		if normalizedRequested != "" && len(a.SelectedModels) > 0 {
			if !containsNormalized(a.SelectedModels, normalizedRequested) {
				continue
			}
		}
		filtered = append(filtered, a)
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	// Sovereignty rule (spec §4.2 step 3): an active local-provider
	// account preempts round-robin entirely.
	for _, a := range filtered {
		if a.IsActive && a.IsLocalProvider() {
			return a
		}
	}

	idx := m.rrIndex % len(filtered)
	m.rrIndex++
	return filtered[idx]
}

func containsNormalized(models []string, normalizedTarget string) bool {
	for _, model := range models {
		if NormalizeModelKey(model) == normalizedTarget {
			return true
		}
	}
	return false
}

// ensureFreshToken implements spec §4.2 step 5.
func (m *Manager) ensureFreshToken(ctx context.Context, a *store.Account) error {
	now := m.clock()
	expiry := time.Unix(a.Token.ExpiryTimestamp, 0)
	if expiry.Sub(now) >= refreshThreshold {
		return nil
	}
	if m.refresher == nil {
		return gatewayerr.New(gatewayerr.KindUpstreamTransient, "no token refresher configured")
	}
	accessToken, expiresIn, err := m.refresher.Refresh(ctx, a.Token.RefreshToken)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "refresh token", err)
	}
	a.Token.AccessToken = accessToken
	a.Token.ExpiresIn = expiresIn
	a.Token.ExpiryTimestamp = now.Unix() + expiresIn
	if err := m.store.UpdateToken(a.ID, a.Token); err != nil {
		return err
	}
	return nil
}

// ensureProjectID implements spec §4.2 step 6.
func (m *Manager) ensureProjectID(ctx context.Context, a *store.Account) error {
	if a.Token.ProjectID != "" {
		return nil
	}
	if a.Provider != "google" && a.Provider != "anthropic" {
		return nil
	}
	fallback := fmt.Sprintf("cloud-code-%s", localPart(a.Email))
	if m.projectIDs == nil {
		a.Token.ProjectID = fallback
		return m.store.UpdateToken(a.ID, a.Token)
	}
	projectID, err := m.projectIDs.FetchProjectID(ctx, a.Token.AccessToken)
	if err != nil || projectID == "" {
		a.Token.ProjectID = fallback
		if updErr := m.store.UpdateToken(a.ID, a.Token); updErr != nil {
			return updErr
		}
		if err != nil {
			return err
		}
		return nil
	}
	a.Token.ProjectID = projectID
	return m.store.UpdateToken(a.ID, a.Token)
}

func localPart(email string) string {
	if idx := strings.Index(email, "@"); idx >= 0 {
		return email[:idx]
	}
	return email
}
