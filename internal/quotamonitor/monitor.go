// Package quotamonitor implements the background poller that keeps
// account quota fresh and, when enabled, promotes a healthier account
// into the active slot. Grounded on the bounded-worker-pool pattern in
// _examples/meglinge-CLIProxyAPI/internal/quota/poller.go, adapted to
// a concurrency cap of 3 (spec §4.4) rather than the teacher's 5 and
// to the simpler single-pass-then-auto-switch shape spec.md describes.
package quotamonitor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/collab"
	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
)

const (
	pollInterval     = 5 * time.Minute
	pollConcurrency  = 3
	refreshWindow    = 600 * time.Second
	maxRetries       = 3
	hysteresisMargin = 5.0
	criticalScore    = 10.0
)

// TokenRefresher and QuotaFetcher mirror the collaborator shapes the
// monitor needs from the upstream package, kept as local interfaces so
// this package stays independent of upstream's concrete HTTP types.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int64, err error)
}

type QuotaFetcher interface {
	Fetch(ctx context.Context, accessToken string) (store.Quota, error)
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

type Monitor struct {
	store     *store.Store
	refresher TokenRefresher
	fetcher   QuotaFetcher
	notifier  collab.NotificationSink
	clock     Clock
	sleep     func(time.Duration)
	rng       *rand.Rand

	forcePoll chan struct{}
	stop      chan struct{}
}

func New(st *store.Store, refresher TokenRefresher, fetcher QuotaFetcher, notifier collab.NotificationSink) *Monitor {
	if notifier == nil {
		notifier = collab.LogNotificationSink{}
	}
	return &Monitor{
		store:     st,
		refresher: refresher,
		fetcher:   fetcher,
		notifier:  notifier,
		clock:     time.Now,
		sleep:     time.Sleep,
		rng:       rand.New(rand.NewSource(1)),
		forcePoll: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Run blocks, polling every 5 minutes or on ForcePoll, until ctx is
// cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-m.forcePoll:
			m.RunOnce(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stop)
}

// ForcePoll schedules an immediate pass without waiting for the
// ticker. Non-blocking: a pending force is coalesced if one is
// already queued.
func (m *Monitor) ForcePoll() {
	select {
	case m.forcePoll <- struct{}{}:
	default:
	}
}

// RunOnce executes one bounded-concurrency poll pass over every
// account followed by the auto-switch evaluation.
func (m *Monitor) RunOnce(ctx context.Context) {
	accounts, err := m.store.List()
	if err != nil {
		log.WithError(err).Error("quota monitor: failed to list accounts")
		return
	}

	sem := make(chan struct{}, pollConcurrency)
	var wg sync.WaitGroup
	for _, account := range accounts {
		account := account
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.pollAccount(ctx, account)
		}()
	}
	wg.Wait()

	m.autoSwitch(ctx)
}

func (m *Monitor) pollAccount(ctx context.Context, account *store.Account) {
	logger := log.WithField("account_id", account.ID)

	if err := m.store.UpdateStatus(account.ID, store.StatusRefreshing); err != nil {
		logger.WithError(err).Warn("quota monitor: failed to mark refreshing")
		return
	}

	accessToken := account.Token.AccessToken
	if account.Token.ExpiryTimestamp < m.clock().Add(refreshWindow).Unix() {
		newToken, err := m.refreshOne(ctx, account)
		if err != nil {
			logger.WithError(err).Warn("quota monitor: token refresh failed")
		} else {
			accessToken = newToken.AccessToken
		}
	}

	quota, err := m.fetchWithRetry(ctx, account, accessToken)
	if err != nil {
		if gatewayerr.Is(err, gatewayerr.KindUpstreamRateLimit) {
			_ = m.store.UpdateStatus(account.ID, store.StatusRateLimited)
			return
		}
		logger.WithError(err).Error("quota monitor: fetchQuota failed after retries")
		_ = m.store.UpdateStatus(account.ID, store.StatusError)
		return
	}

	if err := m.store.UpdateQuota(account.ID, quota); err != nil {
		logger.WithError(err).Warn("quota monitor: failed to persist quota")
	}
	_ = m.store.UpdateStatus(account.ID, store.StatusActive)
}

func (m *Monitor) refreshOne(ctx context.Context, account *store.Account) (*store.Token, error) {
	accessToken, expiresIn, err := m.refresher.Refresh(ctx, account.Token.RefreshToken)
	if err != nil {
		return nil, err
	}
	newToken := account.Token
	newToken.AccessToken = accessToken
	newToken.ExpiresIn = expiresIn
	newToken.ExpiryTimestamp = m.clock().Add(time.Duration(expiresIn) * time.Second).Unix()
	if err := m.store.UpdateToken(account.ID, newToken); err != nil {
		return nil, err
	}
	return &newToken, nil
}

// fetchWithRetry implements steps 5-6 of spec §4.4: a 429-shaped
// error returns immediately with no retry; any other error is retried
// up to maxRetries times with jittered exponential backoff.
func (m *Monitor) fetchWithRetry(ctx context.Context, account *store.Account, accessToken string) (store.Quota, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		quota, err := m.fetcher.Fetch(ctx, accessToken)
		if err == nil {
			return quota, nil
		}
		if gatewayerr.Is(err, gatewayerr.KindUpstreamRateLimit) {
			return nil, err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		delay := backoffWithJitter(attempt, m.rng)
		m.sleep(delay)
	}
	return nil, lastErr
}

func backoffWithJitter(attempt int, rng *rand.Rand) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	jitter := time.Duration(rng.Int63n(int64(base) + 1))
	return base + jitter
}

// isCritical decides whether the active account needs replacing: it is
// critical if its score fell below threshold, or if its liveness
// status has already degraded to rate_limited/error (score 0 covers
// this too, but the explicit status check documents intent).
func isCritical(score float64, status store.Status) bool {
	return score < criticalScore || status == store.StatusRateLimited || status == store.StatusError
}

// candidateWins applies the hysteresis guard from spec §8 property 6:
// a candidate only displaces the active account when it clears the
// active score by more than hysteresisMargin. This must reproduce
// scenario S6 exactly: candidateWins(4, 8) is false (8 is not > 9),
// candidateWins(4, 12) is true.
func candidateWins(activeScore, candidateScore float64) bool {
	return candidateScore > activeScore+hysteresisMargin
}

// autoSwitch implements spec §4.4's post-pass switch decision,
// including the hysteresis guard that must preserve scenario S6's
// documented no-switch-then-switch behaviour.
func (m *Monitor) autoSwitch(ctx context.Context) {
	enabled, err := m.store.AutoSwitchEnabled()
	if err != nil || !enabled {
		return
	}

	accounts, err := m.store.List()
	if err != nil {
		return
	}

	var active *store.Account
	for _, a := range accounts {
		if a.IsActive {
			active = a
			break
		}
	}
	if active == nil {
		return
	}

	activeScore := healthScore(active)
	if !isCritical(activeScore, active.Status) {
		return
	}

	var best *store.Account
	var bestScore float64
	for _, a := range accounts {
		if a.ID == active.ID || a.Status != store.StatusActive {
			continue
		}
		score := healthScore(a)
		if best == nil || score > bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil || !candidateWins(activeScore, bestScore) {
		return
	}

	if err := m.store.SetActive(best.ID); err != nil {
		log.WithError(err).Error("quota monitor: auto-switch setActive failed")
		return
	}
	_ = m.notifier.Notify(ctx, "Account switched",
		fmt.Sprintf("Switched active account from %s (score %.0f) to %s (score %.0f)", active.Email, activeScore, best.Email, bestScore))
}
