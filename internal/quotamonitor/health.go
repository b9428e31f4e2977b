package quotamonitor

import "github.com/antigravity-gateway/localgw/internal/store"

// statusWeight is the flat contribution a token's liveness state adds
// to its health score, per spec §4.4's auto-switch scoring rule.
func statusWeight(status store.Status) float64 {
	switch status {
	case store.StatusActive:
		return 40
	case store.StatusRefreshing:
		return 20
	default:
		return 0
	}
}

// healthScore computes score = 0.6*avgQuotaPercent + statusWeight,
// clamped to [0, 100]. avgQuotaPercent is averaged across quota
// groups rather than raw model entries: models sharing an upstream
// pool (quotagroups.go) collapse to the group's minimum percentage so
// one exhausted model doesn't get diluted by healthy siblings drawing
// from the same pool.
func healthScore(account *store.Account) float64 {
	if len(account.Quota) == 0 || account.Status == store.StatusRateLimited || account.Status == store.StatusError {
		return 0
	}
	avg := avgGroupQuotaPercent(account.Quota)
	score := 0.6*avg + statusWeight(account.Status)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func avgGroupQuotaPercent(quota store.Quota) float64 {
	groupMin := make(map[string]float64)
	for model, mq := range quota {
		g := groupOf(model)
		if existing, ok := groupMin[g]; !ok || mq.Percentage < existing {
			groupMin[g] = mq.Percentage
		}
	}
	var sum float64
	for _, pct := range groupMin {
		sum += pct
	}
	return sum / float64(len(groupMin))
}
