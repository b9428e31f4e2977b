package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
)

// QuotaFetcher composes the internal telemetry endpoint with the two
// catalogue endpoints into one merged quota snapshot, per spec §4.4
// step 3 / §6.
type QuotaFetcher struct {
	Client    *Client
	BaseURL   string // cloudcode-pa base, e.g. https://cloudcode-pa.googleapis.com
	UserAgent string
}

const fetchAvailableModelsPath = "/v1internal:fetchAvailableModels"

// Fetch merges quota source A (fetchAvailableModels, telemetry) with
// sources B and C (the two generativelanguage model catalogues) into a
// single store.Quota map. Catalogue sources only contribute a model's
// existence (treated as 100% healthy, matching "absent model entries
// mean unknown, assume healthy" in spec §3); source A carries the real
// percentage/reset-time data.
func (q *QuotaFetcher) Fetch(ctx context.Context, accessToken string) (store.Quota, error) {
	quota := store.Quota{}

	telemetry, err := q.fetchTelemetry(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	for model, mq := range telemetry {
		quota[model] = mq
	}

	for _, url := range []string{
		"https://generativelanguage.googleapis.com/v1/models?pageSize=1000",
		"https://generativelanguage.googleapis.com/v1beta/models?pageSize=1000",
	} {
		models, err := q.fetchCatalogueModelNames(ctx, url, accessToken)
		if err != nil {
			continue // catalogue failures are not fatal to quota refresh
		}
		for _, model := range models {
			if _, exists := quota[model]; !exists {
				quota[model] = store.ModelQuota{Percentage: 100, ResetTime: ""}
			}
		}
	}
	return quota, nil
}

func (q *QuotaFetcher) fetchTelemetry(ctx context.Context, accessToken string) (store.Quota, error) {
	req, err := http.NewRequest(http.MethodPost, q.BaseURL+fetchAvailableModelsPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if q.UserAgent != "" {
		req.Header.Set("User-Agent", q.UserAgent)
	}

	resp, err := q.Client.Do(ctx, req)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "fetchAvailableModels", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamRateLimit, "fetchAvailableModels: status 429")
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	quota := store.Quota{}
	gjson.GetBytes(buf.Bytes(), "models").ForEach(func(key, value gjson.Result) bool {
		model := key.String()
		quota[normalizeModelsSlash(model)] = store.ModelQuota{
			Percentage: value.Get("quotaInfo.remainingFraction").Float() * 100,
			ResetTime:  value.Get("quotaInfo.resetTime").String(),
		}
		return true
	})
	return quota, nil
}

func (q *QuotaFetcher) fetchCatalogueModelNames(ctx context.Context, url, accessToken string) ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := q.Client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, normalizeModelsSlash(m.Name))
	}
	return names, nil
}

func normalizeModelsSlash(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
