package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// LocalDispatcher sends an OpenAI-compatible request to a local
// inference server (Ollama/LM Studio), per spec §4.3 step 4. Local
// calls use a 120 s timeout (spec §5) rather than the 30 s default
// for cloud calls.
type LocalDispatcher struct {
	Client *Client
}

const localCallTimeout = 120 * time.Second

func (d *LocalDispatcher) ChatCompletions(ctx context.Context, baseURL string, body []byte) (io.ReadCloser, int, error) {
	ctx, cancel := context.WithTimeout(ctx, localCallTimeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(ctx, req)
	if err != nil {
		return nil, 0, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "local dispatch", err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, resp.StatusCode, gatewayerr.New(gatewayerr.KindUpstreamTransient, fmt.Sprintf("local dispatch: status %d", resp.StatusCode))
	}
	return resp.Body, resp.StatusCode, nil
}

// ListModels calls <baseUrl>/v1/models to discover locally-served
// model ids, used to append to the /v1/models advertisement.
func (d *LocalDispatcher) ListModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(ctx, req)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "local list models", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
