package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

const defaultEmbedEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/text-embedding-004:embedContent"

// Embedder computes the semantic-cache query vector for a prompt
// (spec §6: "POST .../text-embedding-004:embedContent — semantic-cache
// embeddings"). A failed embedding call is never fatal to the caller;
// it just means the semantic-cache lookup step is skipped (spec §4.1
// step 3).
type Embedder struct {
	Client *Client
	// BaseURL overrides defaultEmbedEndpoint; tests point this at an
	// httptest.Server instead of the real Google endpoint.
	BaseURL string
}

func (e *Embedder) endpoint() string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	return defaultEmbedEndpoint
}

func (e *Embedder) Embed(ctx context.Context, accessToken, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": "models/text-embedding-004",
		"content": map[string]any{
			"parts": []map[string]string{{"text": text}},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, e.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.Client.Do(ctx, req)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "embedContent", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTransient, "embedContent: non-2xx response")
	}

	var payload struct {
		Embedding struct {
			Values []float32 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Embedding.Values, nil
}
