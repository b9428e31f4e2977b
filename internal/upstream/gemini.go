package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// GeminiRequest is the Gemini-internal (cloud-code) request envelope
// the gateway constructs from a translated chat request (spec §4.3
// step 6): the model and project id travel as sibling top-level
// fields alongside the actual generation request, per the wire shape
// observed in the teacher's geminiToAntigravity helper.
type GeminiRequest struct {
	Model   string             `json:"model"`
	Project string             `json:"project"`
	Request GeminiInnerRequest `json:"request"`
}

type GeminiInnerRequest struct {
	Contents []GeminiTurn `json:"contents"`
}

type GeminiTurn struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

// GeminiDispatcher sends a translated request to the Gemini-internal
// upstream and returns the raw response body for the caller to feed
// into translator.GeminiLineScanner (streaming) or json.Unmarshal
// (non-streaming, single-event body).
type GeminiDispatcher struct {
	Client    *Client
	BaseURL   string // e.g. https://cloudcode-pa.googleapis.com
	UserAgent string
}

func (d *GeminiDispatcher) Dispatch(ctx context.Context, accessToken string, req GeminiRequest, stream bool) (io.ReadCloser, error) {
	path := "/v1internal:generateContent"
	if stream {
		path = "/v1internal:streamGenerateContent?alt=sse"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if d.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.Client.Do(ctx, httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "gemini dispatch", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamRateLimit, "gemini dispatch: status 429")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamAuth, fmt.Sprintf("gemini dispatch: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTransient, fmt.Sprintf("gemini dispatch: status %d", resp.StatusCode))
	}
	return resp.Body, nil
}
