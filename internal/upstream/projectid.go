package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

const loadCodeAssistEndpoint = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"

// CodeAssistProjectFetcher implements tokenmanager.ProjectIDFetcher
// against the cloud-code project-discovery endpoint (spec §4.2 step 6
// / §6).
type CodeAssistProjectFetcher struct {
	Client    *Client
	UserAgent string // "antigravity/<version> <os>/<arch>"
}

func (f *CodeAssistProjectFetcher) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"ideType": "ANTIGRAVITY"},
	})
	req, err := http.NewRequest(http.MethodPost, loadCodeAssistEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.Client.Do(ctx, req)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "loadCodeAssist request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", gatewayerr.New(gatewayerr.KindUpstreamAuth, fmt.Sprintf("loadCodeAssist: status %d", resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	projectID := gjson.GetBytes(buf.Bytes(), "cloudaicompanionProject").String()
	if projectID == "" {
		return "", gatewayerr.New(gatewayerr.KindUpstreamTransient, "loadCodeAssist: no project id in response")
	}
	return projectID, nil
}
