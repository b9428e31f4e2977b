package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

const defaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// OAuthRefresher implements tokenmanager.TokenRefresher against
// Google's OAuth token endpoint (spec §6).
type OAuthRefresher struct {
	Client       *Client
	ClientID     string
	ClientSecret string

	// TokenEndpoint overrides defaultTokenEndpoint; tests point this at
	// an httptest.Server instead of the real Google endpoint.
	TokenEndpoint string
}

func (o *OAuthRefresher) tokenEndpoint() string {
	if o.TokenEndpoint != "" {
		return o.TokenEndpoint
	}
	return defaultTokenEndpoint
}

func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	form := url.Values{}
	form.Set("client_id", o.ClientID)
	form.Set("client_secret", o.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequest(http.MethodPost, o.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.Client.Do(ctx, req)
	if err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "oauth refresh request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", 0, gatewayerr.New(gatewayerr.KindUpstreamAuth, fmt.Sprintf("oauth refresh: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, gatewayerr.New(gatewayerr.KindUpstreamTransient, fmt.Sprintf("oauth refresh: status %d", resp.StatusCode))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "decode oauth response", err)
	}
	return payload.AccessToken, payload.ExpiresIn, nil
}

// UserInfo fetches the upstream-provided user info, used when
// creating Accounts from a fresh OAuth exchange.
func (o *OAuthRefresher) UserInfo(ctx context.Context, accessToken string) (email string, err error) {
	req, err := http.NewRequest(http.MethodGet, "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := o.Client.Do(ctx, req)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindUpstreamTransient, "userinfo request", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Email, nil
}
