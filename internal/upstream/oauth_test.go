package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

func TestOAuthRefresherRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("refresh_token") != "rt-123" {
			t.Fatalf("unexpected refresh_token: %s", r.FormValue("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-456","expires_in":3600}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	refresher := &OAuthRefresher{Client: client, TokenEndpoint: srv.URL}

	token, expiresIn, err := refresher.Refresh(context.Background(), "rt-123")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if token != "at-456" || expiresIn != 3600 {
		t.Fatalf("unexpected result: token=%q expiresIn=%d", token, expiresIn)
	}
}

func TestOAuthRefresherRefreshUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	refresher := &OAuthRefresher{Client: client, TokenEndpoint: srv.URL}

	_, _, err = refresher.Refresh(context.Background(), "rt-123")
	if !gatewayerr.Is(err, gatewayerr.KindUpstreamAuth) {
		t.Fatalf("expected KindUpstreamAuth, got %v", err)
	}
}

func TestOAuthRefresherRefreshServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	refresher := &OAuthRefresher{Client: client, TokenEndpoint: srv.URL}

	_, _, err = refresher.Refresh(context.Background(), "rt-123")
	if !gatewayerr.Is(err, gatewayerr.KindUpstreamTransient) {
		t.Fatalf("expected KindUpstreamTransient, got %v", err)
	}
}
