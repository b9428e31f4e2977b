// Package gateway wires the store, token manager, quota monitor, and
// HTTP server into one process lifecycle, grounded on the teacher's
// Service.Run/Shutdown/watcher pattern
// (`_examples/other_examples/702d347d_yszxh-CLIProxyAPI__sdk-cliproxy-service.go.go`),
// simplified to this module's single-binary scope (no legacy client
// caches, no multi-provider auth manager).
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/collab"
	"github.com/antigravity-gateway/localgw/internal/config"
	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/httpapi"
	"github.com/antigravity-gateway/localgw/internal/quotamonitor"
	"github.com/antigravity-gateway/localgw/internal/store"
	"github.com/antigravity-gateway/localgw/internal/tokenmanager"
	"github.com/antigravity-gateway/localgw/internal/translator"
	"github.com/antigravity-gateway/localgw/internal/upstream"
)

// cloudCodeBaseURL is the real cloudcode-pa endpoint; GeminiDispatcher
// and QuotaFetcher take it as a field rather than a package default so
// tests can point it at an httptest.Server instead.
const cloudCodeBaseURL = "https://cloudcode-pa.googleapis.com"

// Service owns the gateway's process lifecycle: one HTTP server, one
// quota monitor, and the store/token-manager they share. Bootstrap
// refuses to start a second instance without tearing the first down
// first (spec §5's "HTTP server: one instance at a time").
type Service struct {
	configPath string

	cfgMu sync.RWMutex
	cfg   *config.Config

	store   *store.Store
	manager *tokenmanager.Manager
	monitor *quotamonitor.Monitor
	server  *http.Server
	watcher *config.Watcher

	listener  net.Listener
	serverErr chan error

	shutdownOnce sync.Once
}

// New constructs a Service from an already-loaded config; it performs
// no I/O itself beyond what Run needs.
func New(configPath string, cfg *config.Config) *Service {
	return &Service{configPath: configPath, cfg: cfg}
}

// Run starts the service and blocks until ctx is cancelled or the
// server stops on its own.
func (s *Service) Run(ctx context.Context) error {
	if s.server != nil {
		return gatewayerr.New(gatewayerr.KindConfig, "gateway: Run called while already running")
	}
	// A previous Run's teardown has already used up shutdownOnce.
	s.shutdownOnce = sync.Once{}

	cfg := s.currentConfig()
	if err := os.MkdirAll(cfg.AuthDir, 0o755); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindConfig, "create auth directory", err)
	}

	st, err := store.Open(cfg.AuthDir+"/gateway.db", store.NewEnvOrFileKeyProvider(cfg.AuthDir))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "open store", err)
	}
	s.store = st

	client, err := upstream.NewClient(upstream.Config{
		UpstreamProxyEnabled: cfg.Proxy.UpstreamProxy.Enabled,
		UpstreamProxyURL:     cfg.Proxy.UpstreamProxy.URL,
		UserAgent:            cfg.UserAgent,
	})
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindConfig, "build upstream client", err)
	}

	refresher := &upstream.OAuthRefresher{Client: client}
	projectIDs := &upstream.CodeAssistProjectFetcher{Client: client, UserAgent: cfg.UserAgent}
	quotaFetcher := &upstream.QuotaFetcher{Client: client, BaseURL: cloudCodeBaseURL, UserAgent: cfg.UserAgent}
	gemini := &upstream.GeminiDispatcher{Client: client, BaseURL: cloudCodeBaseURL, UserAgent: cfg.UserAgent}
	local := &upstream.LocalDispatcher{Client: client}
	embedder := &upstream.Embedder{Client: client}

	estimator, err := translator.NewEstimator()
	if err != nil {
		log.Warnf("gateway: token estimator unavailable, request-size logging disabled: %v", err)
	}

	s.manager = tokenmanager.New(st, refresher, projectIDs)
	if err := s.manager.Load(ctx); err != nil {
		log.Warnf("gateway: initial account load failed: %v", err)
	}

	s.monitor = quotamonitor.New(st, refresher, quotaFetcher, collab.LogNotificationSink{})

	srv := httpapi.NewServer(httpapi.Deps{
		Store:         st,
		Manager:       s.manager,
		Aliases:       &tokenmanager.AliasTable{},
		Gemini:        gemini,
		Local:         local,
		Embedder:      embedder,
		Estimator:     estimator,
		AuthToken:     cfg.AuthToken,
		DefaultModels: []string{"gemini-3-pro-preview", "gemini-2.5-flash", "gemini-2.5-flash-thinking"},
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		st.Close()
		return gatewayerr.Wrap(gatewayerr.KindConfig, "bind listener", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: srv.Engine()}

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath, cfg.AuthDir, s.onConfigReload)
		if err != nil {
			log.Warnf("gateway: config watcher unavailable: %v", err)
		} else {
			s.watcher = watcher
			watcher.Start(ctx)
		}
	}

	s.serverErr = make(chan error, 1)
	go func() {
		s.serverErr <- s.server.Serve(listener)
	}()
	go s.monitor.Run(ctx)
	log.Infof("gateway: listening on %s", listener.Addr())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer func() {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Errorf("gateway: shutdown error: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// onConfigReload replaces the stored config without tearing down the
// listener. Only the next Run reads it: the running HTTP server, its
// auth token, the upstream client and the port keep the values they
// started with.
func (s *Service) onConfigReload(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Service) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Shutdown stops the monitor, watcher, and HTTP server, nullifying
// every reference so a subsequent Run starts clean (spec §5: teardown
// nullifies references on both success and failure paths).
func (s *Service) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.monitor != nil {
			s.monitor.Stop()
		}
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				shutdownErr = err
			}
		}
		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
		s.server = nil
		s.listener = nil
		s.store = nil
		s.monitor = nil
		s.watcher = nil
	})
	return shutdownErr
}
