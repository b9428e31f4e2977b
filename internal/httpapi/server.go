// Package httpapi is the gateway's public HTTP surface (spec §4.3/§6):
// OpenAI and Anthropic chat endpoints, model listing, and the IDE
// masquerade endpoints, all terminated on a single gin.Engine.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
	"github.com/antigravity-gateway/localgw/internal/tokenmanager"
	"github.com/antigravity-gateway/localgw/internal/translator"
	"github.com/antigravity-gateway/localgw/internal/upstream"
)

// Deps bundles every collaborator a request handler needs. The
// internal/gateway Service constructs one with concrete upstream clients; tests point the same
// concrete types at an httptest.Server.
type Deps struct {
	Store         *store.Store
	Manager       *tokenmanager.Manager
	Aliases       *tokenmanager.AliasTable
	Gemini        *upstream.GeminiDispatcher
	Local         *upstream.LocalDispatcher
	Embedder      *upstream.Embedder
	Estimator     *translator.Estimator
	AuthToken     string
	DefaultModels []string
}

// Server owns the gin.Engine and the routing table.
type Server struct {
	deps Deps
	eng  *gin.Engine
}

// NewServer builds the routing table described by spec §6. Binding to
// an interface other than 127.0.0.1 is the caller's responsibility
// (internal/gateway's Service.Run); this package only wires routes onto whatever address
// the caller listens on.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	eng := gin.New()
	eng.Use(gin.Recovery())

	s := &Server{deps: deps, eng: eng}
	s.routes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.eng }

func (s *Server) routes() {
	auth := s.requireAuth()

	s.eng.POST("/v1/chat/completions", auth, s.handleOpenAIChat)
	s.eng.POST("/v1/messages", auth, s.handleAnthropicMessages)
	s.eng.GET("/v1/models", auth, s.handleListModels)

	// IDE masquerade surface (spec §4.3/§6): intentionally unauthenticated,
	// since the IDE calls these before it has anything to authenticate with.
	s.eng.POST("/v1internal:fetchAvailableModels", s.handleFetchAvailableModels)
	s.eng.POST("/v1internal:loadCodeAssist", s.handleLoadCodeAssist)
	s.eng.GET("/oauth2/v1/userinfo", s.handleUserinfo)
	s.eng.GET("/oauth2/v2/userinfo", s.handleUserinfo)
	s.eng.GET("/v1/people/me", s.handlePeopleMe)
}

// requireAuth enforces the optional shared bearer token (spec §6). A
// gateway configured without auth_token allows every request through.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.AuthToken == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token != s.deps.AuthToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

func writeGatewayError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	kind := gatewayerr.KindUpstreamTransient
	var gerr *gatewayerr.Error
	if errors.As(err, &gerr) {
		kind = gerr.Kind
	}
	switch kind {
	case gatewayerr.KindNoAccount:
		status = http.StatusServiceUnavailable
	case gatewayerr.KindUpstreamAuth:
		status = http.StatusUnauthorized
	case gatewayerr.KindUpstreamRateLimit:
		status = http.StatusTooManyRequests
	case gatewayerr.KindProtocol:
		status = http.StatusBadRequest
	case gatewayerr.KindStorage, gatewayerr.KindDecrypt, gatewayerr.KindConfig:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": gin.H{"type": string(kind), "message": err.Error()}})
}
