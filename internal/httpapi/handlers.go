package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
	"github.com/antigravity-gateway/localgw/internal/translator"
)

// logRequestSize estimates and logs the token count of the raw request
// body, then restores it so ShouldBindJSON can still read it. A nil
// Estimator (e.g. in tests that don't need it) is a silent no-op.
func (s *Server) logRequestSize(c *gin.Context, route string) {
	if s.deps.Estimator == nil || c.Request.Body == nil {
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return
	}
	log.Debugf("httpapi: %s estimated request tokens=%d", route, s.deps.Estimator.EstimateRequestTokens(raw))
}

// anthropicMessagesRequest mirrors the subset of /v1/messages' request
// body the gateway needs. content may arrive as a bare string or as an
// array of {type, text} blocks (spec §4.3 "dynamic-shape translations").
type anthropicMessagesRequest struct {
	Model    string              `json:"model"`
	Stream   bool                `json:"stream"`
	Messages []anthropicReqMessage `json:"messages"`
}

type anthropicReqMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func extractLastAnthropicUserText(messages []anthropicReqMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return decodeAnthropicContent(messages[i].Content)
	}
	return "", gatewayerr.New(gatewayerr.KindProtocol, "no user message in request")
}

// decodeAnthropicContent handles both message-content shapes the
// Anthropic API accepts: a plain string, or an array of content blocks
// of which only "text" blocks contribute.
func decodeAnthropicContent(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindProtocol, "unrecognized message content shape", err)
	}
	var text string
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return text, nil
}

// handleOpenAIChat serves POST /v1/chat/completions (spec §4.3).
func (s *Server) handleOpenAIChat(c *gin.Context) {
	s.logRequestSize(c, "/v1/chat/completions")
	var req translator.OpenAIChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}
	promptText, err := translator.ExtractLastUserMessage(req.Messages)
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	if req.Stream {
		s.streamOpenAI(c, req.Model, promptText)
		return
	}

	outcome, err := s.runChatLoop(c.Request.Context(), req.Model, promptText)
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	resp := translator.FlattenToOpenAI(outcome.message, newRequestID(), outcome.message.Model)
	c.JSON(http.StatusOK, resp)
}

// handleAnthropicMessages serves POST /v1/messages (spec §4.3).
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	s.logRequestSize(c, "/v1/messages")
	var req anthropicMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}
	promptText, err := extractLastAnthropicUserText(req.Messages)
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	if req.Stream {
		s.streamAnthropic(c, req.Model, promptText)
		return
	}

	outcome, err := s.runChatLoop(c.Request.Context(), req.Model, promptText)
	if err != nil {
		writeGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome.message)
}

// handleListModels serves GET /v1/models per spec §4.3: the active
// account's selected_models if non-empty, else the keys of its quota,
// else a small built-in default set, with discovered local-provider
// models appended.
func (s *Server) handleListModels(c *gin.Context) {
	accounts, err := s.deps.Store.List()
	if err != nil {
		writeGatewayError(c, gatewayerr.Wrap(gatewayerr.KindStorage, "list accounts", err))
		return
	}

	models := s.cloudModelCatalogue(accounts)
	models = append(models, s.localModelCatalogue(c)...)

	data := make([]translator.ModelInfo, 0, len(models))
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if seen[m.id] || m.id == "" {
			continue
		}
		seen[m.id] = true
		data = append(data, translator.ModelInfo{
			ID:      m.id,
			Object:  "model",
			Created: defaultModelCreated(),
			OwnedBy: "antigravity-gateway",
			Local:   m.local,
		})
	}
	c.JSON(http.StatusOK, translator.ModelsListResponse{Object: "list", Data: data})
}

type catalogueModel struct {
	id    string
	local bool
}

func (s *Server) cloudModelCatalogue(accounts []*store.Account) []catalogueModel {
	var active *store.Account
	for _, a := range accounts {
		if a.IsActive && !a.IsLocalProvider() {
			active = a
			break
		}
	}
	if active == nil {
		out := make([]catalogueModel, 0, len(s.deps.DefaultModels))
		for _, id := range s.deps.DefaultModels {
			out = append(out, catalogueModel{id: id})
		}
		return out
	}
	if len(active.SelectedModels) > 0 {
		out := make([]catalogueModel, 0, len(active.SelectedModels))
		for _, id := range active.SelectedModels {
			out = append(out, catalogueModel{id: id})
		}
		return out
	}
	if len(active.Quota) > 0 {
		out := make([]catalogueModel, 0, len(active.Quota))
		for id := range active.Quota {
			out = append(out, catalogueModel{id: id})
		}
		return out
	}
	out := make([]catalogueModel, 0, len(s.deps.DefaultModels))
	for _, id := range s.deps.DefaultModels {
		out = append(out, catalogueModel{id: id})
	}
	return out
}

func (s *Server) localModelCatalogue(c *gin.Context) []catalogueModel {
	accounts, err := s.deps.Store.List()
	if err != nil {
		return nil
	}
	var out []catalogueModel
	for _, a := range accounts {
		if !a.IsLocalProvider() {
			continue
		}
		baseURL := a.Token.RefreshToken
		ids, err := s.deps.Local.ListModels(c.Request.Context(), baseURL)
		if err != nil {
			continue
		}
		for _, id := range ids {
			out = append(out, catalogueModel{id: id, local: true})
		}
	}
	return out
}

// The remaining handlers implement the IDE masquerade surface (spec
// §4.3/§6) with canned, internally-consistent payloads.

func (s *Server) handleFetchAvailableModels(c *gin.Context) {
	accounts, _ := s.deps.Store.List()
	ids := s.deps.DefaultModels
	for _, a := range accounts {
		if a.IsActive && len(a.SelectedModels) > 0 {
			ids = a.SelectedModels
			break
		}
	}
	raw, err := buildFetchAvailableModels(ids)
	if err != nil {
		writeGatewayError(c, gatewayerr.Wrap(gatewayerr.KindProtocol, "build fetchAvailableModels payload", err))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (s *Server) handleLoadCodeAssist(c *gin.Context) {
	c.JSON(http.StatusOK, buildLoadCodeAssist())
}

func (s *Server) handleUserinfo(c *gin.Context) {
	c.JSON(http.StatusOK, cannedProfile())
}

func (s *Server) handlePeopleMe(c *gin.Context) {
	c.JSON(http.StatusOK, buildPeopleMe())
}
