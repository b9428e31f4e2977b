package httpapi

import (
	"context"
	"math/rand"
	"regexp"
	"time"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
	"github.com/antigravity-gateway/localgw/internal/translator"
	"github.com/antigravity-gateway/localgw/internal/upstream"
)

const semanticCacheThreshold = 0.97

// rateLimitPattern matches any dispatch error message that signals
// quota exhaustion, per spec §4.3 step 7.
var rateLimitPattern = regexp.MustCompile(`(?i)429|quota|limit|resource_exhausted`)

// chatOutcome is the normalized result of one successful dispatch
// attempt, translated into the Anthropic intermediate shape
// regardless of which upstream or cache path produced it. Handlers
// flatten it to OpenAI or emit it as Anthropic SSE as the caller needs.
type chatOutcome struct {
	message *translator.AnthropicMessage
	cached  bool
}

// runChatLoop implements the full retry loop of spec §4.3 steps 2-7.
// promptText is the last user message, already extracted by the
// caller; clientModel is the model the caller asked for (pre-alias).
func (s *Server) runChatLoop(ctx context.Context, clientModel, promptText string) (*chatOutcome, error) {
	upstreamModel := s.deps.Aliases.Resolve(clientModel)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			sleepWithJitter(attempt)
		}

		account, err := s.deps.Manager.GetNext(ctx, upstreamModel)
		if err != nil {
			lastErr = err
			continue
		}
		if account == nil {
			return nil, gatewayerr.ErrNoAccount
		}

		outcome, err := s.dispatchOnce(ctx, account, upstreamModel, promptText)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if rateLimitPattern.MatchString(err.Error()) {
			s.deps.Manager.MarkRateLimited(account.Email)
			continue
		}
		break
	}
	return nil, lastErr
}

func sleepWithJitter(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	time.Sleep(base + jitter)
}

// dispatchOnce performs local-provider dispatch, cache consult, or
// cloud dispatch for a single selected account (spec §4.3 steps 4-6).
func (s *Server) dispatchOnce(ctx context.Context, account *store.Account, upstreamModel, promptText string) (*chatOutcome, error) {
	if account.IsLocalProvider() {
		return s.dispatchLocal(ctx, account, promptText)
	}

	if resp, hit := s.consultCache(ctx, account, promptText); hit {
		return &chatOutcome{message: syntheticMessage(newRequestID(), upstreamModel, resp), cached: true}, nil
	}

	return s.dispatchCloud(ctx, account, upstreamModel, promptText)
}

// consultCache implements spec §4.1's exact-then-vector lookup. Both
// steps degrade silently on error (spec §7: "cache-layer errors are
// logged only").
func (s *Server) consultCache(ctx context.Context, account *store.Account, promptText string) (string, bool) {
	if resp, ok, err := s.deps.Store.CacheFindExact(promptText); err == nil && ok {
		return resp, true
	}

	vector, err := s.deps.Embedder.Embed(ctx, account.Token.AccessToken, promptText)
	if err != nil || len(vector) == 0 {
		return "", false
	}
	resp, ok, err := s.deps.Store.CacheFindSemantic(vector, semanticCacheThreshold)
	if err != nil || !ok {
		return "", false
	}
	return resp, true
}

// syntheticMessage wraps a plain response string into the Anthropic
// intermediate shape, used both for cache hits (spec §4.3 step 5) and
// for local-provider completions (step 4).
func syntheticMessage(id, model, responseText string) *translator.AnthropicMessage {
	return &translator.AnthropicMessage{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []translator.AnthropicContentBlock{{Type: "text", Text: responseText}},
		StopReason: "end_turn",
	}
}

// dispatchLocal sends the prompt to a local OpenAI-compatible server
// and wraps the plain-text completion into the Anthropic intermediate
// shape (spec §4.3 step 4). Local responses are never cached — the
// cache is reserved for cloud completions spec.md §4.1 ties to
// Account-scoped embeddings.
func (s *Server) dispatchLocal(ctx context.Context, account *store.Account, promptText string) (*chatOutcome, error) {
	baseURL := account.Token.RefreshToken // overloaded field: local base URL
	localModel := account.Token.ProjectID // overloaded field: local model id

	body, err := buildLocalRequestBody(localModel, promptText)
	if err != nil {
		return nil, err
	}
	respBody, _, err := s.deps.Local.ChatCompletions(ctx, baseURL, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	text, err := parseLocalCompletionText(respBody)
	if err != nil {
		return nil, err
	}
	return &chatOutcome{message: syntheticMessage(newRequestID(), localModel, text)}, nil
}

// dispatchCloud translates, dispatches, and translates back a
// non-streaming cloud request, then fire-and-forgets a cache write
// (spec §4.3 step 6).
func (s *Server) dispatchCloud(ctx context.Context, account *store.Account, upstreamModel, promptText string) (*chatOutcome, error) {
	req := buildGeminiRequest(upstreamModel, account.Token.ProjectID, promptText)

	body, err := s.deps.Gemini.Dispatch(ctx, account.Token.AccessToken, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var event translator.GeminiEvent
	if err := decodeJSON(body, &event); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProtocol, "decode gemini response", err)
	}

	msg, err := translator.NonStreamToAnthropic(newRequestID(), upstreamModel, []*translator.GeminiEvent{&event})
	if err != nil {
		return nil, err
	}

	s.saveToCache(account, promptText, msg, upstreamModel)
	return &chatOutcome{message: msg}, nil
}

// saveToCache is fire-and-forget: a failed write must never fail the
// client request (spec §4.3 step 6 / §7).
func (s *Server) saveToCache(account *store.Account, promptText string, msg *translator.AnthropicMessage, model string) {
	s.saveToCacheText(account, promptText, flattenText(msg), model)
}

func (s *Server) saveToCacheText(account *store.Account, promptText, responseText, model string) {
	if responseText == "" {
		return
	}
	entry := store.CacheEntry{PromptText: promptText, ResponseText: responseText, Model: model}
	vector, err := s.deps.Embedder.Embed(context.Background(), account.Token.AccessToken, promptText)
	if err == nil {
		entry.Embedding = vector
	}
	if err := s.deps.Store.CacheSave(entry); err != nil {
		logCacheWriteFailure(err)
	}
}

func flattenText(msg *translator.AnthropicMessage) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

func buildGeminiRequest(model, projectID, promptText string) upstream.GeminiRequest {
	turn := upstream.GeminiTurn{Role: "user"}
	turn.Parts = []struct {
		Text string `json:"text"`
	}{{Text: promptText}}
	return upstream.GeminiRequest{
		Model:   model,
		Project: projectID,
		Request: upstream.GeminiInnerRequest{Contents: []upstream.GeminiTurn{turn}},
	}
}
