package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/translator"
)

// openStream implements the streaming analogue of runChatLoop (spec
// §4.3 steps 2-7): it resolves accounts and retries across them, but
// never commits to sending response headers until it has a concrete
// success in hand — either a complete synthetic sequence (local/cache
// paths) or the first translated batch off a live cloud stream.
func (s *Server) openStream(ctx context.Context, clientModel, promptText string) ([]translator.AnthropicEvent, *cloudStream, error) {
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
			return nil, nil, gatewayerr.ErrNoAccount
		}

		if account.IsLocalProvider() {
			outcome, err := s.dispatchLocal(ctx, account, promptText)
			if err == nil {
				return syntheticEventSequence(outcome.message), nil, nil
			}
			lastErr = err
			if rateLimitPattern.MatchString(err.Error()) {
				s.deps.Manager.MarkRateLimited(account.Email)
				continue
			}
			break
		}

		if resp, hit := s.consultCache(ctx, account, promptText); hit {
			msg := syntheticMessage(newRequestID(), upstreamModel, resp)
			return syntheticEventSequence(msg), nil, nil
		}

		cs, err := s.openCloudStream(ctx, account, upstreamModel, promptText)
		if err == nil {
			events := append([]translator.AnthropicEvent{translator.MessageStart(newRequestID(), upstreamModel, 0)}, cs.first...)
			return events, cs, nil
		}
		lastErr = err
		if rateLimitPattern.MatchString(err.Error()) {
			s.deps.Manager.MarkRateLimited(account.Email)
			continue
		}
		break
	}
	return nil, nil, lastErr
}

// streamAnthropic serves streaming /v1/messages requests.
func (s *Server) streamAnthropic(c *gin.Context, clientModel, promptText string) {
	firstEvents, cs, err := s.openStream(c.Request.Context(), clientModel, promptText)
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	emit := func(event translator.AnthropicEvent) error {
		frame, err := translator.FormatSSE(event)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte(frame)); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	for _, e := range firstEvents {
		if emit(e) != nil {
			if cs != nil {
				cs.body.Close()
			}
			return
		}
	}
	if cs != nil {
		s.drain(cs, emit)
	}
}

// streamOpenAI serves streaming /v1/chat/completions requests,
// re-projecting the Anthropic event sequence into OpenAI chunks as
// spec §4.3's "dynamic-shape translations" requires.
func (s *Server) streamOpenAI(c *gin.Context, clientModel, promptText string) {
	firstEvents, cs, err := s.openStream(c.Request.Context(), clientModel, promptText)
	if err != nil {
		writeGatewayError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	id := newRequestID()
	model := clientModel

	emit := func(event translator.AnthropicEvent) error {
		if chunk, ok := anthropicEventToOpenAIChunk(event, id, model); ok {
			frame, err := translator.FormatOpenAIChunk(chunk)
			if err != nil {
				return err
			}
			if _, err := c.Writer.Write([]byte(frame)); err != nil {
				return err
			}
			c.Writer.Flush()
		}
		if event.Type == "message_stop" {
			if _, err := c.Writer.Write([]byte(translator.DoneFrame)); err != nil {
				return err
			}
			c.Writer.Flush()
		}
		return nil
	}

	for _, e := range firstEvents {
		if emit(e) != nil {
			if cs != nil {
				cs.body.Close()
			}
			return
		}
	}
	if cs != nil {
		s.drain(cs, emit)
	}
}

// anthropicEventToOpenAIChunk projects one Anthropic SSE event onto
// the OpenAI chunk shape. Most Anthropic event types have no OpenAI
// analogue and are dropped (ok=false).
func anthropicEventToOpenAIChunk(event translator.AnthropicEvent, id, model string) (translator.OpenAIChunk, bool) {
	switch event.Type {
	case "content_block_delta":
		if event.Delta == nil || event.Delta.Type != "text_delta" {
			return translator.OpenAIChunk{}, false
		}
		return translator.OpenAIChunk{
			ID: id, Object: "chat.completion.chunk", Model: model,
			Choices: []translator.OpenAIChunkChoice{{
				Index: 0,
				Delta: translator.OpenAIChunkDelta{Content: event.Delta.Text},
			}},
		}, true
	case "message_delta":
		finish := "stop"
		if event.MessageDelta != nil && event.MessageDelta.StopReason == "max_tokens" {
			finish = "length"
		}
		return translator.OpenAIChunk{
			ID: id, Object: "chat.completion.chunk", Model: model,
			Choices: []translator.OpenAIChunkChoice{{
				Index: 0, FinishReason: &finish,
			}},
		}, true
	default:
		return translator.OpenAIChunk{}, false
	}
}
