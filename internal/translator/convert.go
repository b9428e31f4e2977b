package translator

import (
	"encoding/json"
	"strings"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// NonStreamToAnthropic folds a complete sequence of upstream Gemini
// events (as would arrive over a non-streaming call, or a fully
// drained SSE stream) into one Anthropic message response (spec §4.3
// "Non-streaming translation").
func NonStreamToAnthropic(id, model string, events []*GeminiEvent) (*AnthropicMessage, error) {
	p := NewPartProcessor()
	blocks := []AnthropicContentBlock{}
	blockOf := map[int]*AnthropicContentBlock{}

	for _, event := range events {
		for _, anthEvent := range p.ProcessEvent(event) {
			switch anthEvent.Type {
			case "content_block_start":
				blocks = append(blocks, *anthEvent.ContentBlock)
				blockOf[anthEvent.Index] = &blocks[len(blocks)-1]
			case "content_block_delta":
				block := blockOf[anthEvent.Index]
				if block == nil {
					continue
				}
				switch anthEvent.Delta.Type {
				case "text_delta":
					block.Text += anthEvent.Delta.Text
				case "thinking_delta":
					block.Text += anthEvent.Delta.Thinking
				case "input_json_delta":
					var input map[string]any
					_ = json.Unmarshal([]byte(anthEvent.Delta.PartialJSON), &input)
					block.Input = input
				}
			}
		}
	}

	terminal, err := p.Finish()
	if err != nil {
		return nil, err
	}
	var stopReason string
	var usage AnthropicUsage
	for _, e := range terminal {
		if e.Type == "message_delta" {
			stopReason = e.MessageDelta.StopReason
			usage = e.MessageDelta.Usage
		}
	}

	return &AnthropicMessage{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

// FlattenToOpenAI flattens an Anthropic message into a single
// choices[0].message.content string for OpenAI callers (spec §4.3).
func FlattenToOpenAI(msg *AnthropicMessage, id, model string) OpenAIChatResponse {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return OpenAIChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      OpenAIMessage{Role: "assistant", Content: text.String()},
			FinishReason: openAIFinishReason(msg.StopReason),
		}},
		Usage: OpenAIUsage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}
}

func openAIFinishReason(anthropicStopReason string) string {
	switch anthropicStopReason {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// ExtractLastUserMessage returns the last "user"-role message's
// content, used to key the semantic cache and to build local-provider
// requests (spec §4.3 step 5).
func ExtractLastUserMessage(messages []OpenAIMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", gatewayerr.New(gatewayerr.KindProtocol, "no user message in request")
}
