package translator

import (
	"encoding/json"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// partKind is the explicit state PartProcessor tracks between Gemini
// parts, per spec §9's "none → text → thinking → text → toolUse → …"
// design note.
type partKind int

const (
	partNone partKind = iota
	partText
	partThinking
	partToolUse
)

// PartProcessor is the streaming state machine that maps Gemini
// candidates[0].content.parts[0] entries to Anthropic content_block
// events, opening and closing blocks at the right boundaries and
// translating tool-call parts into input_json_delta events (spec
// §4.3 "SSE stream translation").
type PartProcessor struct {
	state        partKind
	nextIndex    int
	receivedAny  bool
	finishReason string
	usage        GeminiUsageMetadata
}

// NewPartProcessor returns a processor in the "none" state.
func NewPartProcessor() *PartProcessor {
	return &PartProcessor{}
}

// MessageStart builds the opening message_start event. inputTokens may
// be 0 if not yet known; Anthropic clients tolerate a provisional usage.
func MessageStart(id, model string, inputTokens int) AnthropicEvent {
	return AnthropicEvent{
		Type: "message_start",
		Message: &AnthropicMessage{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []AnthropicContentBlock{},
			Usage:   AnthropicUsage{InputTokens: inputTokens},
		},
	}
}

func kindOf(part *GeminiPart) partKind {
	switch {
	case part == nil:
		return partNone
	case part.FunctionCall != nil || part.ExecutableCode != nil:
		return partToolUse
	case part.Thought:
		return partThinking
	default:
		return partText
	}
}

// ProcessEvent consumes one parsed Gemini SSE event and returns zero or
// more Anthropic events to forward to the client immediately (parse
// errors from the caller are handled by the caller — a malformed
// upstream line does not tear down the stream per spec §4.3, it just
// produces no events here).
func (p *PartProcessor) ProcessEvent(event *GeminiEvent) []AnthropicEvent {
	var out []AnthropicEvent
	if event == nil {
		return out
	}
	if reason := event.FinishReason(); reason != "" {
		p.finishReason = reason
	}
	if event.UsageMetadata != nil {
		p.usage = *event.UsageMetadata
	}

	part := event.FirstPart()
	if part == nil {
		return out
	}
	p.receivedAny = true
	kind := kindOf(part)

	if kind != p.state {
		if p.state != partNone {
			out = append(out, AnthropicEvent{Type: "content_block_stop", Index: p.nextIndex - 1})
		}
		block := &AnthropicContentBlock{}
		switch kind {
		case partText:
			block.Type = "text"
		case partThinking:
			block.Type = "thinking"
		case partToolUse:
			block.Type = "tool_use"
			if part.FunctionCall != nil {
				block.Name = part.FunctionCall.Name
			} else {
				block.Name = "code_execution"
			}
			block.Input = map[string]any{}
		}
		out = append(out, AnthropicEvent{Type: "content_block_start", Index: p.nextIndex, ContentBlock: block})
		p.state = kind
		p.nextIndex++
	}

	switch kind {
	case partText:
		out = append(out, AnthropicEvent{
			Type:  "content_block_delta",
			Index: p.nextIndex - 1,
			Delta: &AnthropicDelta{Type: "text_delta", Text: part.Text},
		})
	case partThinking:
		out = append(out, AnthropicEvent{
			Type:  "content_block_delta",
			Index: p.nextIndex - 1,
			Delta: &AnthropicDelta{Type: "thinking_delta", Thinking: part.Text},
		})
	case partToolUse:
		var args map[string]any
		if part.FunctionCall != nil {
			args = part.FunctionCall.Args
		} else {
			args = map[string]any{"language": part.ExecutableCode.Language, "code": part.ExecutableCode.Code}
		}
		raw, _ := json.Marshal(args)
		out = append(out, AnthropicEvent{
			Type:  "content_block_delta",
			Index: p.nextIndex - 1,
			Delta: &AnthropicDelta{Type: "input_json_delta", PartialJSON: string(raw)},
		})
	}
	return out
}

// Finish is called once the upstream stream ends. It closes any open
// block and emits the terminal message_delta/message_stop sequence. If
// no event ever carried a part, it returns gatewayerr.ErrEmptyStream
// (spec §4.3/§8: "Empty response stream", retriable by the outer loop).
func (p *PartProcessor) Finish() ([]AnthropicEvent, error) {
	if !p.receivedAny {
		return nil, gatewayerr.ErrEmptyStream
	}
	var out []AnthropicEvent
	if p.state != partNone {
		out = append(out, AnthropicEvent{Type: "content_block_stop", Index: p.nextIndex - 1})
	}
	out = append(out, AnthropicEvent{
		Type: "message_delta",
		MessageDelta: &AnthropicMessageDelta{
			StopReason: anthropicStopReason(p.finishReason),
			Usage:      AnthropicUsage{OutputTokens: p.usage.CandidatesTokenCount},
		},
	})
	out = append(out, AnthropicEvent{Type: "message_stop"})
	return out, nil
}
