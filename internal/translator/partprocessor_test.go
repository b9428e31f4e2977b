package translator

import (
	"testing"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

// S5 — SSE Anthropic translation.
func TestS5SSEAnthropicTranslation(t *testing.T) {
	p := NewPartProcessor()

	first := &GeminiEvent{Candidates: []GeminiCandidate{{
		Content: GeminiContent{Parts: []GeminiPart{{Text: "Hello"}}},
	}}}
	second := &GeminiEvent{Candidates: []GeminiCandidate{{
		Content:      GeminiContent{Parts: []GeminiPart{{Text: " world"}}},
		FinishReason: "STOP",
	}}, UsageMetadata: &GeminiUsageMetadata{PromptTokenCount: 1, CandidatesTokenCount: 2}}

	var events []AnthropicEvent
	events = append(events, MessageStart("msg-1", "gemini-3-pro-preview", 1))
	events = append(events, p.ProcessEvent(first)...)
	events = append(events, p.ProcessEvent(second)...)
	terminal, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	events = append(events, terminal...)

	if events[0].Type != "message_start" {
		t.Fatalf("expected first event message_start, got %s", events[0].Type)
	}
	if events[1].Type != "content_block_start" || events[1].Index != 0 || events[1].ContentBlock.Type != "text" {
		t.Fatalf("expected content_block_start(index=0,type=text), got %+v", events[1])
	}

	var concatenated string
	deltaCount := 0
	for _, e := range events {
		if e.Type == "content_block_delta" {
			deltaCount++
			concatenated += e.Delta.Text
		}
	}
	if deltaCount != 2 {
		t.Fatalf("expected two content_block_delta events, got %d", deltaCount)
	}
	if concatenated != "Hello world" {
		t.Fatalf("expected concatenated text 'Hello world', got %q", concatenated)
	}

	last3 := events[len(events)-3:]
	if last3[0].Type != "content_block_stop" || last3[0].Index != 0 {
		t.Fatalf("expected content_block_stop(index=0), got %+v", last3[0])
	}
	if last3[1].Type != "message_delta" || last3[1].MessageDelta.StopReason != "end_turn" || last3[1].MessageDelta.Usage.OutputTokens != 2 {
		t.Fatalf("expected message_delta(stop_reason=end_turn, usage.output_tokens=2), got %+v", last3[1])
	}
	if last3[2].Type != "message_stop" {
		t.Fatalf("expected message_stop, got %+v", last3[2])
	}
}

// Boundary behaviour: zero upstream events followed by end produces
// exactly one error outcome, message "Empty response stream".
func TestEmptyStreamBoundary(t *testing.T) {
	p := NewPartProcessor()
	_, err := p.Finish()
	if err == nil {
		t.Fatal("expected an error for a stream with zero events")
	}
	if !isEmptyStreamErr(err) {
		t.Fatalf("expected an EmptyStream-kind error, got %v", err)
	}
}

func isEmptyStreamErr(err error) bool {
	ge, ok := err.(*gatewayerr.Error)
	return ok && ge.Kind == gatewayerr.KindEmptyStream
}

func TestToolUseBlockTranslation(t *testing.T) {
	p := NewPartProcessor()
	event := &GeminiEvent{Candidates: []GeminiCandidate{{
		Content: GeminiContent{Parts: []GeminiPart{{
			FunctionCall: &GeminiFunctionCall{Name: "search", Args: map[string]any{"q": "weather"}},
		}}},
	}}}
	events := p.ProcessEvent(event)
	if len(events) != 2 {
		t.Fatalf("expected content_block_start + content_block_delta, got %d events", len(events))
	}
	if events[0].ContentBlock.Type != "tool_use" || events[0].ContentBlock.Name != "search" {
		t.Fatalf("expected tool_use block named 'search', got %+v", events[0].ContentBlock)
	}
	if events[1].Delta.Type != "input_json_delta" {
		t.Fatalf("expected input_json_delta, got %+v", events[1].Delta)
	}
}

func TestThinkingThenTextBoundary(t *testing.T) {
	p := NewPartProcessor()
	thinking := &GeminiEvent{Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: "pondering", Thought: true}}}}}}
	text := &GeminiEvent{Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: "answer"}}}}}}

	got := p.ProcessEvent(thinking)
	if got[0].ContentBlock.Type != "thinking" {
		t.Fatalf("expected thinking block, got %+v", got[0].ContentBlock)
	}

	got = p.ProcessEvent(text)
	if got[0].Type != "content_block_stop" || got[0].Index != 0 {
		t.Fatalf("expected the thinking block to close before a text block opens, got %+v", got[0])
	}
	if got[1].ContentBlock.Type != "text" || got[1].Index != 1 {
		t.Fatalf("expected a new text block at index 1, got %+v", got[1])
	}
}
