package translator

// AnthropicMessage is the non-streaming `/v1/messages` response shape.
type AnthropicMessage struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

type AnthropicContentBlock struct {
	Type  string         `json:"type"` // "text", "thinking", or "tool_use"
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicEvent is a tagged union of every SSE event type the
// streaming path can emit (spec §4.3/§9 "dynamic-shape translations").
type AnthropicEvent struct {
	Type string `json:"type"`

	// message_start
	Message *AnthropicMessage `json:"message,omitempty"`

	// content_block_start / content_block_stop
	Index        int                    `json:"index,omitempty"`
	ContentBlock *AnthropicContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *AnthropicDelta `json:"delta,omitempty"`

	// message_delta
	MessageDelta *AnthropicMessageDelta `json:"-"`

	// error
	Error *AnthropicError `json:"error,omitempty"`
}

type AnthropicDelta struct {
	Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type AnthropicMessageDelta struct {
	StopReason string         `json:"stop_reason"`
	Usage      AnthropicUsage `json:"usage"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStopReason maps a Gemini finishReason to the Anthropic
// stop_reason vocabulary.
func anthropicStopReason(geminiFinishReason string) string {
	switch geminiFinishReason {
	case "STOP", "":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// MarshalEventJSON renders the event's data payload as Anthropic
// clients expect it (message_delta nests stop_reason/usage directly
// under "delta"/"usage" rather than under "message", hence the custom
// marshalling here instead of relying solely on struct tags).
func (e *AnthropicEvent) MarshalEventJSON() (string, map[string]any) {
	out := map[string]any{"type": e.Type}
	switch e.Type {
	case "message_start":
		out["message"] = e.Message
	case "content_block_start":
		out["index"] = e.Index
		out["content_block"] = e.ContentBlock
	case "content_block_delta":
		out["index"] = e.Index
		out["delta"] = e.Delta
	case "content_block_stop":
		out["index"] = e.Index
	case "message_delta":
		out["delta"] = map[string]any{"stop_reason": e.MessageDelta.StopReason}
		out["usage"] = e.MessageDelta.Usage
	case "message_stop":
		// no extra fields
	case "error":
		out["error"] = e.Error
	}
	return e.Type, out
}
