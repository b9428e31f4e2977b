package translator

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens in a raw Anthropic/OpenAI request payload
// for request-size logging. It is not a substitute for the upstream
// provider's own accounting — Gemini's countTokens call remains the
// source of truth for quota purposes — but gives the gateway a
// same-process number to log (it is not used to size or limit any
// request), grounded on the teacher's own token_estimator.go role
// (`_examples/meglinge-CLIProxyAPI/internal/runtime/executor/token_estimator.go`),
// generalised from its character-unit heuristic to an actual BPE count
// via tiktoken-go/tokenizer.
type Estimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewEstimator loads the cl100k_base encoding, the closest public
// encoding to what Claude/Gemini models actually use; exact parity
// isn't the goal, a stable same-process estimate is.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Estimator{codec: codec}, nil
}

func (e *Estimator) count(s string) int {
	if s == "" {
		return 0
	}
	e.mu.Lock()
	ids, _, err := e.codec.Encode(s)
	e.mu.Unlock()
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimateSystemTokens counts the "system" field, which may be a
// string or an array of content blocks (Anthropic shape).
func (e *Estimator) EstimateSystemTokens(payload []byte) int {
	system := gjson.GetBytes(payload, "system")
	if !system.Exists() {
		return 0
	}
	if system.Type == gjson.String {
		return e.count(system.String())
	}
	total := 0
	system.ForEach(func(_, block gjson.Result) bool {
		total += e.count(block.Get("text").String())
		return true
	})
	return total
}

// EstimateMessagesTokens counts role and content across every message,
// handling both the plain-string and content-block-array shapes.
func (e *Estimator) EstimateMessagesTokens(payload []byte) int {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return 0
	}
	total := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		total += e.count(msg.Get("role").String())
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += e.count(content.String())
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				total += e.count(part.Get("text").String())
				return true
			})
		}
		return true
	})
	return total
}

// EstimateToolsTokens counts tool/function declarations under either
// Anthropic's "tools" or OpenAI's "tools"/"functions" shape, favoring
// the nested function.* fields when present to avoid double-counting
// the OpenAI wrapper and its inner function object.
func (e *Estimator) EstimateToolsTokens(payload []byte) int {
	tools := gjson.GetBytes(payload, "tools")
	if !tools.IsArray() {
		tools = gjson.GetBytes(payload, "functions")
		if !tools.IsArray() {
			return 0
		}
	}
	total := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		if fn := tool.Get("function"); fn.Exists() {
			total += e.count(fn.Get("name").String())
			total += e.count(fn.Get("description").String())
			total += e.count(fn.Get("parameters").Raw)
			return true
		}
		total += e.count(tool.Get("name").String())
		total += e.count(tool.Get("description").String())
		total += e.count(tool.Get("input_schema").Raw)
		total += e.count(tool.Get("parameters").Raw)
		return true
	})
	return total
}

// EstimateRequestTokens sums system, message, and tool tokens for a
// raw Anthropic- or OpenAI-shaped request body.
func (e *Estimator) EstimateRequestTokens(payload []byte) int {
	return e.EstimateSystemTokens(payload) + e.EstimateMessagesTokens(payload) + e.EstimateToolsTokens(payload)
}
