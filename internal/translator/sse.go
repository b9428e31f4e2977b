package translator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FormatSSE renders one Anthropic event as the `event: <type>\ndata:
// <json>\n\n` frame Anthropic SSE clients expect.
func FormatSSE(event AnthropicEvent) (string, error) {
	typ, payload := event.MarshalEventJSON()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", typ, raw), nil
}

// FormatOpenAIChunk renders one OpenAI `data: <json>\n\n` frame.
func FormatOpenAIChunk(chunk OpenAIChunk) (string, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data: %s\n\n", raw), nil
}

// DoneFrame is the terminal literal OpenAI SSE streams end with.
const DoneFrame = "data: [DONE]\n\n"

// GeminiLineScanner wraps the upstream response body, buffering
// partial lines across chunks and splitting on "\n" as spec §4.3
// requires, and extracts the JSON payload from each `data: <json>`
// line. Blank lines and non-data lines are skipped. Next returns
// (nil, nil, false) at clean end of stream.
type GeminiLineScanner struct {
	scanner *bufio.Scanner
}

func NewGeminiLineScanner(r io.Reader) *GeminiLineScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &GeminiLineScanner{scanner: s}
}

// Next returns the next parsed event. ok=false with err=nil means the
// stream ended cleanly; err != nil is a non-fatal parse error for that
// one line — per spec §4.3 parse errors do not tear down the stream,
// so callers should log and keep calling Next.
func (g *GeminiLineScanner) Next() (event *GeminiEvent, err error, ok bool) {
	for g.scanner.Scan() {
		line := strings.TrimSpace(g.scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var e GeminiEvent
		if jsonErr := json.Unmarshal([]byte(payload), &e); jsonErr != nil {
			return nil, jsonErr, true
		}
		return &e, nil, true
	}
	return nil, g.scanner.Err(), false
}
