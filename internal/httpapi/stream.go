package httpapi

import (
	"context"
	"io"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/store"
	"github.com/antigravity-gateway/localgw/internal/translator"
)

// syntheticEventSequence replays a complete message through the same
// Anthropic SSE shape a genuine stream would produce, per spec §4.3
// step 5 (cache hits) and the local-provider resolution in
// DESIGN.md's Open Question 5.
func syntheticEventSequence(msg *translator.AnthropicMessage) []translator.AnthropicEvent {
	text := flattenText(msg)
	events := []translator.AnthropicEvent{
		translator.MessageStart(msg.ID, msg.Model, msg.Usage.InputTokens),
		{Type: "content_block_start", Index: 0, ContentBlock: &translator.AnthropicContentBlock{Type: "text"}},
	}
	if text != "" {
		events = append(events, translator.AnthropicEvent{
			Type:  "content_block_delta",
			Index: 0,
			Delta: &translator.AnthropicDelta{Type: "text_delta", Text: text},
		})
	}
	events = append(events,
		translator.AnthropicEvent{Type: "content_block_stop", Index: 0},
		translator.AnthropicEvent{Type: "message_delta", MessageDelta: &translator.AnthropicMessageDelta{
			StopReason: msg.StopReason,
			Usage:      msg.Usage,
		}},
		translator.AnthropicEvent{Type: "message_stop"},
	)
	return events
}

// cloudStream holds an open upstream SSE body plus the part-processor
// state needed to keep translating it, and the first translated batch
// of events already pulled off the wire (spec §4.3's "pull the first
// event before committing to send headers" pattern: a failure before
// any bytes reach the client is still retriable by the caller).
type cloudStream struct {
	body    io.ReadCloser
	scanner *translator.GeminiLineScanner
	proc    *translator.PartProcessor
	first   []translator.AnthropicEvent

	account     *store.Account
	promptText  string
	model       string
	accumulated string
}

// openCloudStream dispatches a streaming cloud request and blocks
// until either a real event arrives (success) or the stream proves
// empty/erroring (failure, which the caller retries against another
// account per spec §4.3 step 7).
func (s *Server) openCloudStream(ctx context.Context, account *store.Account, upstreamModel, promptText string) (*cloudStream, error) {
	req := buildGeminiRequest(upstreamModel, account.Token.ProjectID, promptText)
	body, err := s.deps.Gemini.Dispatch(ctx, account.Token.AccessToken, req, true)
	if err != nil {
		return nil, err
	}

	cs := &cloudStream{
		body:       body,
		scanner:    translator.NewGeminiLineScanner(body),
		proc:       translator.NewPartProcessor(),
		account:    account,
		promptText: promptText,
		model:      upstreamModel,
	}

	for {
		event, err, ok := cs.scanner.Next()
		if err != nil {
			// Malformed line: spec §4.3 "parse errors do not tear down
			// the stream; they are skipped and the scan continues".
			continue
		}
		if !ok {
			body.Close()
			return nil, gatewayerr.ErrEmptyStream
		}
		translated := cs.proc.ProcessEvent(event)
		cs.accumulate(translated)
		if len(translated) == 0 {
			continue
		}
		cs.first = translated
		return cs, nil
	}
}

func (cs *cloudStream) accumulate(events []translator.AnthropicEvent) {
	for _, e := range events {
		if e.Type == "content_block_delta" && e.Delta != nil && e.Delta.Type == "text_delta" {
			cs.accumulated += e.Delta.Text
		}
	}
}

// drain writes every remaining translated event to emit, including
// the terminal message_delta/message_stop pair, fire-and-forget caches
// the accumulated response (spec §4.3 step 6), and closes the body. A
// failure from emit (client disconnected) stops the drain silently.
func (s *Server) drain(cs *cloudStream, emit func(translator.AnthropicEvent) error) {
	defer cs.body.Close()
	for {
		event, err, ok := cs.scanner.Next()
		if err != nil {
			continue
		}
		if !ok {
			break
		}
		translated := cs.proc.ProcessEvent(event)
		cs.accumulate(translated)
		for _, e := range translated {
			if emitErr := emit(e); emitErr != nil {
				return
			}
		}
	}
	terminal, err := cs.proc.Finish()
	if err == nil {
		for _, e := range terminal {
			if emitErr := emit(e); emitErr != nil {
				return
			}
		}
	}
	if cs.accumulated != "" {
		s.saveToCacheText(cs.account, cs.promptText, cs.accumulated, cs.model)
	}
}
