package httpapi

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
	"github.com/antigravity-gateway/localgw/internal/translator"
)

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func newRequestID() string {
	return "msg_" + uuid.NewString()
}

func buildLocalRequestBody(localModel, promptText string) ([]byte, error) {
	req := translator.OpenAIChatRequest{
		Model:    localModel,
		Messages: []translator.OpenAIMessage{{Role: "user", Content: promptText}},
		Stream:   false,
	}
	return json.Marshal(req)
}

func parseLocalCompletionText(body io.Reader) (string, error) {
	var resp translator.OpenAIChatResponse
	if err := decodeJSON(body, &resp); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindProtocol, "decode local completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", gatewayerr.New(gatewayerr.KindProtocol, "local completion had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func logCacheWriteFailure(err error) {
	log.WithError(err).Warn("httpapi: cache write failed")
}
