package translator

import "testing"

func newEstimatorForTest(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator()
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	return e
}

func TestEstimateMessagesTokensHandlesStringContent(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{"messages":[{"role":"user","content":"hello there"}]}`)
	if got := e.EstimateMessagesTokens(payload); got == 0 {
		t.Fatal("expected non-zero token count for non-empty message")
	}
}

func TestEstimateMessagesTokensHandlesBlockContent(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"hello there"}]}]}`)
	if got := e.EstimateMessagesTokens(payload); got == 0 {
		t.Fatal("expected non-zero token count for block-shaped content")
	}
}

func TestEstimateSystemTokensString(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{"system":"you are a helpful assistant"}`)
	if got := e.EstimateSystemTokens(payload); got == 0 {
		t.Fatal("expected non-zero system token count")
	}
}

func TestEstimateToolsTokensAnthropicShape(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{"tools":[{"name":"get_weather","description":"fetch current weather","input_schema":{"type":"object"}}]}`)
	if got := e.EstimateToolsTokens(payload); got == 0 {
		t.Fatal("expected non-zero tools token count")
	}
}

func TestEstimateToolsTokensOpenAIShape(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{"tools":[{"type":"function","function":{"name":"get_weather","description":"fetch current weather","parameters":{"type":"object"}}}]}`)
	if got := e.EstimateToolsTokens(payload); got == 0 {
		t.Fatal("expected non-zero tools token count for OpenAI shape")
	}
}

func TestEstimateRequestTokensSumsAllParts(t *testing.T) {
	e := newEstimatorForTest(t)
	payload := []byte(`{
		"system": "be concise",
		"messages": [{"role": "user", "content": "what is the weather"}],
		"tools": [{"name": "get_weather", "description": "fetch weather"}]
	}`)
	total := e.EstimateRequestTokens(payload)
	system := e.EstimateSystemTokens(payload)
	messages := e.EstimateMessagesTokens(payload)
	tools := e.EstimateToolsTokens(payload)
	if total != system+messages+tools {
		t.Fatalf("total %d != sum of parts %d", total, system+messages+tools)
	}
}

func TestEstimateEmptyPayloadIsZero(t *testing.T) {
	e := newEstimatorForTest(t)
	if got := e.EstimateRequestTokens([]byte(`{}`)); got != 0 {
		t.Fatalf("expected 0 tokens for empty payload, got %d", got)
	}
}
