package tokenproc_test

import (
	"strings"
	"testing"

	"github.com/duckcoding/proxyfleet/tokenproc"
)

func TestCodexInputOutputArithmetic(t *testing.T) {
	reqBody := []byte(`{"model":"gpt-5-codex"}`)
	sse := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		`data: {"type":"response.completed","response":{"usage":{"input_tokens":1200,"input_tokens_details":{"cached_tokens":200},"output_tokens":300,"output_tokens_details":{"reasoning_tokens":50}}}}`,
		"",
	}, "\n")

	p := tokenproc.NewCodexProcessor()
	info, err := p.ProcessSSEResponse(reqBody, []byte(sse))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.InputTokens != 1000 {
		t.Fatalf("expected input_tokens = input_tokens - cached_tokens = 1000, got %d", info.InputTokens)
	}
	if info.CacheReadTokens != 200 {
		t.Fatalf("expected cache_read_tokens = 200, got %d", info.CacheReadTokens)
	}
	if info.ReasoningTokens != 50 {
		t.Fatalf("expected reasoning_tokens = 50, got %d", info.ReasoningTokens)
	}
	if info.MessageID != "resp_1" {
		t.Fatalf("unexpected message id: %s", info.MessageID)
	}
}

func TestCodexFallsBackToTotalInput(t *testing.T) {
	reqBody := []byte(`{"model":"gpt-5-codex"}`)
	jsonBody := []byte(`{"id":"resp_2","usage":{"total_input":500,"output_tokens":10}}`)

	p := tokenproc.NewCodexProcessor()
	info, err := p.ProcessJSONResponse(reqBody, jsonBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.InputTokens != 500 {
		t.Fatalf("expected fallback to total_input = 500, got %d", info.InputTokens)
	}
}

func TestCodexMissingUsageIsParseError(t *testing.T) {
	p := tokenproc.NewCodexProcessor()
	reqBody := []byte(`{"model":"gpt-5-codex"}`)
	_, err := p.ProcessSSEResponse(reqBody, []byte(`data: {"type":"response.created","response":{"id":"resp_1"}}`))
	if err == nil {
		t.Fatal("expected parse error when response.completed never arrives")
	}
}
