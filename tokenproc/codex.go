package tokenproc

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// CodexProcessor implements Processor for OpenAI's Responses API, as
// used by the Codex CLI.
type CodexProcessor struct{}

func NewCodexProcessor() *CodexProcessor { return &CodexProcessor{} }

func codexTokenInfoFromUsage(model, messageID string, usage gjson.Result) TokenInfo {
	totalInput := usage.Get("input_tokens")
	if !totalInput.Exists() {
		totalInput = usage.Get("total_input")
	}
	cachedTokens := usage.Get("input_tokens_details.cached_tokens").Int()

	// Codex reports input inclusive of cache hits; split so storage never
	// double-bills the cached portion.
	inputTokens := totalInput.Int() - cachedTokens
	return TokenInfo{
		Model:           model,
		MessageID:       messageID,
		InputTokens:     clampNonNegative(int(inputTokens)),
		OutputTokens:    clampNonNegative(int(usage.Get("output_tokens").Int())),
		CacheReadTokens: clampNonNegative(int(cachedTokens)),
		ReasoningTokens: clampNonNegative(int(usage.Get("output_tokens_details.reasoning_tokens").Int())),
	}
}

func (p *CodexProcessor) ProcessSSEResponse(requestBody, sseBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()
	if model == "" {
		return TokenInfo{}, &ParseError{Provider: "codex", Cause: fmt.Errorf("request body missing model")}
	}

	var messageID string
	var usage gjson.Result
	found := false

	for _, line := range bytes.Split(sseBytes, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		const prefix = "data: "
		if !bytes.HasPrefix(line, []byte(prefix)) {
			continue
		}
		payload := line[len(prefix):]
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		event := gjson.ParseBytes(payload)
		switch event.Get("type").String() {
		case "response.created":
			messageID = event.Get("response.id").String()
		case "response.completed":
			usage = event.Get("response.usage")
			found = usage.Exists()
		}
	}

	if !found {
		return TokenInfo{}, &ParseError{Provider: "codex", Cause: fmt.Errorf("no response.completed event found")}
	}
	return codexTokenInfoFromUsage(model, messageID, usage), nil
}

func (p *CodexProcessor) ProcessJSONResponse(requestBody, jsonBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()
	if model == "" {
		return TokenInfo{}, &ParseError{Provider: "codex", Cause: fmt.Errorf("request body missing model")}
	}
	if !gjson.ValidBytes(jsonBytes) {
		return TokenInfo{}, &ParseError{Provider: "codex", Cause: fmt.Errorf("invalid json body")}
	}

	root := gjson.ParseBytes(jsonBytes)
	usage := root.Get("usage")
	messageID := root.Get("id").String()
	if !usage.Exists() {
		// Some buffered responses mirror the SSE response.completed shape.
		usage = root.Get("response.usage")
		messageID = root.Get("response.id").String()
	}
	if !usage.Exists() {
		return TokenInfo{}, &ParseError{Provider: "codex", Cause: fmt.Errorf("response missing usage")}
	}
	return codexTokenInfoFromUsage(model, messageID, usage), nil
}

// ExtractCodexSessionID returns the prompt_cache_key field, Codex's
// natural session-stable identifier.
func ExtractCodexSessionID(requestBody []byte) string {
	return gjson.GetBytes(requestBody, "prompt_cache_key").String()
}
