package tokenproc

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// GeminiProcessor implements Processor for Google's Generative Language
// API. The upstream reference this module generalizes from leaves
// Gemini token extraction unimplemented; spec.md §9 ("Gemini token
// extraction") recommends a minimal usageMetadata parser over guessing,
// which is what this does: only input/output counts are populated, all
// cache/reasoning fields stay zero since Gemini's usageMetadata carries
// no equivalent today.
type GeminiProcessor struct{}

func NewGeminiProcessor() *GeminiProcessor { return &GeminiProcessor{} }

func geminiTokenInfoFromUsage(model string, usage gjson.Result) TokenInfo {
	return TokenInfo{
		Model:        model,
		InputTokens:  clampNonNegative(int(usage.Get("promptTokenCount").Int())),
		OutputTokens: clampNonNegative(int(usage.Get("candidatesTokenCount").Int())),
	}
}

// ProcessSSEResponse handles Gemini's streamGenerateContent output when
// requested with alt=sse: newline-delimited "data: {...}" chunks, where
// the final chunk carries the cumulative usageMetadata.
func (p *GeminiProcessor) ProcessSSEResponse(requestBody, sseBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()

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
		if u := event.Get("usageMetadata"); u.Exists() {
			usage = u
			found = true
		}
	}

	if !found {
		return TokenInfo{}, &ParseError{Provider: "gemini", Cause: fmt.Errorf("no usageMetadata found in stream")}
	}
	return geminiTokenInfoFromUsage(model, usage), nil
}

// ProcessJSONResponse handles the buffered generateContent response: a
// single object with a top-level usageMetadata field.
func (p *GeminiProcessor) ProcessJSONResponse(requestBody, jsonBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()
	if !gjson.ValidBytes(jsonBytes) {
		return TokenInfo{}, &ParseError{Provider: "gemini", Cause: fmt.Errorf("invalid json body")}
	}

	usage := gjson.GetBytes(jsonBytes, "usageMetadata")
	if !usage.Exists() {
		return TokenInfo{}, &ParseError{Provider: "gemini", Cause: fmt.Errorf("response missing usageMetadata")}
	}
	return geminiTokenInfoFromUsage(model, usage), nil
}
