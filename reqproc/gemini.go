package reqproc

import (
	"net/http"

	"github.com/google/uuid"
)

var geminiExclude = map[string]bool{
	"Host":          true,
	"X-Goog-Api-Key": true,
	"Authorization":  true,
	"X-Api-Key":      true,
}

// GeminiProcessor implements Processor for Google's Generative Language
// API.
type GeminiProcessor struct{}

func NewGeminiProcessor() *GeminiProcessor { return &GeminiProcessor{} }

func (p *GeminiProcessor) ProcessOutgoingRequest(baseURL, apiKey, path, query string, headers http.Header, body []byte) (ProcessedRequest, error) {
	out := copyHeadersExcept(headers, geminiExclude)
	out.Set("x-goog-api-key", apiKey)
	return ProcessedRequest{
		TargetURL: buildURL(baseURL, path, query, false),
		Headers:   out,
		Body:      body,
	}, nil
}

// SessionID always synthesizes a fresh UUID: Gemini requests carry no
// stable session-identifying field (spec.md §3).
func (p *GeminiProcessor) SessionID(body []byte) string {
	return uuid.NewString()
}
