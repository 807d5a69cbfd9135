package reqproc

import (
	"net/http"

	"github.com/duckcoding/proxyfleet/tokenproc"
)

// CodexProcessor implements Processor for OpenAI's Responses API.
type CodexProcessor struct{}

func NewCodexProcessor() *CodexProcessor { return &CodexProcessor{} }

func (p *CodexProcessor) ProcessOutgoingRequest(baseURL, apiKey, path, query string, headers http.Header, body []byte) (ProcessedRequest, error) {
	out := copyHeadersExcept(headers, hopByHopExclude)
	out.Set("Authorization", "Bearer "+apiKey)
	return ProcessedRequest{
		TargetURL: buildURL(baseURL, path, query, true),
		Headers:   out,
		Body:      body,
	}, nil
}

func (p *CodexProcessor) SessionID(body []byte) string {
	return tokenproc.ExtractCodexSessionID(body)
}
