package reqproc

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/duckcoding/proxyfleet/tokenproc"
)

// ClaudeProcessor implements Processor for Anthropic's Messages API.
type ClaudeProcessor struct{}

func NewClaudeProcessor() *ClaudeProcessor { return &ClaudeProcessor{} }

func (p *ClaudeProcessor) ProcessOutgoingRequest(baseURL, apiKey, path, query string, headers http.Header, body []byte) (ProcessedRequest, error) {
	out := copyHeadersExcept(headers, hopByHopExclude)
	out.Set("Authorization", "Bearer "+apiKey)
	return ProcessedRequest{
		TargetURL: buildURL(baseURL, path, query, false),
		Headers:   out,
		Body:      body,
	}, nil
}

// SessionID projects metadata.user_id through the "_session_" suffix
// extractor (spec.md §3).
func (p *ClaudeProcessor) SessionID(body []byte) string {
	userID := gjson.GetBytes(body, "metadata.user_id").String()
	if userID == "" {
		return ""
	}
	return tokenproc.ExtractClaudeSessionID(userID)
}
