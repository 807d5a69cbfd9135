// Package reqproc implements the per-provider request processors from
// spec.md §4.2: URL assembly and header rewriting for Claude, Codex,
// and Gemini, plus the Amp dispatcher that classifies a request into
// one of the three before delegating. The processor-table shape
// generalizes the teacher gateway's provider.Registry/DetectProvider
// pattern (provider/provider.go) from "route a chat request to an SDK
// connector" to "route a proxied HTTP request to an upstream URL".
package reqproc

import (
	"net/http"
	"strings"
)

// ProcessedRequest is what a processor hands back to the proxy
// instance: the fully assembled upstream request.
type ProcessedRequest struct {
	TargetURL string
	Headers   http.Header
	Body      []byte
}

// Processor implements outgoing request transformation for one
// upstream provider.
type Processor interface {
	// ProcessOutgoingRequest builds the upstream request. apiKey is
	// already resolved (session override or configured upstream key).
	ProcessOutgoingRequest(baseURL, apiKey, path, query string, headers http.Header, body []byte) (ProcessedRequest, error)

	// SessionID extracts the caller-supplied session id from the
	// request body, per spec.md §3/§4.3. An empty string means no
	// stable id was present.
	SessionID(body []byte) string
}

var hopByHopExclude = map[string]bool{
	"Host":          true,
	"Authorization": true,
	"X-Api-Key":     true,
}

// copyHeadersExcept clones src into a fresh http.Header, dropping any
// key present in exclude (canonicalized the same way http.Header does).
func copyHeadersExcept(src http.Header, exclude map[string]bool) http.Header {
	out := make(http.Header, len(src))
	for k, v := range src {
		if exclude[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

func trimTrailingSlash(s string) string {
	return strings.TrimRight(s, "/")
}

// buildURL implements the spec.md §4.2 target-URL rules. When dedupV1
// is true and both baseURL and path carry a `/v1` boundary, the
// leading `/v1` is stripped from path (Codex's convention).
func buildURL(baseURL, path, query string, dedupV1 bool) string {
	base := trimTrailingSlash(baseURL)
	if dedupV1 && strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}
	url := base + path
	if query != "" {
		url += "?" + query
	}
	return url
}
