// Package tokenproc converts provider-specific streaming (SSE) and
// buffered (JSON) response bodies into the uniform TokenInfo shape
// spec.md §3 and §4.4 describe, using gjson for path-based field
// extraction instead of hand-modeling every provider's response schema
// as a Go struct (grounded on tidwall/gjson, used the same way across
// the example pack's JSON-heavy services).
package tokenproc

import "github.com/duckcoding/proxyfleet/pricing"

// TokenInfo is the uniform token-accounting record every provider
// processor converges on.
type TokenInfo struct {
	Model              string
	MessageID          string
	InputTokens        int
	OutputTokens       int
	CacheCreationTotal int
	CacheCreation1h    int
	CacheReadTokens    int
	ReasoningTokens    int
}

// Usage projects a TokenInfo into the pricing package's cost-formula
// input, keeping pricing independent of this package.
func (t TokenInfo) Usage() pricing.Usage {
	return pricing.Usage{
		InputTokens:        t.InputTokens,
		OutputTokens:       t.OutputTokens,
		CacheCreationTotal: t.CacheCreationTotal,
		CacheCreation1h:    t.CacheCreation1h,
		CacheReadTokens:    t.CacheReadTokens,
		ReasoningTokens:    t.ReasoningTokens,
	}
}

// clampNonNegative enforces the spec.md §3 invariant that every count is
// ≥ 0 even if an upstream ever reports a negative delta.
func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Processor is implemented once per upstream provider.
type Processor interface {
	// ProcessSSEResponse parses a fully accumulated SSE byte stream
	// (newline-delimited "data: {...}" frames) into a TokenInfo. The
	// request body is passed alongside because some providers anchor the
	// effective model name to the caller's intent rather than the
	// response.
	ProcessSSEResponse(requestBody, sseBytes []byte) (TokenInfo, error)

	// ProcessJSONResponse parses one buffered JSON response body.
	ProcessJSONResponse(requestBody, jsonBytes []byte) (TokenInfo, error)
}

// ParseError marks a response body tokenproc could not make sense of.
// The recorder stores only the byte length of the offending body, never
// its content (spec.md §4.8).
type ParseError struct {
	Provider string
	Cause    error
}

func (e *ParseError) Error() string {
	return "tokenproc: " + e.Provider + ": " + e.Cause.Error()
}

func (e *ParseError) Unwrap() error { return e.Cause }
