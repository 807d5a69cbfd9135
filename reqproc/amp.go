package reqproc

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Classify implements the spec.md §4.2 Amp classification rules, in
// order, returning one of "claude-code", "codex", "gemini-cli".
func Classify(path string, headers http.Header, body []byte) string {
	lowerPath := strings.ToLower(path)

	if strings.Contains(lowerPath, "/messages") && !strings.Contains(lowerPath, "/chat/completions") {
		return "claude-code"
	}
	if strings.Contains(lowerPath, "/chat/completions") || strings.Contains(lowerPath, "/responses") || strings.HasSuffix(lowerPath, "/completions") {
		return "codex"
	}
	if strings.Contains(lowerPath, "/v1beta") || strings.HasSuffix(path, ":generateContent") || strings.HasSuffix(path, ":streamGenerateContent") {
		return "gemini-cli"
	}
	if headers.Get("anthropic-version") != "" {
		return "claude-code"
	}

	model := strings.ToLower(gjson.GetBytes(body, "model").String())
	switch {
	case strings.Contains(model, "gemini"):
		return "gemini-cli"
	case strings.Contains(model, "claude"):
		return "claude-code"
	case strings.Contains(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "codex"
	}

	return "claude-code"
}

// SubProfile is the per-sub-provider routing profile the Amp dispatcher
// resolves before delegating (spec.md §4.2: "looks up per-sub-provider
// profile (base URL + key + pricing template) from the profile
// manager").
type SubProfile struct {
	BaseURL           string
	APIKey            string
	PricingTemplateID string
}

// ProfileResolver supplies Amp's per-sub-provider routing profile. The
// proxy orchestrator wires this to a toolconfig.Store lookup keyed by
// the classified sub-provider's own tool id.
type ProfileResolver interface {
	Resolve(subProvider string) (SubProfile, bool)
}

// AmpDispatcher classifies an inbound Amp request and delegates to the
// matching sub-processor. It is used directly by the proxy instance for
// the "amp" tool rather than through the narrower Processor interface,
// since classification needs the path and headers that Processor's
// SessionID method does not receive.
type AmpDispatcher struct {
	processors map[string]Processor
	resolver   ProfileResolver
}

func NewAmpDispatcher(resolver ProfileResolver) *AmpDispatcher {
	return &AmpDispatcher{
		processors: map[string]Processor{
			"claude-code": NewClaudeProcessor(),
			"codex":       NewCodexProcessor(),
			"gemini-cli":  NewGeminiProcessor(),
		},
		resolver: resolver,
	}
}

// Dispatch classifies the request, resolves its sub-provider profile,
// and delegates URL/header assembly and session-id extraction to the
// matching underlying processor.
func (a *AmpDispatcher) Dispatch(path, query string, headers http.Header, body []byte) (subProvider string, processed ProcessedRequest, sessionID string, err error) {
	subProvider = Classify(path, headers, body)

	profile, ok := a.resolver.Resolve(subProvider)
	if !ok {
		return subProvider, ProcessedRequest{}, "", fmt.Errorf("amp: no profile configured for sub-provider %q", subProvider)
	}

	proc := a.processors[subProvider]
	processed, err = proc.ProcessOutgoingRequest(profile.BaseURL, profile.APIKey, path, query, headers, body)
	if err != nil {
		return subProvider, ProcessedRequest{}, "", err
	}
	return subProvider, processed, proc.SessionID(body), nil
}

// PricingTemplateFor returns the pricing template configured for a
// classified sub-provider, if any.
func (a *AmpDispatcher) PricingTemplateFor(subProvider string) string {
	profile, ok := a.resolver.Resolve(subProvider)
	if !ok {
		return ""
	}
	return profile.PricingTemplateID
}
