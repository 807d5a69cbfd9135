package reqproc_test

import (
	"net/http"
	"testing"

	"github.com/duckcoding/proxyfleet/reqproc"
)

func TestCodexPathDedup(t *testing.T) {
	p := reqproc.NewCodexProcessor()
	out, err := p.ProcessOutgoingRequest("https://api.example.com/v1", "sk-test", "/v1/chat/completions", "stream=true", http.Header{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://api.example.com/v1/chat/completions?stream=true"
	if out.TargetURL != want {
		t.Fatalf("got %q, want %q", out.TargetURL, want)
	}
}

func TestCodexNoDedupWhenBaseLacksV1(t *testing.T) {
	p := reqproc.NewCodexProcessor()
	out, err := p.ProcessOutgoingRequest("https://api.example.com", "sk-test", "/v1/chat/completions", "", http.Header{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://api.example.com/v1/chat/completions"
	if out.TargetURL != want {
		t.Fatalf("got %q, want %q", out.TargetURL, want)
	}
}

func TestClaudeHeaderRewrite(t *testing.T) {
	p := reqproc.NewClaudeProcessor()
	in := http.Header{}
	in.Set("Authorization", "Bearer local-secret")
	in.Set("X-Api-Key", "local-secret")
	in.Set("Content-Type", "application/json")

	out, err := p.ProcessOutgoingRequest("https://api.anthropic.com", "sk-upstream", "/v1/messages", "", in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Headers.Get("Authorization") != "Bearer sk-upstream" {
		t.Fatalf("expected rewritten bearer token, got %q", out.Headers.Get("Authorization"))
	}
	if out.Headers.Get("X-Api-Key") != "" {
		t.Fatalf("expected x-api-key stripped, got %q", out.Headers.Get("X-Api-Key"))
	}
	if out.Headers.Get("Content-Type") != "application/json" {
		t.Fatal("expected content-type preserved")
	}
}

func TestGeminiHeaderRewriteUsesGoogApiKeyOnly(t *testing.T) {
	p := reqproc.NewGeminiProcessor()
	in := http.Header{}
	in.Set("Authorization", "Bearer local-secret")

	out, err := p.ProcessOutgoingRequest("https://generativelanguage.googleapis.com", "sk-upstream", "/v1beta/models/gemini-2.0-flash:generateContent", "", in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Headers.Get("x-goog-api-key") != "sk-upstream" {
		t.Fatalf("expected x-goog-api-key set, got %q", out.Headers.Get("x-goog-api-key"))
	}
	if out.Headers.Get("Authorization") != "" {
		t.Fatal("expected Authorization stripped for gemini")
	}
}

func TestClaudeSessionIDExtractsFromMetadata(t *testing.T) {
	p := reqproc.NewClaudeProcessor()
	got := p.SessionID([]byte(`{"metadata":{"user_id":"x_session_S1"}}`))
	if got != "S1" {
		t.Fatalf("got %q, want S1", got)
	}
}

func TestAmpClassifiesByPath(t *testing.T) {
	if got := reqproc.Classify("/v1/messages", http.Header{}, nil); got != "claude-code" {
		t.Fatalf("expected claude-code, got %s", got)
	}
	if got := reqproc.Classify("/v1/chat/completions", http.Header{}, nil); got != "codex" {
		t.Fatalf("expected codex, got %s", got)
	}
	if got := reqproc.Classify("/v1beta/models/gemini-2.0-flash:generateContent", http.Header{}, nil); got != "gemini-cli" {
		t.Fatalf("expected gemini-cli, got %s", got)
	}
}

func TestAmpClassifiesByBodyModel(t *testing.T) {
	body := []byte(`{"model":"gemini-2.0-flash"}`)
	if got := reqproc.Classify("/completions", http.Header{}, body); got != "gemini-cli" {
		t.Fatalf("expected gemini-cli classification by body model, got %s", got)
	}
}

type fakeResolver map[string]reqproc.SubProfile

func (f fakeResolver) Resolve(subProvider string) (reqproc.SubProfile, bool) {
	p, ok := f[subProvider]
	return p, ok
}

func TestAmpDispatchRoutesToGemini(t *testing.T) {
	resolver := fakeResolver{
		"gemini-cli": {BaseURL: "https://generativelanguage.googleapis.com", APIKey: "sk-gem", PricingTemplateID: "builtin_gemini"},
	}
	dispatcher := reqproc.NewAmpDispatcher(resolver)

	body := []byte(`{"model":"gemini-2.0-flash"}`)
	sub, processed, _, err := dispatcher.Dispatch("/completions", "", http.Header{}, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != "gemini-cli" {
		t.Fatalf("expected gemini-cli, got %s", sub)
	}
	if processed.Headers.Get("x-goog-api-key") != "sk-gem" {
		t.Fatalf("expected x-goog-api-key attached, got %q", processed.Headers.Get("x-goog-api-key"))
	}
	if processed.Headers.Get("Authorization") != "" {
		t.Fatal("expected no Authorization header for gemini route")
	}
}
