package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// remoteEntry mirrors one value in the upstream pricing JSON (spec.md
// §4.6): model_key → {litellm_provider, ...costs per token, mode}.
type remoteEntry struct {
	LiteLLMProvider            string  `json:"litellm_provider"`
	InputCostPerToken          float64 `json:"input_cost_per_token"`
	OutputCostPerToken         float64 `json:"output_cost_per_token"`
	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost"`
	CacheReadInputTokenCost    float64 `json:"cache_read_input_token_cost"`
	ReasoningCostPerToken      float64 `json:"reasoning_cost_per_token"`
	Mode                       string  `json:"mode"`
}

// syncState tracks the conditional-GET cache validators so a 304 short
// circuits the whole rebuild.
type syncState struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
}

// Syncer periodically rebuilds the built-in templates from the public
// LiteLLM pricing feed. It is safe to call Sync concurrently; duplicate
// in-flight calls are collapsed with singleflight.
type Syncer struct {
	store      *Store
	url        string
	statePath  string
	httpClient *http.Client
	logger     zerolog.Logger
	group      singleflight.Group
}

// NewSyncer creates a Syncer that writes its conditional-GET state to
// <dataDir>/pricing/remote_sync_state.json.
func NewSyncer(store *Store, dataDir, url string, logger zerolog.Logger) *Syncer {
	return &Syncer{
		store:      store,
		url:        url,
		statePath:  filepath.Join(dataDir, "pricing", "remote_sync_state.json"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Run spawns the background scheduler per spec.md §4.6: a 5-second
// warm-up, then sync once, then sleep to the next wall-clock hour
// boundary, then tick every hour until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}

	if err := s.Sync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial pricing sync failed")
	}

	for {
		now := time.Now()
		next := now.Truncate(time.Hour).Add(time.Hour)
		select {
		case <-time.After(time.Until(next)):
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("pricing sync failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sync performs one conditional-GET sync cycle, collapsing concurrent
// callers onto a single in-flight request.
func (s *Syncer) Sync(ctx context.Context) error {
	_, err, _ := s.group.Do("sync", func() (interface{}, error) {
		return nil, s.syncOnce(ctx)
	})
	return err
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	state := s.loadState()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build pricing sync request: %w", err)
	}
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch pricing feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		s.logger.Debug().Msg("pricing feed unchanged")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pricing feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pricing feed: %w", err)
	}

	var raw map[string]remoteEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("parse pricing feed: %w", err)
	}

	claude, openai, gemini := bucketRemoteEntries(raw)

	for _, tmpl := range []*PricingTemplate{claude, openai, gemini} {
		if err := s.store.Put(tmpl); err != nil {
			return fmt.Errorf("store rebuilt template %s: %w", tmpl.ID, err)
		}
	}

	state.ETag = resp.Header.Get("ETag")
	state.LastModified = resp.Header.Get("Last-Modified")
	state.LastSuccess = time.Now()
	if err := atomicWriteJSON(s.statePath, state); err != nil {
		s.logger.Warn().Err(err).Msg("persist pricing sync state failed")
	}
	return nil
}

func (s *Syncer) loadState() syncState {
	var st syncState
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return st
	}
	_ = json.Unmarshal(data, &st)
	return st
}

// bucketRemoteEntries applies the spec.md §4.6 filter and bucketing
// rules, converting per-token prices to per-1e6-token prices.
func bucketRemoteEntries(raw map[string]remoteEntry) (claude, openai, gemini *PricingTemplate) {
	const perMillion = 1e6
	now := time.Now().Unix()

	claude = &PricingTemplate{ID: "builtin_claude", DisplayName: "Anthropic Claude (built-in)", Version: "2", IsDefaultPreset: true, Tags: []string{"builtin", "anthropic", "remote"}, UpdatedAt: now}
	openai = &PricingTemplate{ID: "builtin_openai", DisplayName: "OpenAI (built-in)", Version: "2", IsDefaultPreset: true, Tags: []string{"builtin", "openai", "remote"}, UpdatedAt: now}
	gemini = &PricingTemplate{ID: "builtin_gemini", DisplayName: "Google Gemini (built-in)", Version: "2", IsDefaultPreset: true, Tags: []string{"builtin", "gemini", "remote"}, UpdatedAt: now}

	for key, entry := range raw {
		if strings.Contains(key, "/") {
			continue
		}
		if entry.Mode != "chat" && entry.Mode != "responses" {
			continue
		}
		if !(entry.InputCostPerToken > 0 && entry.OutputCostPerToken > 0) {
			continue
		}

		price := ModelPrice{
			Provider:       entry.LiteLLMProvider,
			InputPrice:     entry.InputCostPerToken * perMillion,
			OutputPrice:    entry.OutputCostPerToken * perMillion,
			CacheReadPrice: entry.CacheReadInputTokenCost * perMillion,
			ReasoningPrice: entry.ReasoningCostPerToken * perMillion,
		}

		switch {
		case entry.LiteLLMProvider == "anthropic":
			price.CacheWrite5mPrice = entry.CacheCreationInputTokenCost * perMillion
			price.CacheWrite1hPrice = entry.InputCostPerToken * 2 * perMillion
			claude.AddModel(key, price)
		case entry.LiteLLMProvider == "openai":
			openai.AddModel(key, price)
		case strings.HasPrefix(entry.LiteLLMProvider, "vertex_ai") && strings.HasPrefix(key, "gemini-"):
			gemini.AddModel(key, price)
		}
	}

	return claude, openai, gemini
}
