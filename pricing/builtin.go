package pricing

// builtinTemplates returns the three built-in presets from spec.md §3:
// builtin_claude, builtin_openai, builtin_gemini. Rates are seeded from
// the teacher gateway's static provider.DefaultPricing table
// (provider/pricing.go), restructured into per-field ModelPrice entries
// and widened with the cache-aware fields Claude and Codex need.
func builtinTemplates() map[string]*PricingTemplate {
	claude := &PricingTemplate{
		ID:              "builtin_claude",
		DisplayName:     "Anthropic Claude (built-in)",
		Version:         "1",
		InheritedModels: nil,
		IsDefaultPreset: true,
		Tags:            []string{"builtin", "anthropic"},
	}
	claude.AddModel("claude-3-5-sonnet-20241022", ModelPrice{
		Provider: "anthropic", InputPrice: 3.00, OutputPrice: 15.00,
		CacheWrite5mPrice: 3.75, CacheWrite1hPrice: 6.00, CacheReadPrice: 0.30,
	})
	claude.AddModel("claude-3-5-haiku-20241022", ModelPrice{
		Provider: "anthropic", InputPrice: 0.80, OutputPrice: 4.00,
		CacheWrite5mPrice: 1.00, CacheWrite1hPrice: 1.60, CacheReadPrice: 0.08,
	})
	claude.AddModel("claude-3-opus-20240229", ModelPrice{
		Provider: "anthropic", InputPrice: 15.00, OutputPrice: 75.00,
		CacheWrite5mPrice: 18.75, CacheWrite1hPrice: 30.00, CacheReadPrice: 1.50,
	})
	claude.AddModel("claude-opus-4-6", ModelPrice{
		Provider: "anthropic", InputPrice: 15.00, OutputPrice: 75.00,
		CacheWrite5mPrice: 18.75, CacheWrite1hPrice: 30.00, CacheReadPrice: 1.50,
	})

	openai := &PricingTemplate{
		ID:              "builtin_openai",
		DisplayName:     "OpenAI (built-in)",
		Version:         "1",
		IsDefaultPreset: true,
		Tags:            []string{"builtin", "openai"},
	}
	openai.AddModel("gpt-4o", ModelPrice{
		Provider: "openai", InputPrice: 2.50, OutputPrice: 10.00, CacheReadPrice: 1.25,
	})
	openai.AddModel("gpt-4o-mini", ModelPrice{
		Provider: "openai", InputPrice: 0.15, OutputPrice: 0.60, CacheReadPrice: 0.075,
	})
	openai.AddModel("o1", ModelPrice{
		Provider: "openai", InputPrice: 15.00, OutputPrice: 60.00, ReasoningPrice: 60.00,
	})
	openai.AddModel("gpt-5-codex", ModelPrice{
		Provider: "openai", InputPrice: 1.25, OutputPrice: 10.00, CacheReadPrice: 0.125, ReasoningPrice: 10.00,
	})

	gemini := &PricingTemplate{
		ID:              "builtin_gemini",
		DisplayName:     "Google Gemini (built-in)",
		Version:         "1",
		IsDefaultPreset: true,
		Tags:            []string{"builtin", "gemini"},
	}
	gemini.AddModel("gemini-2.0-flash", ModelPrice{
		Provider: "vertex_ai-gemini-models", InputPrice: 0.10, OutputPrice: 0.40,
	})
	gemini.AddModel("gemini-1.5-pro", ModelPrice{
		Provider: "vertex_ai-gemini-models", InputPrice: 1.25, OutputPrice: 5.00,
	})
	gemini.AddModel("gemini-2-5-pro", ModelPrice{
		Provider: "vertex_ai-gemini-models", InputPrice: 1.25, OutputPrice: 10.00,
	})

	return map[string]*PricingTemplate{
		claude.ID: claude,
		openai.ID: openai,
		gemini.ID: gemini,
	}
}
