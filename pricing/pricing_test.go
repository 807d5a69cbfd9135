package pricing_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/pricing"
)

func TestGenerateAliasesStripsDateAndAddsDotVariant(t *testing.T) {
	aliases := pricing.GenerateAliases("claude-3-5-sonnet-20241022")

	want := map[string]bool{
		"claude-3-5-sonnet-20241022": true,
		"claude-3-5-sonnet":          true,
		"claude.3.5.sonnet":          true,
	}
	got := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		got[a] = true
	}
	for w := range want {
		if !got[w] {
			t.Fatalf("expected alias %q in %v", w, aliases)
		}
	}
}

func TestGenerateAliasesDotToDash(t *testing.T) {
	aliases := pricing.GenerateAliases("gemini.2.0.flash")
	found := false
	for _, a := range aliases {
		if a == "gemini-2-0-flash" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dash variant in %v", aliases)
	}
}

func TestAliasRoundTrip(t *testing.T) {
	tmpl := &pricing.PricingTemplate{ID: "t", CustomModels: map[string]pricing.ModelPrice{}}
	tmpl.AddModel("claude-3-5-sonnet-20241022", pricing.ModelPrice{InputPrice: 3, OutputPrice: 15})

	direct := tmpl.CustomModels["claude-3-5-sonnet-20241022"]
	for _, alias := range direct.Aliases {
		aliased, ok := lookupViaAliasList(tmpl, alias)
		if !ok {
			t.Fatalf("alias %q did not resolve", alias)
		}
		if aliased != direct.InputPrice {
			t.Fatalf("alias %q resolved to different price: %v vs %v", alias, aliased, direct.InputPrice)
		}
	}
}

func lookupViaAliasList(tmpl *pricing.PricingTemplate, modelName string) (float64, bool) {
	for _, p := range tmpl.CustomModels {
		for _, a := range p.Aliases {
			if a == modelName {
				return p.InputPrice, true
			}
		}
	}
	return 0, false
}

func TestCostFormula(t *testing.T) {
	price := pricing.ModelPrice{
		InputPrice:        3.0,
		OutputPrice:       15.0,
		CacheWrite5mPrice: 3.75,
		CacheWrite1hPrice: 6.0,
		CacheReadPrice:    0.30,
		ReasoningPrice:    0,
	}
	usage := pricing.Usage{
		InputTokens:        1000,
		OutputTokens:       500,
		CacheCreationTotal: 300,
		CacheCreation1h:    100,
		CacheReadTokens:    2000,
	}

	got := price.Cost(usage)
	want := 1000.0*3.0/1e6 + 500.0*15.0/1e6 + 200.0*3.75/1e6 + 100.0*6.0/1e6 + 2000.0*0.30/1e6
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestResolveFindsParentTemplate(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := pricing.NewStore(dir, log)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	child := &pricing.PricingTemplate{
		ID:              "team-custom",
		CustomModels:    map[string]pricing.ModelPrice{},
		InheritedModels: []string{"builtin_claude"},
	}
	if err := store.Put(child); err != nil {
		t.Fatalf("put: %v", err)
	}

	price, foundIn, err := store.Resolve("team-custom", "claude-code", "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if foundIn != "builtin_claude" {
		t.Fatalf("expected resolution from builtin_claude, got %s", foundIn)
	}
	if price.InputPrice != 3.00 {
		t.Fatalf("unexpected resolved price: %+v", price)
	}
}

func TestResolveUnknownModelReturnsPriceUnknown(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := pricing.NewStore(dir, log)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, _, err := store.Resolve("builtin_claude", "claude-code", "claude-experimental-2099")
	if err == nil || !pricing.IsPriceUnknown(err) {
		t.Fatalf("expected price-unknown error, got %v", err)
	}
}

func TestDefaultTemplateMapMigratesCodexToOpenAI(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := pricing.NewStore(dir, log)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := store.DefaultTemplateID("codex"); got != "builtin_openai" {
		t.Fatalf("expected codex default to be builtin_openai, got %s", got)
	}
}
