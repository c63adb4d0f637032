// Package catalog serves the model listing, pricing, token counting and
// cost estimation endpoints. Model visibility is shaped by the
// IGNORE_MODELS_{PROVIDER} and WHITELIST_MODELS_{PROVIDER} variables.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

// Pricing is the per-token cost of a model in USD.
type Pricing struct {
	InputCostPerToken  float64
	OutputCostPerToken float64
	MaxInputTokens     int
	MaxOutputTokens    int
}

// knownModels seeds the listing for providers whose catalogs are stable.
// Providers absent here still rotate; they just list nothing until a
// whitelist names their models.
var knownModels = map[string][]string{
	"openai":     {"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3-mini", "text-embedding-3-small", "text-embedding-3-large"},
	"anthropic":  {"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
	"gemini":     {"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
	"gemini_cli": {"gemini-2.5-pro", "gemini-2.5-flash"},
	"qwen_code":  {"qwen3-coder-plus", "qwen3-coder-flash"},
	"groq":       {"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
	"openrouter": {"openrouter/auto"},
	"mistral":    {"mistral-large-latest", "mistral-small-latest"},
	"iflow":      {"qwen3-coder-plus"},
}

var pricingTable = map[string]Pricing{
	"openai/gpt-4o":                      {InputCostPerToken: 2.5e-06, OutputCostPerToken: 1e-05, MaxInputTokens: 128000, MaxOutputTokens: 16384},
	"openai/gpt-4o-mini":                 {InputCostPerToken: 1.5e-07, OutputCostPerToken: 6e-07, MaxInputTokens: 128000, MaxOutputTokens: 16384},
	"openai/gpt-4.1":                     {InputCostPerToken: 2e-06, OutputCostPerToken: 8e-06, MaxInputTokens: 1047576, MaxOutputTokens: 32768},
	"anthropic/claude-sonnet-4-20250514": {InputCostPerToken: 3e-06, OutputCostPerToken: 1.5e-05, MaxInputTokens: 200000, MaxOutputTokens: 64000},
	"anthropic/claude-opus-4-20250514":   {InputCostPerToken: 1.5e-05, OutputCostPerToken: 7.5e-05, MaxInputTokens: 200000, MaxOutputTokens: 32000},
	"gemini/gemini-2.5-pro":              {InputCostPerToken: 1.25e-06, OutputCostPerToken: 1e-05, MaxInputTokens: 1048576, MaxOutputTokens: 65536},
	"gemini/gemini-2.5-flash":            {InputCostPerToken: 3e-07, OutputCostPerToken: 2.5e-06, MaxInputTokens: 1048576, MaxOutputTokens: 65536},
	"groq/llama-3.3-70b-versatile":       {InputCostPerToken: 5.9e-07, OutputCostPerToken: 7.9e-07, MaxInputTokens: 131072, MaxOutputTokens: 32768},
}

// Catalog resolves model visibility for the providers that actually have
// credentials.
type Catalog struct {
	providers []string
	ignore    map[string]map[string]bool
	whitelist map[string]map[string]bool
	now       func() time.Time
}

// Filters carries the per-provider model filters parsed from the
// environment (comma-separated lists).
type Filters struct {
	Ignore    map[string][]string
	Whitelist map[string][]string
}

// New builds a catalog for the given providers.
func New(providerNames []string, filters Filters) *Catalog {
	c := &Catalog{
		providers: append([]string(nil), providerNames...),
		ignore:    make(map[string]map[string]bool),
		whitelist: make(map[string]map[string]bool),
		now:       time.Now,
	}
	sort.Strings(c.providers)
	for provider, models := range filters.Ignore {
		c.ignore[provider] = toSet(models)
	}
	for provider, models := range filters.Whitelist {
		c.whitelist[provider] = toSet(models)
	}
	return c
}

func toSet(models []string) map[string]bool {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m != "" {
			set[m] = true
		}
	}
	return set
}

// Models returns the visible "provider/model" ids.
func (c *Catalog) Models() []string {
	var out []string
	for _, provider := range c.providers {
		seen := make(map[string]bool)
		candidates := append([]string(nil), knownModels[provider]...)
		// A whitelist can introduce models the seed list does not know.
		for m := range c.whitelist[provider] {
			candidates = append(candidates, m)
		}
		for _, model := range candidates {
			if seen[model] || !c.visible(provider, model) {
				continue
			}
			seen[model] = true
			out = append(out, provider+"/"+model)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) visible(provider, model string) bool {
	if wl, ok := c.whitelist[provider]; ok && len(wl) > 0 && !wl[model] {
		return false
	}
	if c.ignore[provider][model] {
		return false
	}
	return true
}

// Cards returns the plain model cards.
func (c *Catalog) Cards() []types.ModelCard {
	models := c.Models()
	out := make([]types.ModelCard, 0, len(models))
	for _, id := range models {
		out = append(out, c.card(id))
	}
	return out
}

func (c *Catalog) card(id string) types.ModelCard {
	owner := "unknown"
	if provider, _, ok := strings.Cut(id, "/"); ok {
		owner = provider
	}
	return types.ModelCard{
		ID:      id,
		Object:  "model",
		Created: c.now().Unix(),
		OwnedBy: owner,
	}
}

// EnrichedCards returns model cards with pricing where known.
func (c *Catalog) EnrichedCards() []types.EnrichedModelCard {
	models := c.Models()
	out := make([]types.EnrichedModelCard, 0, len(models))
	for _, id := range models {
		out = append(out, c.Enrich(id))
	}
	return out
}

// Enrich builds the enriched card for one model id. Unknown models get
// basic info only.
func (c *Catalog) Enrich(id string) types.EnrichedModelCard {
	card := types.EnrichedModelCard{
		ModelCard:         c.card(id),
		SupportsStreaming: true,
	}
	if p, ok := pricingTable[id]; ok {
		in, out := p.InputCostPerToken, p.OutputCostPerToken
		card.InputCostPerToken = &in
		card.OutputCostPerToken = &out
		card.MaxInputTokens = p.MaxInputTokens
		card.MaxOutputTokens = p.MaxOutputTokens
	}
	return card
}

// TokenCount estimates the token usage of a message list. The estimate
// follows the common ~4 characters per token rule plus a fixed per-
// message overhead, which tracks real tokenizers closely enough for
// budget checks.
func TokenCount(messages []types.ChatMessage) int {
	const perMessageOverhead = 4
	total := 2
	for _, m := range messages {
		total += perMessageOverhead
		total += (len(m.Role) + len(m.Content) + len(m.Name) + 3) / 4
	}
	return total
}

// EstimateCost computes the cost of a request from token counts.
// Cache reads are billed at a tenth of the input rate, cache writes at
// a quarter above it, matching the dominant providers' discounts.
func EstimateCost(req *types.CostEstimateRequest) (*types.CostEstimateResponse, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("'model' is required")
	}
	out := &types.CostEstimateResponse{
		Model:    req.Model,
		Currency: "USD",
		Pricing:  map[string]float64{},
	}
	p, ok := pricingTable[req.Model]
	if !ok {
		return out, nil
	}
	cost := float64(req.PromptTokens)*p.InputCostPerToken +
		float64(req.CompletionTokens)*p.OutputCostPerToken +
		float64(req.CacheReadTokens)*p.InputCostPerToken*0.1 +
		float64(req.CacheCreationTokens)*p.InputCostPerToken*1.25
	out.Cost = &cost
	out.Pricing["input_cost_per_token"] = p.InputCostPerToken
	out.Pricing["output_cost_per_token"] = p.OutputCostPerToken
	out.Source = "static_pricing_table"
	return out, nil
}
