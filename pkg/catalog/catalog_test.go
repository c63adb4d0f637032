package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

func TestModelsForConfiguredProviders(t *testing.T) {
	c := New([]string{"openai"}, Filters{})
	models := c.Models()
	assert.Contains(t, models, "openai/gpt-4o")
	for _, m := range models {
		assert.Contains(t, m, "openai/")
	}
}

func TestIgnoreFilter(t *testing.T) {
	c := New([]string{"openai"}, Filters{
		Ignore: map[string][]string{"openai": {"gpt-4o", " gpt-4o-mini "}},
	})
	models := c.Models()
	assert.NotContains(t, models, "openai/gpt-4o")
	assert.NotContains(t, models, "openai/gpt-4o-mini")
	assert.Contains(t, models, "openai/gpt-4.1")
}

func TestWhitelistFilter(t *testing.T) {
	c := New([]string{"openai"}, Filters{
		Whitelist: map[string][]string{"openai": {"gpt-4o", "custom-model"}},
	})
	models := c.Models()
	assert.ElementsMatch(t, []string{"openai/gpt-4o", "openai/custom-model"}, models)
}

func TestWhitelistBeatsIgnore(t *testing.T) {
	c := New([]string{"openai"}, Filters{
		Whitelist: map[string][]string{"openai": {"gpt-4o"}},
		Ignore:    map[string][]string{"openai": {"gpt-4o"}},
	})
	// Ignore still applies inside the whitelist.
	assert.Empty(t, c.Models())
}

func TestEnrichKnownModel(t *testing.T) {
	c := New([]string{"openai"}, Filters{})
	card := c.Enrich("openai/gpt-4o")
	require.NotNil(t, card.InputCostPerToken)
	assert.Equal(t, 2.5e-06, *card.InputCostPerToken)
	assert.Equal(t, 128000, card.MaxInputTokens)

	unknown := c.Enrich("mystery/model")
	assert.Nil(t, unknown.InputCostPerToken)
	assert.Equal(t, "mystery", unknown.OwnedBy)
}

func TestTokenCountScalesWithContent(t *testing.T) {
	short := TokenCount([]types.ChatMessage{{Role: "user", Content: "hi"}})
	long := TokenCount([]types.ChatMessage{{Role: "user", Content: "a much longer message with many more words in it"}})
	assert.Greater(t, long, short)
	assert.Greater(t, short, 0)
}

func TestEstimateCost(t *testing.T) {
	resp, err := EstimateCost(&types.CostEstimateRequest{
		Model:            "openai/gpt-4o",
		PromptTokens:     1000,
		CompletionTokens: 500,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 1000*2.5e-06+500*1e-05, *resp.Cost, 1e-9)
	assert.Equal(t, "USD", resp.Currency)

	unknown, err := EstimateCost(&types.CostEstimateRequest{Model: "mystery/model", PromptTokens: 10})
	require.NoError(t, err)
	assert.Nil(t, unknown.Cost)

	_, err = EstimateCost(&types.CostEstimateRequest{})
	assert.Error(t, err)
}
