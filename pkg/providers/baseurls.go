package providers

// defaultBaseURLs maps symbolic provider names to their API base URLs.
// Each OAuth credential may override via resource_url; API keys may
// override via {PROVIDER}_BASE_URL.
var defaultBaseURLs = map[string]string{
	"openai":      "https://api.openai.com/v1",
	"anthropic":   "https://api.anthropic.com/v1",
	"gemini":      "https://generativelanguage.googleapis.com/v1beta",
	"gemini_cli":  "https://generativelanguage.googleapis.com/v1beta",
	"antigravity": "https://generativelanguage.googleapis.com/v1beta",
	"mistral":     "https://api.mistral.ai/v1",
	"cohere":      "https://api.cohere.ai/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"together":    "https://api.together.xyz/v1",
	"fireworks":   "https://api.fireworks.ai/inference/v1",
	"perplexity":  "https://api.perplexity.ai",
	"groq":        "https://api.groq.com/openai/v1",
	"deepinfra":   "https://api.deepinfra.com/v1/openai",
	"novita":      "https://api.novita.ai/v3/openai",
	"ai21":        "https://api.ai21.com/studio/v1",
	"qwen_code":   "https://portal.qwen.ai/v1",
	"iflow":       "https://api.kilocode.ai/v1",
}

// DefaultBaseURL returns the base URL for a provider, or empty if the
// provider is unknown.
func DefaultBaseURL(provider string) string {
	return defaultBaseURLs[provider]
}

// Known reports whether the provider has a registered base URL.
func Known(provider string) bool {
	_, ok := defaultBaseURLs[provider]
	return ok
}

// Names returns every registered provider name.
func Names() []string {
	out := make([]string, 0, len(defaultBaseURLs))
	for name := range defaultBaseURLs {
		out = append(out, name)
	}
	return out
}
