package types

// ChatMessage is a single message in an OpenAI-style conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
// Model is always "provider/model"; the provider segment selects the
// credential pool.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion choice in a non-streaming response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse is the body of a non-streaming completion.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// EmbeddingsRequest is the body of POST /v1/embeddings.
type EmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
	User  string `json:"user,omitempty"`
}

// Embedding is a single embedding vector in an embeddings response.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse is the body of an embeddings response.
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// ModelCard describes one model in GET /v1/models.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// EnrichedModelCard extends ModelCard with pricing and capability data
// for GET /v1/models-enriched and GET /v1/model-info/{id}.
type EnrichedModelCard struct {
	ModelCard
	MaxInputTokens     int      `json:"max_input_tokens,omitempty"`
	MaxOutputTokens    int      `json:"max_output_tokens,omitempty"`
	InputCostPerToken  *float64 `json:"input_cost_per_token,omitempty"`
	OutputCostPerToken *float64 `json:"output_cost_per_token,omitempty"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsToolCalls  bool     `json:"supports_tool_calls,omitempty"`
}

// EnrichedModelList is the body of GET /v1/models-enriched.
type EnrichedModelList struct {
	Object string              `json:"object"`
	Data   []EnrichedModelCard `json:"data"`
}

// TokenCountRequest is the body of POST /v1/token-count.
type TokenCountRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// TokenCountResponse is the body of the token-count reply.
type TokenCountResponse struct {
	TokenCount int `json:"token_count"`
}

// CostEstimateRequest is the body of POST /v1/cost-estimate.
type CostEstimateRequest struct {
	Model               string `json:"model"`
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
}

// CostEstimateResponse is the body of the cost-estimate reply.
type CostEstimateResponse struct {
	Model    string             `json:"model"`
	Cost     *float64           `json:"cost"`
	Currency string             `json:"currency"`
	Pricing  map[string]float64 `json:"pricing"`
	Source   string             `json:"source,omitempty"`
}
