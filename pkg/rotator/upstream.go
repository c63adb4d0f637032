package rotator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/berthojoris/llm-rotator-proxy/internal/httpclient"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

// Upstream is the thin provider adapter: it receives a resolved base URL
// and bearer token and performs one call. Implementations report
// failures as *types.UpstreamError so the rotator can classify them.
type Upstream interface {
	ChatCompletion(ctx context.Context, baseURL, token string, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, baseURL, token string, req *types.ChatCompletionRequest) (io.ReadCloser, error)
	Embeddings(ctx context.Context, baseURL, token string, req *types.EmbeddingsRequest) (*types.EmbeddingsResponse, error)
}

// HTTPUpstream speaks the OpenAI-compatible wire protocol every
// configured provider exposes.
type HTTPUpstream struct {
	client *httpclient.Client
}

// NewHTTPUpstream creates the default upstream over the shared retrying
// client.
func NewHTTPUpstream(client *httpclient.Client) *HTTPUpstream {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	return &HTTPUpstream{client: client}
}

// ChatCompletion performs a non-streaming completion.
func (u *HTTPUpstream) ChatCompletion(ctx context.Context, baseURL, token string, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	resp, err := u.client.PostJSON(ctx, baseURL+"/chat/completions", token, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var out types.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat completion response: %w", err)
	}
	return &out, nil
}

// StreamChatCompletion performs a streaming completion and returns the
// raw SSE body. The caller owns closing it.
func (u *HTTPUpstream) StreamChatCompletion(ctx context.Context, baseURL, token string, req *types.ChatCompletionRequest) (io.ReadCloser, error) {
	streamReq := *req
	streamReq.Stream = true
	resp, err := u.client.PostJSON(ctx, baseURL+"/chat/completions", token, &streamReq)
	if err != nil {
		return nil, fmt.Errorf("streaming chat completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, upstreamError(resp)
	}
	return resp.Body, nil
}

// Embeddings performs an embeddings call.
func (u *HTTPUpstream) Embeddings(ctx context.Context, baseURL, token string, req *types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	resp, err := u.client.PostJSON(ctx, baseURL+"/embeddings", token, req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var out types.EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	return &out, nil
}

func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ue := &types.UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			ue.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return ue
}
