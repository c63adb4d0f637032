package handlers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/berthojoris/llm-rotator-proxy/pkg/rotator"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

// ChatHandler serves /v1/chat/completions and /v1/embeddings.
type ChatHandler struct {
	client *rotator.Client
}

// NewChatHandler creates the handler over the rotating client.
func NewChatHandler(client *rotator.Client) *ChatHandler {
	return &ChatHandler{client: client}
}

// ChatCompletions handles POST /v1/chat/completions, streaming when
// requested.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		SendError(w, http.StatusBadRequest, "invalid_request", "'model' and 'messages' are required")
		return
	}

	if req.Stream {
		h.stream(w, r, &req)
		return
	}

	resp, err := h.client.ChatCompletion(r.Context(), &req)
	if err != nil {
		SendUpstreamError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, resp)
}

// stream relays the upstream SSE stream. The credential's semaphore slot
// is released when the stream closes, whether by completion, client
// disconnect, or upstream error; errors mid-stream emit a terminal error
// frame followed by [DONE].
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *types.ChatCompletionRequest) {
	stream, err := h.client.StreamChatCompletion(r.Context(), req)
	if err != nil {
		SendUpstreamError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	sse, err := NewSSEWriter(w)
	if err != nil {
		SendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		frame := append(append([]byte{}, line...), '\n', '\n')
		if err := sse.WriteRaw(frame); err != nil {
			// Client went away; Close releases the slot.
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		sse.WriteError("upstream_error", err.Error())
		sse.WriteDone()
	}
}

// Embeddings handles POST /v1/embeddings.
func (h *ChatHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingsRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || req.Input == nil {
		SendError(w, http.StatusBadRequest, "invalid_request", "'model' and 'input' are required")
		return
	}
	resp, err := h.client.Embeddings(r.Context(), &req)
	if err != nil {
		SendUpstreamError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, resp)
}
