// Package handlers implements the OpenAI-compatible route handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

// SendJSON writes a JSON body with the given status.
func SendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("handlers: write response: %v", err)
	}
}

// SendError writes an OpenAI-style error body.
func SendError(w http.ResponseWriter, status int, code, message string) {
	SendJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// SendUpstreamError maps a core error onto the proxy's error contract:
// exhausted rotation surfaces as 503, upstream failures as 502 with the
// provider's body, everything else as 500.
func SendUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrNoAvailableCredential) {
		SendError(w, http.StatusServiceUnavailable, "no_available_credential", err.Error())
		return
	}
	var ue *types.UpstreamError
	if errors.As(err, &ue) {
		SendJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"code":            "upstream_error",
				"message":         "upstream provider returned an error",
				"upstream_status": ue.StatusCode,
				"upstream_body":   ue.Body,
			},
		})
		return
	}
	SendError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// DecodeJSON parses a request body, answering 400 on malformed input.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		SendError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}
