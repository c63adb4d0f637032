package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/berthojoris/llm-rotator-proxy/pkg/catalog"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

// ModelHandler serves the model catalog endpoints.
type ModelHandler struct {
	catalog   *catalog.Catalog
	providers []string
}

// NewModelHandler creates the handler.
func NewModelHandler(cat *catalog.Catalog, providers []string) *ModelHandler {
	return &ModelHandler{catalog: cat, providers: providers}
}

// ListModels handles GET /v1/models.
func (h *ModelHandler) ListModels(w http.ResponseWriter, _ *http.Request) {
	SendJSON(w, http.StatusOK, types.ModelList{Object: "list", Data: h.catalog.Cards()})
}

// ListEnrichedModels handles GET /v1/models-enriched.
func (h *ModelHandler) ListEnrichedModels(w http.ResponseWriter, _ *http.Request) {
	SendJSON(w, http.StatusOK, types.EnrichedModelList{Object: "list", Data: h.catalog.EnrichedCards()})
}

// ModelInfo handles GET /v1/model-info/{id}. Unknown models return
// basic info rather than 404, matching client expectations.
func (h *ModelHandler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		SendError(w, http.StatusBadRequest, "invalid_request", "model id is required")
		return
	}
	SendJSON(w, http.StatusOK, h.catalog.Enrich(id))
}

// ListProviders handles GET /v1/providers.
func (h *ModelHandler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	SendJSON(w, http.StatusOK, h.providers)
}

// TokenCount handles POST /v1/token-count.
func (h *ModelHandler) TokenCount(w http.ResponseWriter, r *http.Request) {
	var req types.TokenCountRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		SendError(w, http.StatusBadRequest, "invalid_request", "'model' and 'messages' are required")
		return
	}
	SendJSON(w, http.StatusOK, types.TokenCountResponse{TokenCount: catalog.TokenCount(req.Messages)})
}

// CostEstimate handles POST /v1/cost-estimate.
func (h *ModelHandler) CostEstimate(w http.ResponseWriter, r *http.Request) {
	var req types.CostEstimateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	resp, err := catalog.EstimateCost(&req)
	if err != nil {
		SendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	SendJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (h *ModelHandler) Health(w http.ResponseWriter, _ *http.Request) {
	SendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
