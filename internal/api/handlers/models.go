package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/tallocr/internal/llm"
)

// ModelLister reports the vision models a recognition run can use.
type ModelLister interface {
	ListModels() []llm.ModelInfo
}

type ModelsHandler struct {
	models ModelLister
}

func NewModelsHandler(m ModelLister) *ModelsHandler {
	return &ModelsHandler{models: m}
}

func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	var models []llm.ModelInfo
	if h.models != nil {
		models = h.models.ListModels()
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models, "count": len(models)})
}
