package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"log/slog"

	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/orchestrator"
)

// BackendHandler serves the configured backend and type catalogs.
type BackendHandler struct {
	reg  *edi.TypeRegistry
	orch *orchestrator.Orchestrator
	log  *slog.Logger
}

// NewBackendHandler creates a backend handler.
func NewBackendHandler(reg *edi.TypeRegistry, orch *orchestrator.Orchestrator, log *slog.Logger) *BackendHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BackendHandler{reg: reg, orch: orch, log: log}
}

// Routes returns the router for backend endpoints.
func (h *BackendHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/types", h.GetTypes)
	r.Post("/{id}/poll", h.Poll)

	return r
}

// List returns all configured backends.
func (h *BackendHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.reg.Backends())
}

// Get returns one backend.
func (h *BackendHandler) Get(w http.ResponseWriter, r *http.Request) {
	backend, err := h.reg.Backend(chi.URLParam(r, "id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, backend)
}

// GetTypes returns the exchange types valid for a backend.
func (h *BackendHandler) GetTypes(w http.ResponseWriter, r *http.Request) {
	backend, err := h.reg.Backend(chi.URLParam(r, "id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.reg.ExchangeTypesFor(backend, ""))
}

// Poll triggers an immediate inbound sweep of one backend, outside the
// scheduler's cadence.
func (h *BackendHandler) Poll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.PollInbound(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.log.Info("Manual inbound poll triggered", "backendId", id)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "polled", "backendId": id})
}
