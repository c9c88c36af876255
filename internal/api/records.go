package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"log/slog"

	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/orchestrator"
)

// RecordHandler serves exchange record queries and operator actions.
type RecordHandler struct {
	repo edi.Repository
	orch *orchestrator.Orchestrator
	reg  *edi.TypeRegistry
	log  *slog.Logger
}

// NewRecordHandler creates a record handler.
func NewRecordHandler(repo edi.Repository, orch *orchestrator.Orchestrator, reg *edi.TypeRegistry, log *slog.Logger) *RecordHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RecordHandler{repo: repo, orch: orch, reg: reg, log: log}
}

// Routes returns the router for record endpoints.
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/content", h.GetContent)
	r.Get("/{id}/ack", h.GetAck)
	r.Post("/{id}/retry", h.Retry)
	r.Post("/{id}/reprocess", h.Reprocess)
	r.Post("/{id}/run", h.Run)

	return r
}

// CreateRecordRequest creates an exchange record. Content is base64 in
// JSON; when set the record skips its generate phase.
type CreateRecordRequest struct {
	TypeCode    string `json:"typeCode"`
	BackendID   string `json:"backendId"`
	Model       string `json:"model,omitempty"`
	RecordID    int64  `json:"recordId,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Content     []byte `json:"content,omitempty"`
	ExternalRef string `json:"externalRef,omitempty"`
}

// Create creates a new exchange record.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.TypeCode == "" || req.BackendID == "" {
		WriteBadRequest(w, "typeCode and backendId are required")
		return
	}

	rec, err := h.orch.CreateRecord(r.Context(), orchestrator.CreateInput{
		TypeCode:    req.TypeCode,
		BackendID:   req.BackendID,
		Model:       req.Model,
		RecordID:    req.RecordID,
		Filename:    req.Filename,
		Content:     req.Content,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rec)
}

// List returns records, newest first, filtered by backendId and state.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	backendID := r.URL.Query().Get("backendId")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)
	if pageSize > 500 {
		pageSize = 500
	}

	var records []*edi.ExchangeRecord
	var err error
	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		records, err = h.repo.FindByState(r.Context(), backendID, []edi.State{edi.State(stateParam)}, int64(pageSize))
	} else {
		records, err = h.repo.List(r.Context(), backendID, int64((page-1)*pageSize), int64(pageSize))
	}
	if err != nil {
		h.log.Error("Failed to list exchange records", "error", err)
		WriteInternalError(w, "failed to list records")
		return
	}

	WriteJSON(w, http.StatusOK, PagedResponse[*edi.ExchangeRecord]{
		Data:     records,
		Page:     page,
		PageSize: pageSize,
	})
}

// Get returns one record.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.find(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// GetContent downloads the exchange file.
func (h *RecordHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.find(w, r)
	if !ok {
		return
	}
	if !rec.HasContent() {
		WriteNotFound(w, "record has no content")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+rec.Filename+"\"")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Content)
}

// GetAck downloads the acknowledgment file.
func (h *RecordHandler) GetAck(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.find(w, r)
	if !ok {
		return
	}
	if len(rec.AckContent) == 0 {
		WriteNotFound(w, "record has no acknowledgment")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.AckContent)
}

// Retry resets the attempt budget of an error-state record.
func (h *RecordHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.orch.Retry(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.log.Info("Record retry requested", "recordId", id)
	WriteJSON(w, http.StatusOK, rec)
}

// Reprocess re-runs the process phase of a completed inbound record.
func (h *RecordHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.orch.Reprocess(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.log.Info("Record reprocess requested", "recordId", id)
	WriteJSON(w, http.StatusOK, rec)
}

// Run executes the record's next runnable phase inline, bypassing the
// queue. Meant for operators chasing a single document.
func (h *RecordHandler) Run(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.find(w, r)
	if !ok {
		return
	}
	xtype, err := h.reg.ExchangeType(rec.TypeCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	phase, runnable := orchestrator.PhaseForRecord(rec, xtype)
	if !runnable {
		WriteConflict(w, "record has no runnable phase in state "+string(rec.State))
		return
	}
	if err := h.orch.ExecutePhase(r.Context(), rec.ID, phase); err != nil {
		h.log.Error("Inline phase run failed", "recordId", rec.ID, "phase", phase, "error", err)
		WriteInternalError(w, err.Error())
		return
	}
	updated, err := h.repo.FindByID(r.Context(), rec.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *RecordHandler) find(w http.ResponseWriter, r *http.Request) (*edi.ExchangeRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return rec, true
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, edi.ErrInvalidTransition),
		errors.Is(err, repository.ErrOptimisticLock),
		errors.Is(err, repository.ErrDuplicateKey):
		WriteConflict(w, err.Error())
	case errors.Is(err, edi.ErrUnknownBackend),
		errors.Is(err, edi.ErrUnknownBackendType),
		errors.Is(err, edi.ErrUnknownExchangeType),
		errors.Is(err, edi.ErrTypeBackendMismatch),
		errors.Is(err, edi.ErrModelMismatch),
		errors.Is(err, edi.ErrBackendDisabled),
		errors.Is(err, edi.ErrDirectionMismatch):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
