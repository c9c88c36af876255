package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"log/slog"

	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/orchestrator"
)

// maxPushSize caps inbound push payloads.
const maxPushSize = 25 << 20

// EndpointHandler accepts documents pushed by trading partners instead
// of being polled from a backend. A push creates the inbound record with
// its content already present, so it goes straight to processing.
type EndpointHandler struct {
	orch *orchestrator.Orchestrator
	reg  *edi.TypeRegistry
	log  *slog.Logger
}

// NewEndpointHandler creates an endpoint handler.
func NewEndpointHandler(orch *orchestrator.Orchestrator, reg *edi.TypeRegistry, log *slog.Logger) *EndpointHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EndpointHandler{orch: orch, reg: reg, log: log}
}

// Routes returns the router for push endpoints.
func (h *EndpointHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{backendId}/{type}/{filename}", h.Push)

	return r
}

// Push receives one document. The filename deduplicates: pushing the
// same file twice returns 409 with the existing record untouched.
func (h *EndpointHandler) Push(w http.ResponseWriter, r *http.Request) {
	backendID := chi.URLParam(r, "backendId")
	typeCode := chi.URLParam(r, "type")
	filename := chi.URLParam(r, "filename")

	xtype, err := h.reg.ExchangeType(typeCode)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	if xtype.Direction != edi.DirectionInput {
		WriteBadRequest(w, "exchange type "+typeCode+" is not inbound")
		return
	}
	if !xtype.MatchFilename(filename) {
		WriteBadRequest(w, "filename does not match the type's pattern")
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxPushSize))
	if err != nil {
		WriteBadRequest(w, "failed to read request body")
		return
	}
	if len(content) == 0 {
		WriteBadRequest(w, "empty document")
		return
	}

	rec, err := h.orch.CreateRecord(r.Context(), orchestrator.CreateInput{
		TypeCode:  typeCode,
		BackendID: backendID,
		Filename:  filename,
		Content:   content,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			WriteConflict(w, "file "+filename+" already tracked")
			return
		}
		writeDomainError(w, err)
		return
	}

	h.log.Info("Inbound document pushed",
		"backendId", backendID,
		"type", typeCode,
		"filename", filename,
		"recordId", rec.ID,
		"bytes", len(content))
	WriteJSON(w, http.StatusCreated, rec)
}
