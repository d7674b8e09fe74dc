package http

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "nodelock/internal/errors"
	"nodelock/internal/exporter"
	"nodelock/internal/middleware"
	"nodelock/pkg/contracts/domain"
)

// MachineHandler serves the allow-list administration API and remote
// attestation.
type MachineHandler struct {
	service      MachineServiceInterface
	validator    *middleware.Validator
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewMachineHandler creates a machine handler.
func NewMachineHandler(service MachineServiceInterface, validator *middleware.Validator, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *MachineHandler {
	return &MachineHandler{
		service:      service,
		validator:    validator,
		logger:       logger.With(slog.String("component", "machine_handler")),
		errorHandler: errorHandler,
	}
}

// Routes returns the /api/machines routes. Callers mount it behind admin
// authentication.
func (h *MachineHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Get("/export", h.Export)
	r.Delete("/{id}", h.Delete)

	return r
}

// List handles GET /api/machines
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.List(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"machines": records,
		"count":    len(records),
	})
}

// Add handles POST /api/machines
func (h *MachineHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req domain.AddMachineRequest
	if err := h.validator.DecodeJSON(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	addedBy := ""
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		addedBy = p.Name
	}

	rec, err := h.service.Add(r.Context(), req, addedBy)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

// Delete handles DELETE /api/machines/{id}
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.errorHandler.HandleError(w, r, apierrors.InvalidParameter("id", raw))
		return
	}

	rec, err := h.service.Delete(r.Context(), id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"message": "Machine deleted successfully",
		"machine": rec,
	})
}

// Export handles GET /api/machines/export?format=xlsx|csv
func (h *MachineHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidParameter("format", r.URL.Query().Get("format")))
		return
	}

	// buffered so a failure can still become a problem response
	var buf bytes.Buffer
	if err := h.service.Export(r.Context(), &buf, format); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+h.service.ExportFilename(format)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "export write failed", slog.String("error", err.Error()))
	}
}

// Attest handles POST /api/attest. The result is always 200; its status field
// carries authorized, denied or indeterminate. Registering changes the
// allow-list and needs an admin key.
func (h *MachineHandler) Attest(w http.ResponseWriter, r *http.Request) {
	var req domain.AttestRequest
	if err := h.validator.DecodeJSON(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	if req.Mode == domain.ModeRegister && p.Role != middleware.RoleAdmin {
		h.logger.WarnContext(r.Context(), "register refused for non-admin key",
			slog.String("client", p.Name),
			slog.String("role", string(p.Role)))
		h.errorHandler.HandleError(w, r, apierrors.Forbidden())
		return
	}

	render.JSON(w, r, h.service.Attest(r.Context(), req, p.Name))
}
