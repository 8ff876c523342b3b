package registry

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a new config handler.
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "config").Logger(),
	}
}

// Routes mounts the config endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/config/catalog", h.HandleGetCatalog)
	r.Get("/config/effective", h.HandleGetEffective)
	r.Get("/config/effective/{key}", h.HandleGetEffectiveKey)
	r.Post("/config/override", h.HandleCreateOverride)
	r.Post("/config/override/bulk", h.HandleBulkOverride)
	r.Delete("/config/override/{key}", h.HandleRollback)
	r.Get("/config/receipts", h.HandleGetReceipts)
	r.Get("/config/presets", h.HandleGetPresets)
	r.Post("/config/presets/{name}", h.HandleApplyPreset)
}

// HandleGetCatalog returns the full catalog, defaults included.
func (h *Handler) HandleGetCatalog(w http.ResponseWriter, r *http.Request) {
	items := h.service.catalog.Items()
	for i := range items {
		if items[i].Secret {
			items[i].Default = maskedValue
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// HandleGetEffective returns every key with its resolved value and
// provenance chain.
func (h *Handler) HandleGetEffective(w http.ResponseWriter, r *http.Request) {
	values := h.service.EffectiveAll()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"values": values,
		"count":  len(values),
	})
}

// HandleGetEffectiveKey resolves one key.
func (h *Handler) HandleGetEffectiveKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ev, err := h.service.Effective(key)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// HandleCreateOverride applies one override and returns its signed receipt.
func (h *Handler) HandleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.service.CreateOverride(req)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleBulkOverride applies a set of overrides after validating all of them.
func (h *Handler) HandleBulkOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Overrides []OverrideRequest `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Overrides) == 0 {
		h.writeError(w, http.StatusBadRequest, "No overrides provided")
		return
	}

	receipts, err := h.service.BulkOverride(req.Overrides)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// HandleRollback retires the active override for a key.
func (h *Handler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	operator := r.URL.Query().Get("operator_id")
	reason := r.URL.Query().Get("reason")

	rec, err := h.service.Rollback(key, operator, reason)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleGetReceipts returns the audit trail, optionally filtered by key.
func (h *Handler) HandleGetReceipts(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	receipts, err := h.service.Receipts(key, limit)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// HandleGetPresets lists the built-in presets.
func (h *Handler) HandleGetPresets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"presets": h.service.Presets(),
	})
}

// HandleApplyPreset applies a named preset through the bulk pipeline.
func (h *Handler) HandleApplyPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		OperatorID string `json:"operator_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OperatorID == "" {
		h.writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	receipts, err := h.service.ApplyPreset(name, req.OperatorID, req.Reason)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"preset":   name,
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// Helper methods

func (h *Handler) writeKindError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindSafetyViolation:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTransientStore:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
