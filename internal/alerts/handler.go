package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Handler exposes alert listing, acknowledgement, and the live stream.
type Handler struct {
	svc    *Service
	hub    *Hub
	logger *logging.Logger
}

func NewHandler(svc *Service, hub *Hub, logger *logging.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, logger: logger}
}

// Routes mounts the alert endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListOpen)
	r.Get("/stream", h.hub.ServeWS)
	r.Post("/{alertID}/read", h.MarkRead)
	r.Post("/{alertID}/dismiss", h.Dismiss)
	return r
}

// ListOpen handles GET /alerts requests.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	out, err := h.svc.ListOpen(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		http.Error(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"alerts": out, "count": len(out)})
}

// MarkRead handles POST /alerts/{alertID}/read requests.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.svc.MarkRead)
}

// Dismiss handles POST /alerts/{alertID}/dismiss requests.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.svc.Dismiss)
}

func (h *Handler) setFlag(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update alert", "error", err, "alert_id", id)
		http.Error(w, "failed to update alert", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
