package referrals

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Handler exposes the referral operations over REST.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the referral endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateReferral)
	r.Get("/", h.ListReferrals)
	r.Get("/overdue", h.ListOverdue)
	r.Get("/stats/dashboard", h.DashboardStats)
	r.Route("/{referralID}", func(r chi.Router) {
		r.Get("/", h.GetReferral)
		r.Get("/history", h.GetHistory)
		r.Post("/schedule", h.ScheduleReferral)
		r.Post("/reschedule", h.RescheduleReferral)
		r.Post("/mark-missed", h.MarkMissed)
		r.Post("/mark-attended", h.MarkAttended)
		r.Post("/complete", h.CompleteReferral)
		r.Post("/cancel", h.CancelReferral)
	})
	return r
}

// CreateReferral handles POST /referrals requests.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	req.CreatedBy = actor

	ref, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ref)
}

// ListReferralsResponse is the response for listing referrals.
type ListReferralsResponse struct {
	Referrals []Referral `json:"referrals"`
	Count     int        `json:"count"`
	Offset    int        `json:"offset"`
	Limit     int        `json:"limit"`
}

// ListReferrals handles GET /referrals requests with optional status,
// specialist_type, high_risk and scheduled_on filters.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Limit: 100}

	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = st
	}
	if s := q.Get("specialist_type"); s != "" {
		st, err := ParseSpecialistType(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.SpecialistType = st
	}
	if s := q.Get("high_risk"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			http.Error(w, "high_risk must be a boolean", http.StatusBadRequest)
			return
		}
		filter.IsHighRisk = &v
	}
	if s := q.Get("scheduled_on"); s != "" {
		day, err := time.Parse("2006-01-02", s)
		if err != nil {
			http.Error(w, "scheduled_on must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.ScheduledOn = &day
	}
	if s := q.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if s := q.Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	referrals, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list referrals", "error", err)
		http.Error(w, "failed to list referrals", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, ListReferralsResponse{
		Referrals: referrals,
		Count:     len(referrals),
		Offset:    filter.Offset,
		Limit:     filter.Limit,
	})
}

// GetReferral handles GET /referrals/{referralID} requests.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := h.referralID(w, r)
	if !ok {
		return
	}
	ref, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ref)
}

// GetHistory handles GET /referrals/{referralID}/history requests.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.referralID(w, r)
	if !ok {
		return
	}
	history, err := h.svc.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

type scheduleRequest struct {
	ScheduledDate time.Time `json:"scheduled_date"`
	Notes         string    `json:"notes,omitempty"`
}

// ScheduleReferral handles POST /referrals/{referralID}/schedule requests.
func (h *Handler) ScheduleReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := h.referralID(w, r)
	if !ok {
		return
	}
	actor, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := h.svc.Schedule(r.Context(), id, req.ScheduledDate, req.Notes, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ref)
}

type rescheduleRequest struct {
	NewDateTime time.Time `json:"new_datetime"`
	Reason      string    `json:"reason,omitempty"`
}

// RescheduleReferral handles POST /referrals/{referralID}/reschedule requests.
func (h *Handler) RescheduleReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := h.referralID(w, r)
	if !ok {
		return
	}
	actor, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := h.svc.Reschedule(r.Context(), id, req.NewDateTime, req.Reason, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ref)
}

// MarkMissed handles POST /referrals/{referralID}/mark-missed requests.
func (h *Handler) MarkMissed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkMissed)
}

// MarkAttended handles POST /referrals/{referralID}/mark-attended requests.
func (h *Handler) MarkAttended(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkAttended)
}

// CompleteReferral handles POST /referrals/{referralID}/complete requests.
func (h *Handler) CompleteReferral(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Complete)
}

// CancelReferral handles POST /referrals/{referralID}/cancel requests.
func (h *Handler) CancelReferral(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

// ListOverdue handles GET /referrals/overdue requests.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	referrals, err := h.svc.Overdue(r.Context())
	if err != nil {
		h.logger.Error("failed to list overdue referrals", "error", err)
		http.Error(w, "failed to list overdue referrals", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, ListReferralsResponse{
		Referrals: referrals,
		Count:     len(referrals),
		Limit:     len(referrals),
	})
}

// DashboardStats handles GET /referrals/stats/dashboard requests.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DashboardStats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute dashboard stats", "error", err)
		http.Error(w, "failed to compute dashboard stats", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id uuid.UUID, actor uuid.UUID) (*Referral, error)) {
	id, ok := h.referralID(w, r)
	if !ok {
		return
	}
	actor, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	ref, err := op(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ref)
}

func (h *Handler) referralID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "referralID"))
	if err != nil {
		http.Error(w, "invalid referral id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

// writeError maps the domain error taxonomy onto HTTP statuses: validation
// 422, unknown id 404, state-machine and concurrency conflicts 409.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		ve  *ValidationError
		ite *InvalidTransitionError
		pte *PrematureTransitionError
	)
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Error()})
	case errors.Is(err, ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &ite):
		respondJSON(w, http.StatusConflict, errorResponse{Error: ite.Error(), From: string(ite.From), To: string(ite.To)})
	case errors.As(err, &pte):
		respondJSON(w, http.StatusConflict, errorResponse{Error: pte.Error()})
	case errors.Is(err, ErrConcurrentModification):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("referral operation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
