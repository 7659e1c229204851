package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/northbridge-health/referral-platform/internal/dispatch"
	"github.com/northbridge-health/referral-platform/internal/notify"
	"github.com/northbridge-health/referral-platform/internal/referrals"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// commsLogReader reads the email and call delivery logs.
type commsLogReader interface {
	ListEmailLogs(ctx context.Context, f dispatch.EmailLogFilter) ([]dispatch.EmailLog, error)
	ListCallLogs(ctx context.Context, referralID uuid.UUID, limit int) ([]dispatch.CallLog, error)
}

// emailSender is the synchronous send path on the dispatcher.
type emailSender interface {
	SendEmail(ctx context.Context, ref referrals.Referral, template string, in notify.RenderInput) (*dispatch.EmailLog, error)
}

// referralReader resolves referrals for sends and the batch retry scan.
type referralReader interface {
	Get(ctx context.Context, id uuid.UUID) (*referrals.Referral, error)
	ListEmailUnsent(ctx context.Context, limit int) ([]referrals.Referral, error)
}

// CommsHandler serves the communication-log endpoints: listing email and
// call logs, manually sending an email, and retrying referrals whose
// creation email never went out.
type CommsHandler struct {
	logs      commsLogReader
	sender    emailSender
	referrals referralReader
	logger    *logging.Logger
}

func NewCommsHandler(logs commsLogReader, sender emailSender, refs referralReader, logger *logging.Logger) *CommsHandler {
	return &CommsHandler{logs: logs, sender: sender, referrals: refs, logger: logger}
}

// EmailRoutes mounts under /emails.
func (h *CommsHandler) EmailRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListEmails)
	r.Post("/send", h.SendEmail)
	r.Post("/batch-send", h.BatchSend)
	return r
}

// CallRoutes mounts under /calls.
func (h *CommsHandler) CallRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListCalls)
	return r
}

// ListEmails handles GET /emails with optional referral_id and status
// filters.
func (h *CommsHandler) ListEmails(w http.ResponseWriter, r *http.Request) {
	f := dispatch.EmailLogFilter{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("referral_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			commsError(w, http.StatusBadRequest, "invalid referral_id")
			return
		}
		f.ReferralID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			commsError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	logs, err := h.logs.ListEmailLogs(r.Context(), f)
	if err != nil {
		h.logger.Error("list email logs failed", "error", err)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}
	commsJSON(w, http.StatusOK, map[string]any{"emails": logs, "count": len(logs)})
}

// ListCalls handles GET /calls. referral_id is optional; without it the
// most recent calls across all referrals come back.
func (h *CommsHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	var referralID uuid.UUID
	if raw := r.URL.Query().Get("referral_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			commsError(w, http.StatusBadRequest, "invalid referral_id")
			return
		}
		referralID = id
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			commsError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	logs, err := h.logs.ListCallLogs(r.Context(), referralID, limit)
	if err != nil {
		h.logger.Error("list call logs failed", "error", err)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}
	commsJSON(w, http.StatusOK, map[string]any{"calls": logs, "count": len(logs)})
}

type sendEmailRequest struct {
	ReferralID string `json:"referral_id"`
	Template   string `json:"template"`
	Message    string `json:"message"`
}

// SendEmail handles POST /emails/send, a nurse-triggered send of a single
// template to one referral's patient.
func (h *CommsHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		commsError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.Parse(req.ReferralID)
	if err != nil {
		commsError(w, http.StatusBadRequest, "invalid referral_id")
		return
	}
	if req.Template == "" {
		req.Template = notify.TemplateFollowUp
	}

	ref, err := h.referrals.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, referrals.ErrNotFound) {
			commsError(w, http.StatusNotFound, "referral not found")
			return
		}
		h.logger.Error("referral lookup failed", "error", err, "referral_id", id)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log, err := h.sender.SendEmail(r.Context(), *ref, req.Template, notify.RenderInput{
		Referral: ref,
		Message:  req.Message,
	})
	switch {
	case log == nil && err != nil:
		// Render refused: unknown template or a missing merge field.
		commsError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		commsJSON(w, http.StatusBadGateway, map[string]any{
			"error": "email delivery failed", "email_log": log,
		})
	case log.Status == dispatch.LogStatusFailed:
		commsJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": log.ErrorMessage, "email_log": log,
		})
	default:
		commsJSON(w, http.StatusOK, map[string]any{"email_log": log})
	}
}

// BatchSend handles POST /emails/batch-send: it retries the creation email
// for active referrals that have an address on file but no email sent yet.
// Failures are recorded per referral and do not stop the batch.
func (h *CommsHandler) BatchSend(w http.ResponseWriter, r *http.Request) {
	refs, err := h.referrals.ListEmailUnsent(r.Context(), 0)
	if err != nil {
		h.logger.Error("batch-send scan failed", "error", err)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}

	sent, failed := 0, 0
	for _, ref := range refs {
		template := notify.TemplateReferralCreated
		if ref.Status == referrals.StatusScheduled {
			template = notify.TemplateAppointmentConfirmed
		}
		log, err := h.sender.SendEmail(r.Context(), ref, template, notify.RenderInput{Referral: &ref})
		if err != nil || (log != nil && log.Status == dispatch.LogStatusFailed) {
			failed++
			continue
		}
		sent++
	}
	commsJSON(w, http.StatusOK, map[string]any{
		"attempted": len(refs), "sent": sent, "failed": failed,
	})
}

// ReferralCommunications handles GET /referrals/{referralID}/communications,
// the combined delivery timeline the nurse sees on a referral page.
func (h *CommsHandler) ReferralCommunications(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "referralID"))
	if err != nil {
		commsError(w, http.StatusBadRequest, "invalid referral id")
		return
	}
	if _, err := h.referrals.Get(r.Context(), id); err != nil {
		if errors.Is(err, referrals.ErrNotFound) {
			commsError(w, http.StatusNotFound, "referral not found")
			return
		}
		h.logger.Error("referral lookup failed", "error", err, "referral_id", id)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}

	emails, err := h.logs.ListEmailLogs(r.Context(), dispatch.EmailLogFilter{ReferralID: id})
	if err != nil {
		h.logger.Error("list email logs failed", "error", err, "referral_id", id)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}
	calls, err := h.logs.ListCallLogs(r.Context(), id, 0)
	if err != nil {
		h.logger.Error("list call logs failed", "error", err, "referral_id", id)
		commsError(w, http.StatusInternalServerError, "internal error")
		return
	}
	commsJSON(w, http.StatusOK, map[string]any{"emails": emails, "calls": calls})
}

func commsJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func commsError(w http.ResponseWriter, status int, msg string) {
	commsJSON(w, status, map[string]string{"error": msg})
}
