package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// accountStore is the persistence surface the handler needs. *Repository
// satisfies it.
type accountStore interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
}

// Handler serves login and session introspection.
type Handler struct {
	repo   accountStore
	tokens *TokenIssuer
	logger *logging.Logger
}

func NewHandler(repo accountStore, tokens *TokenIssuer, logger *logging.Logger) *Handler {
	return &Handler{repo: repo, tokens: tokens, logger: logger}
}

// Routes mounts /auth endpoints. /auth/me requires the session middleware.
func (h *Handler) Routes(requireSession func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.With(requireSession).Get("/me", h.Me)
	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// Login handles POST /auth/login requests.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.repo.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.unauthorized(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.unauthorized(w, ErrInvalidCredentials)
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		h.logger.Error("failed to issue session token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("login", "user_id", user.ID, "email", user.Email)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Token: token, User: user})
}

// Me handles GET /auth/me requests for an authenticated session.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	user, err := h.repo.GetByID(r.Context(), userID)
	if err != nil {
		h.unauthorized(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func (h *Handler) unauthorized(w http.ResponseWriter, err error) {
	if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrInvalidToken) {
		h.logger.Error("auth lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Error(w, "invalid email or password", http.StatusUnauthorized)
}
