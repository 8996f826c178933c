package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/therepai/companion/internal/auth"
	"github.com/therepai/companion/internal/middleware"
	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/service"
	"github.com/therepai/companion/pkg/logger"
)

// AuthHandler handles sign-up, sign-in and sign-out.
type AuthHandler struct {
	provider      auth.Provider
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(provider auth.Provider, convs *service.ConversationService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		provider:      provider,
		conversations: convs,
		logger:        log,
	}
}

// SignUp handles POST /api/v1/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuth(w, r)
	if !ok {
		return
	}

	sess, err := h.provider.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	requestLogger(h.logger, r).Info("user signed up", zap.String("user_id", sess.UserID))
	writeJSON(w, http.StatusCreated, toAuthResponse(sess))
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuth(w, r)
	if !ok {
		return
	}

	sess, err := h.provider.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(sess))
}

// Logout handles POST /api/v1/auth/logout. It ends the caller's session,
// cancelling any completion still in flight for them.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.conversations.EndSession(middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, r).Error("authentication failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "authentication failed")
	}
}

func decodeAuth(w http.ResponseWriter, r *http.Request) (*model.AuthRequest, bool) {
	var req model.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return &req, true
}

func toAuthResponse(s *auth.Session) *model.AuthResponse {
	return &model.AuthResponse{
		UserID:    s.UserID,
		Email:     s.Email,
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt,
	}
}
