package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/therepai/companion/internal/middleware"
	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/service"
	"github.com/therepai/companion/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	router              *service.MessageRouter
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	router *service.MessageRouter,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		router:              router,
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := h.conversationService.Get(ctx, userID, conversationID)
	if failed(err) {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages: thread.Messages,
		Total:    len(thread.Messages),
	})
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	req, ok := decodeSend(w, r, conversationID)
	if !ok {
		return
	}

	res, err := h.router.Send(ctx, userID, conversationID, req.Content)
	if failed(err) {
		requestLogger(h.logger, r).Error("failed to send message",
			zap.String("thread_id", conversationID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		Verdict:          res.Verdict.String(),
		Title:            res.Thread.Title,
		Warning:          warning(err),
	})
}

// decodeSend validates the thread id and message body shared by the send
// and stream endpoints.
func decodeSend(w http.ResponseWriter, r *http.Request, conversationID string) (*model.SendMessageRequest, bool) {
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	return &req, true
}
