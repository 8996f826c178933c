package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/therepai/companion/internal/middleware"
	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/reveal"
	"github.com/therepai/companion/internal/service"
	"github.com/therepai/companion/pkg/logger"
	"github.com/therepai/companion/pkg/metrics"
)

// StreamHandler sends a message and reveals the reply over SSE.
type StreamHandler struct {
	router      *service.MessageRouter
	typingDelay time.Duration
	logger      *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(router *service.MessageRouter, typingDelay time.Duration, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		router:      router,
		typingDelay: typingDelay,
		logger:      log,
	}
}

// StreamWithMessage handles POST /api/v1/conversations/:id/stream
//
// The exchange is routed and stored first. The reply is then revealed word
// by word as "partial" events; a client that disconnects mid-reveal still
// finds the full reply in the thread.
func (h *StreamHandler) StreamWithMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	req, ok := decodeSend(w, r, conversationID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	res, err := h.router.Send(ctx, userID, conversationID, req.Content)
	if failed(err) {
		writeServiceError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementRevealStreams()
	defer metrics.DecrementRevealStreams()

	if warn := warning(err); warn != "" {
		sendSSEEvent(w, flusher, "warning", &model.ErrorEvent{
			Code:    "persistence_failed",
			Message: warn,
		})
	}

	sendSSEEvent(w, flusher, "user_message", res.UserMessage)

	index := 0
	for partial := range reveal.Words(res.AssistantMessage.Content) {
		if index > 0 && h.typingDelay > 0 {
			select {
			case <-ctx.Done():
				requestLogger(h.logger, r).Info("SSE client disconnected during reveal",
					zap.String("thread_id", conversationID),
				)
				return
			case <-time.After(h.typingDelay):
			}
		}
		if err := sendSSEEvent(w, flusher, "partial", &model.PartialEvent{
			Text:  partial,
			Index: index,
		}); err != nil {
			return
		}
		index++
	}

	sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{
		Message: res.AssistantMessage,
		Verdict: res.Verdict.String(),
	})

	sendSSEEvent(w, flusher, "done", map[string]bool{"success": true})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
