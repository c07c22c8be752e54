package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/metering"
	"github.com/nutrimed/chat-relay/internal/middleware"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/internal/service"
	"github.com/nutrimed/chat-relay/internal/sse"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// ChatHandler serves the streaming chat endpoint.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: logger.OrGlobal(log)}
}

// Stream handles POST /api/v1/chat/stream.
// Failures before the stream opens are JSON errors; afterwards they are an
// error frame.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	var req model.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if authUser := middleware.GetUserID(ctx); authUser != "" {
		switch req.UserID {
		case "":
			req.UserID = authUser
		case authUser:
		default:
			writeError(w, http.StatusForbidden, "userId does not match the authenticated user")
			return
		}
	}

	if err := middleware.ValidateTurnRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	turn, err := h.chat.Admit(ctx, &req)
	if err != nil {
		status, message := admitStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("turn admission failed", zap.Error(err))
		}
		writeError(w, status, message)
		return
	}

	res, err := turn.Stream(ctx, sse.NewWriter(w, flusher, log))
	if err != nil {
		log.Error("failed to open event stream", zap.Error(err))
		return
	}
	h.chat.LogOutcome(log, &req, turn, res)
}

func admitStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnknownAssistant):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrThreadBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, metering.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, metering.ErrMissingUser), errors.Is(err, metering.ErrMissingChargeKey):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusServiceUnavailable, "credit check unavailable, try again"
	}
}
