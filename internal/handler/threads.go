package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/history"
	"github.com/nutrimed/chat-relay/internal/middleware"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// ThreadHandler serves persisted thread history.
type ThreadHandler struct {
	history *history.Writer
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(hist *history.Writer, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{history: hist, logger: logger.OrGlobal(log)}
}

// Turns handles GET /api/v1/threads/{threadId}/turns
// Supports ?after_sequence=N&limit=M for paging.
func (h *ThreadHandler) Turns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadId")

	if err := middleware.ValidateThreadID(threadID); err != nil || threadID == "" {
		writeError(w, http.StatusBadRequest, "invalid thread ID format")
		return
	}

	afterSequence, limit := pageParams(r)

	resp, err := h.history.List(ctx, threadID, afterSequence, limit)
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Error("failed to list turns",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}

	// When authenticated, every record must belong to the caller. Records
	// written without a user id are not visible to any authenticated user.
	if userID := middleware.GetUserID(ctx); userID != "" {
		for _, rec := range resp.Turns {
			if rec.UserID != userID {
				writeError(w, http.StatusNotFound, "thread not found")
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
