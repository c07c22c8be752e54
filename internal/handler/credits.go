package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/metering"
	"github.com/nutrimed/chat-relay/internal/middleware"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// CreditHandler serves credit balances.
type CreditHandler struct {
	gate   *metering.Gate
	logger *logger.Logger
}

// NewCreditHandler creates a new credit handler.
func NewCreditHandler(gate *metering.Gate, log *logger.Logger) *CreditHandler {
	return &CreditHandler{gate: gate, logger: logger.OrGlobal(log)}
}

// Balance handles GET /api/v1/credits/{userId}
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if authUser := middleware.GetUserID(ctx); authUser != "" && authUser != userID &&
		!middleware.HasScope(ctx, middleware.ScopeCreditsWrite) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	remaining, err := h.gate.Balance(ctx, userID)
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Error("failed to read balance", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "credit store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, model.CreditBalance{UserID: userID, Remaining: remaining})
}

// Grant handles POST /api/v1/credits/{userId}
func (h *CreditHandler) Grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.GrantCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	remaining, err := h.gate.Grant(ctx, userID, req.Amount)
	if err != nil {
		if errors.Is(err, metering.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		middleware.RequestLogger(ctx, h.logger).Error("failed to grant credits",
			zap.String("target_user_id", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "credit store unavailable")
		return
	}

	middleware.RequestLogger(ctx, h.logger).Info("credits granted",
		zap.String("target_user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.Int64("remaining", remaining),
	)
	writeJSON(w, http.StatusOK, model.CreditBalance{UserID: userID, Remaining: remaining})
}
