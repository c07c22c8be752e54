// Package metering charges per-user usage credits at most once per billable
// conversation.
package metering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/metrics"
)

var (
	// ErrInsufficientCredits is returned when the user has no credits left.
	ErrInsufficientCredits = errors.New("metering: insufficient credits")
	// ErrMissingUser is returned for a billable turn without a user id.
	ErrMissingUser = errors.New("metering: billable turn requires a user id")
	// ErrMissingChargeKey is returned for a billable turn without a
	// conversation or thread id to charge against.
	ErrMissingChargeKey = errors.New("metering: billable turn requires a conversation id")
	// ErrInvalidAmount is returned when granting a non-positive amount.
	ErrInvalidAmount = errors.New("metering: grant amount must be positive")
)

// ChargeResult is the outcome of a successful Charge.
type ChargeResult int

const (
	// Skipped means the turn was not billable.
	Skipped ChargeResult = iota
	// Charged means one credit was taken.
	Charged
	// AlreadyCharged means the conversation was billed before.
	AlreadyCharged
)

func (r ChargeResult) String() string {
	switch r {
	case Charged:
		return "charged"
	case AlreadyCharged:
		return "already_charged"
	default:
		return "skipped"
	}
}

// Ledger stores per-user credit balances. Decrement is a single atomic
// compare-and-decrement keyed by chargeKey: a key that was charged before
// is never charged again.
type Ledger interface {
	Decrement(ctx context.Context, userID, chargeKey string) (ChargeResult, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Grant(ctx context.Context, userID string, amount int64) (int64, error)
}

// Gate decides whether a turn request may proceed.
type Gate struct {
	ledger Ledger
	logger *logger.Logger
}

// NewGate creates a gate over ledger.
func NewGate(ledger Ledger, log *logger.Logger) *Gate {
	return &Gate{ledger: ledger, logger: logger.OrGlobal(log).Named("metering")}
}

// Charge bills req when it is flagged billable. Any error means the turn must
// not be submitted. Charges are never retried here; the ledger's idempotency
// key makes a caller-level retry safe.
func (g *Gate) Charge(ctx context.Context, req *model.TurnRequest) (ChargeResult, error) {
	if !req.Billable {
		metrics.RecordCharge(Skipped.String())
		return Skipped, nil
	}
	if req.UserID == "" {
		return Skipped, ErrMissingUser
	}
	key := req.ChargeKey()
	if key == "" {
		return Skipped, ErrMissingChargeKey
	}

	res, err := g.ledger.Decrement(ctx, req.UserID, key)
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		metrics.RecordCharge("insufficient")
		g.logger.Info("turn rejected, no credits left",
			zap.String("user_id", req.UserID),
			zap.String("charge_key", key),
		)
		return Skipped, err
	case err != nil:
		metrics.RecordCharge("error")
		g.logger.Error("credit decrement failed",
			zap.String("user_id", req.UserID),
			zap.String("charge_key", key),
			zap.Error(err),
		)
		return Skipped, fmt.Errorf("metering: decrement credit: %w", err)
	}

	metrics.RecordCharge(res.String())
	g.logger.Debug("turn metered",
		zap.String("user_id", req.UserID),
		zap.String("charge_key", key),
		zap.String("result", res.String()),
	)
	return res, nil
}

// Balance returns the remaining credits of userID.
func (g *Gate) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	return g.ledger.Balance(ctx, userID)
}

// Grant adds amount credits to userID and returns the new balance.
func (g *Gate) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return g.ledger.Grant(ctx, userID, amount)
}
