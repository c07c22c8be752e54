// Package history appends completed turns to the conversation history.
// Writes are retried and never fail the turn they record.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/internal/retry"
	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/metrics"
)

// ErrInvalidRecord is returned for records that can never be stored.
var ErrInvalidRecord = errors.New("history: record has no thread id")

// Store is an append-only turn history. AppendTurn must tolerate the same
// record (same ID) being appended more than once.
type Store interface {
	AppendTurn(ctx context.Context, rec *model.TurnRecord) (uint64, error)
	ListTurns(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.TurnRecord, uint64, bool, error)
}

// Writer appends turn records with bounded retries.
type Writer struct {
	store   Store
	policy  retry.Policy
	timeout time.Duration
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewWriter creates a writer over store.
func NewWriter(store Store, policy retry.Policy, log *logger.Logger) *Writer {
	return &Writer{
		store:   store,
		policy:  policy,
		timeout: 30 * time.Second,
		logger:  logger.OrGlobal(log).Named("history"),
	}
}

// Append stores rec, retrying transient failures. The returned error is
// informational; it has already been logged.
func (w *Writer) Append(ctx context.Context, rec *model.TurnRecord) (uint64, error) {
	if rec.ThreadID == "" {
		return 0, ErrInvalidRecord
	}
	if rec.ID == "" {
		// Assigned once so that retried appends carry the same id.
		rec.ID = newRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var seq uint64
	err := w.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		seq, err = w.store.AppendTurn(ctx, rec)
		if err != nil {
			metrics.RecordHistoryWrite("error")
			return err
		}
		metrics.RecordHistoryWrite("success")
		return nil
	}, func(err error, attempt int, next time.Duration) {
		w.logger.Debug("history append failed, retrying",
			zap.String("record_id", rec.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	})
	if err != nil {
		metrics.RecordHistoryDropped()
		w.logger.Warn("failed to persist turn",
			zap.String("record_id", rec.ID),
			zap.String("thread_id", rec.ThreadID),
			zap.String("user_id", rec.UserID),
			zap.Int("max_attempts", w.policy.MaxAttempts),
			zap.Error(err),
		)
		return 0, fmt.Errorf("history: append turn: %w", err)
	}
	return seq, nil
}

// AppendAsync appends rec in the background. The write outlives ctx's
// cancellation so a client disconnect after done does not drop the turn.
func (w *Writer) AppendAsync(ctx context.Context, rec *model.TurnRecord) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		_, _ = w.Append(ctx, rec)
	}()
}

// Wait blocks until background appends have finished.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// List returns persisted turns of a thread.
func (w *Writer) List(ctx context.Context, threadID string, afterSequence uint64, limit int) (*model.ListTurnsResponse, error) {
	turns, last, more, err := w.store.ListTurns(ctx, threadID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list turns: %w", err)
	}
	if turns == nil {
		turns = []model.TurnRecord{}
	}
	return &model.ListTurnsResponse{Turns: turns, HasMore: more, LastSequence: last}, nil
}

func newRecordID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
