package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/history"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

const (
	// StreamName is the name of the consultation history stream.
	StreamName = "CONSULTATIONS"

	// SubjectPrefix is the prefix for all history subjects.
	SubjectPrefix = "consult"

	// DefaultListLimit caps ListTurns when no limit is given.
	DefaultListLimit = 50
)

var _ history.Store = (*TurnStore)(nil)

// TurnStore is the JetStream-backed turn history.
type TurnStore struct {
	client *Client
	logger *logger.Logger
}

// NewTurnStore creates a turn store on client.
func NewTurnStore(client *Client, log *logger.Logger) *TurnStore {
	return &TurnStore{client: client, logger: logger.OrGlobal(log).Named("nats")}
}

// EnsureStream ensures the history stream exists with proper configuration.
func (s *TurnStore) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Completed consultation chat turns",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	s.logger.Info("created history stream", zap.String("stream", StreamName))
	return nil
}

// subjectToken encodes an opaque thread id into a single subject token.
func subjectToken(threadID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(threadID))
}

// TurnSubject returns the subject for a thread's turns.
func TurnSubject(threadID string) string {
	return fmt.Sprintf("%s.%s.turn", SubjectPrefix, subjectToken(threadID))
}

// ThreadFilter returns the filter subject for everything in a thread.
func ThreadFilter(threadID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(threadID))
}

// AppendTurn publishes rec. The record id is the JetStream message id, so a
// retried publish within the duplicate window is stored once.
func (s *TurnStore) AppendTurn(ctx context.Context, rec *model.TurnRecord) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal turn: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, TurnSubject(rec.ThreadID), data, jetstream.WithMsgID(rec.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish turn: %w", err)
	}
	if ack.Duplicate {
		s.logger.Debug("duplicate turn publish ignored",
			zap.String("record_id", rec.ID),
			zap.Uint64("sequence", ack.Sequence),
		)
	}

	return ack.Sequence, nil
}

// ListTurns retrieves a thread's turns starting after a sequence.
func (s *TurnStore) ListTurns(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.TurnRecord, uint64, bool, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ThreadFilter(threadID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	js := s.client.JetStream()
	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}
	info := consumer.CachedInfo()
	defer func() {
		if err := js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, info.Name); err != nil {
			s.logger.Debug("failed to delete history consumer", zap.String("consumer", info.Name), zap.Error(err))
		}
	}()

	pending := info.NumPending
	if pending == 0 {
		return nil, afterSequence, false, nil
	}

	want := limit
	if pending < uint64(limit) {
		want = int(pending)
	}

	batch, err := consumer.Fetch(want, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch turns: %w", err)
	}

	var (
		turns        []model.TurnRecord
		lastSequence = afterSequence
	)
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		lastSequence = meta.Sequence.Stream

		var rec model.TurnRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			s.logger.Warn("skipping malformed history record",
				zap.Uint64("sequence", meta.Sequence.Stream),
				zap.Error(err),
			)
			continue
		}
		rec.Sequence = meta.Sequence.Stream
		turns = append(turns, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	hasMore := pending > uint64(want)
	return turns, lastSequence, hasMore, nil
}
