// Package service composes the relay, metering gate and history writer into
// one chat turn.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/history"
	"github.com/nutrimed/chat-relay/internal/metering"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/internal/relay"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

var (
	// ErrUnknownAssistant is returned for an assistant id outside the
	// allow-list.
	ErrUnknownAssistant = errors.New("unknown assistant")
	// ErrThreadBusy is returned when a turn is already streaming on the
	// requested thread.
	ErrThreadBusy = errors.New("a turn is already in progress on this thread")
)

// ChatConfig configures a ChatService.
type ChatConfig struct {
	// AllowedAssistants restricts assistant ids. Empty allows any.
	AllowedAssistants []string
}

// ChatService runs chat turns.
type ChatService struct {
	relay   *relay.Relay
	gate    *metering.Gate
	history *history.Writer
	allowed map[string]struct{}
	logger  *logger.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewChatService creates a chat service.
func NewChatService(r *relay.Relay, gate *metering.Gate, hist *history.Writer, cfg ChatConfig, log *logger.Logger) *ChatService {
	allowed := make(map[string]struct{}, len(cfg.AllowedAssistants))
	for _, id := range cfg.AllowedAssistants {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &ChatService{
		relay:   r,
		gate:    gate,
		history: hist,
		allowed: allowed,
		logger:  logger.OrGlobal(log).Named("chat"),
		active:  make(map[string]struct{}),
	}
}

// Turn is an admitted turn. Release must be called once the turn is done,
// Stream does so itself.
type Turn struct {
	svc      *ChatService
	req      *model.TurnRequest
	Charge   metering.ChargeResult
	held     []string
	released bool
}

// Admit runs the checks that must pass before the stream opens: assistant
// allow-list, per-thread serialization and metering. Errors become HTTP
// statuses.
func (s *ChatService) Admit(ctx context.Context, req *model.TurnRequest) (*Turn, error) {
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[req.AssistantID]; !ok {
			return nil, ErrUnknownAssistant
		}
	}

	if !s.acquire(req.ThreadID) {
		return nil, ErrThreadBusy
	}

	charge, err := s.gate.Charge(ctx, req)
	if err != nil {
		s.release(req.ThreadID)
		return nil, err
	}

	t := &Turn{svc: s, req: req, Charge: charge}
	if req.ThreadID != "" {
		t.held = append(t.held, req.ThreadID)
	}
	return t, nil
}

// Stream relays the turn onto ch and persists it once done. The error is
// non-nil only when ch could not be opened.
func (t *Turn) Stream(ctx context.Context, ch relay.Channel) (relay.Result, error) {
	defer t.Release()

	s := t.svc
	res, err := s.relay.Serve(ctx, t.req, &lockingChannel{Channel: ch, turn: t})
	if err != nil {
		return res, err
	}

	if res.Outcome == relay.OutcomeDone {
		s.history.AppendAsync(ctx, newRecord(t.req, res))
	}
	return res, nil
}

// Release frees the thread for the next turn.
func (t *Turn) Release() {
	if t.released {
		return
	}
	t.released = true
	for _, id := range t.held {
		t.svc.release(id)
	}
	t.held = nil
}

// lockingChannel takes the thread lock on the resolved thread when resumption
// fell back to a new one. The client learns that id from the start frame, so
// holding it before the frame goes out keeps a follow-up turn on it from
// racing this one.
type lockingChannel struct {
	relay.Channel
	turn *Turn
}

func (c *lockingChannel) Send(ev model.StreamEvent) error {
	if start, ok := ev.(model.StartEvent); ok && start.ThreadID != "" && !c.turn.holds(start.ThreadID) {
		if !c.turn.svc.acquire(start.ThreadID) {
			c.turn.svc.logger.Warn("resolved thread already busy",
				zap.String("requested_thread_id", c.turn.req.ThreadID),
				zap.String("thread_id", start.ThreadID),
			)
			return ErrThreadBusy
		}
		c.turn.held = append(c.turn.held, start.ThreadID)
	}
	return c.Channel.Send(ev)
}

func (t *Turn) holds(threadID string) bool {
	for _, id := range t.held {
		if id == threadID {
			return true
		}
	}
	return false
}

// acquire serializes turns on a known thread. New conversations have no
// thread id yet and are never contended.
func (s *ChatService) acquire(threadID string) bool {
	if threadID == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[threadID]; busy {
		return false
	}
	s.active[threadID] = struct{}{}
	return true
}

func (s *ChatService) release(threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	delete(s.active, threadID)
	s.mu.Unlock()
}

func newRecord(req *model.TurnRequest, res relay.Result) *model.TurnRecord {
	userTurn, _, _ := req.LatestUserTurn()
	if userTurn.CreatedAt.IsZero() {
		userTurn.CreatedAt = res.StartedAt
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = res.ThreadID
	}

	return &model.TurnRecord{
		ThreadID:       res.ThreadID,
		ConversationID: conversationID,
		UserID:         req.UserID,
		AssistantID:    req.AssistantID,
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		User:           userTurn,
		Assistant: model.Turn{
			Role:      model.RoleAssistant,
			Content:   res.FullContent,
			CreatedAt: res.EndedAt,
		},
		CreatedAt:     time.Now().UTC(),
		StreamStarted: res.StartedAt,
		StreamEnded:   res.EndedAt,
	}
}

// LogOutcome writes the per-turn summary line.
func (s *ChatService) LogOutcome(log *logger.Logger, req *model.TurnRequest, t *Turn, res relay.Result) {
	logger.OrGlobal(log).ForTurn(res.ThreadID, req.AssistantID).Info("chat turn finished",
		zap.String("requested_thread_id", req.ThreadID),
		zap.String("charge", t.Charge.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.EndedAt.Sub(res.StartedAt)),
	)
}
