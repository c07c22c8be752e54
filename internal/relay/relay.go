// Package relay bridges one assistant run onto one client event channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/assistant"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/metrics"
)

// DefaultKeepAliveInterval is used when Config.KeepAliveInterval is zero.
const DefaultKeepAliveInterval = 15 * time.Second

// Channel is the client-facing event channel. Implementations serialize
// writes; sse.Writer is the production implementation.
type Channel interface {
	// Open commits the response and writes the initial keep-alive.
	Open() error
	// Send writes and flushes one frame.
	Send(ev model.StreamEvent) error
	// KeepAlive writes a comment the consumer ignores.
	KeepAlive() error
}

// Outcome is how a relay invocation ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished relay invocation.
type Result struct {
	Outcome Outcome
	// ThreadID is the resolved thread, which differs from the requested one
	// when resumption fell back to a new thread. Empty if no thread was
	// resolved.
	ThreadID string
	// FullContent is the server-side accumulation of all chunk frames.
	FullContent string
	// ErrorMessage is the text of the error frame, if one was written.
	ErrorMessage string
	Frames       int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Config configures a Relay.
type Config struct {
	// KeepAliveInterval is how often a comment is written while waiting on
	// the upstream. Negative disables periodic keep-alives.
	KeepAliveInterval time.Duration
}

// Relay drives assistant runs onto client channels.
type Relay struct {
	connector assistant.Connector
	cfg       Config
	logger    *logger.Logger
	tracer    trace.Tracer
}

// New creates a relay over connector.
func New(connector assistant.Connector, cfg Config, log *logger.Logger) *Relay {
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return &Relay{
		connector: connector,
		cfg:       cfg,
		logger:    logger.OrGlobal(log).Named("relay"),
		tracer:    otel.Tracer("github.com/nutrimed/chat-relay/internal/relay"),
	}
}

// errChannelClosed marks a failed write to the client channel.
var errChannelClosed = errors.New("relay: client channel closed")

// Serve runs one turn. It opens ch before calling the upstream, then writes
// start, chunk and exactly one terminal frame. The returned error is
// non-nil only when ch could not be opened, in which case nothing was
// written. Cancelling ctx stops the upstream run and suppresses further
// writes.
func (r *Relay) Serve(ctx context.Context, req *model.TurnRequest, ch Channel) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Serve",
		trace.WithAttributes(
			attribute.String("assistant.id", req.AssistantID),
			attribute.String("thread.requested_id", req.ThreadID),
		),
	)
	defer span.End()

	if err := ch.Open(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open channel")
		return Result{}, fmt.Errorf("relay: open channel: %w", err)
	}

	metrics.IncrementStreams()
	defer metrics.DecrementStreams()

	s := &session{
		relay:  r,
		ch:     ch,
		result: Result{StartedAt: time.Now().UTC()},
	}
	s.run(ctx, req)
	s.result.EndedAt = time.Now().UTC()

	res := s.result
	duration := res.EndedAt.Sub(res.StartedAt)
	metrics.RecordRelayStream(string(res.Outcome), duration.Seconds())

	span.SetAttributes(
		attribute.String("thread.id", res.ThreadID),
		attribute.String("relay.outcome", string(res.Outcome)),
		attribute.Int("relay.frames", res.Frames),
	)
	if res.Outcome == OutcomeError {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}

	r.logger.ForTurn(res.ThreadID, req.AssistantID).Info("relay stream finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("frames", res.Frames),
		zap.Int("content_length", len(res.FullContent)),
		zap.Duration("duration", duration),
	)
	return res, nil
}

// session is the state of one Serve call.
type session struct {
	relay   *Relay
	ch      Channel
	result  Result
	started bool
	acc     strings.Builder
}

func (s *session) run(ctx context.Context, req *model.TurnRequest) {
	conn := s.relay.connector
	log := s.relay.logger

	thread, err := conn.OpenOrResumeThread(ctx, req.ThreadID)
	if err != nil {
		s.fail(ctx, fmt.Sprintf("could not open conversation thread: %v", err))
		return
	}
	s.result.ThreadID = thread.ID
	if req.ThreadID != "" && thread.ID != req.ThreadID {
		log.Warn("thread could not be resumed, continuing on a new thread",
			zap.String("requested_thread_id", req.ThreadID),
			zap.String("thread_id", thread.ID),
		)
	}

	latest, prior, _ := req.LatestUserTurn()
	if thread.Created && len(prior) > 0 {
		if seeder, ok := conn.(assistant.Seeder); ok {
			if err := seeder.SeedThread(ctx, thread.ID, prior); err != nil {
				log.Warn("failed to seed new thread with prior turns",
					zap.String("thread_id", thread.ID),
					zap.Int("turns", len(prior)),
					zap.Error(err),
				)
			}
		}
	}

	if err := conn.SubmitUserTurn(ctx, thread.ID, latest.Content); err != nil {
		s.fail(ctx, fmt.Sprintf("could not submit message: %v", err))
		return
	}

	stream, err := conn.RunAndStream(ctx, thread.ID, assistant.RunOptions{
		AssistantID:            req.AssistantID,
		AdditionalInstructions: patientInstructions(req),
	})
	if err != nil {
		s.fail(ctx, fmt.Sprintf("could not start assistant run: %v", err))
		return
	}
	defer stream.Close()

	for {
		ev, err := s.pull(ctx, stream)
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, errChannelClosed):
			s.result.Outcome = OutcomeCancelled
			return
		case errors.Is(err, io.EOF):
			s.fail(ctx, assistant.ErrUnexpectedEnd.Error())
			return
		default:
			s.fail(ctx, err.Error())
			return
		}

		if done := s.handle(ctx, ev); done {
			return
		}
	}
}

// handle writes the frame for ev and reports whether the stream ended.
func (s *session) handle(ctx context.Context, ev assistant.DeltaEvent) bool {
	switch e := ev.(type) {
	case assistant.TextCreated:
		if s.started {
			return false
		}
		return !s.start(ctx)

	case assistant.TextDelta:
		if e.Value == "" {
			return false
		}
		if !s.start(ctx) {
			return true
		}
		s.acc.WriteString(e.Value)
		return !s.send(ctx, model.ChunkEvent{Content: e.Value})

	case assistant.TextDone:
		if !s.start(ctx) {
			return true
		}
		full := s.acc.String()
		if full == "" {
			// Upstream delivered the reply without deltas.
			full = e.Text
		}
		s.result.FullContent = full
		if s.send(ctx, model.DoneEvent{ThreadID: s.result.ThreadID, FullContent: full}) {
			s.result.Outcome = OutcomeDone
		}
		return true

	case assistant.RunError:
		s.fail(ctx, e.Message)
		return true

	default:
		s.fail(ctx, fmt.Sprintf("unexpected upstream event %T", ev))
		return true
	}
}

// start writes the start frame once. It reports false if the channel is gone.
func (s *session) start(ctx context.Context) bool {
	if s.started {
		return true
	}
	s.started = true
	return s.send(ctx, model.StartEvent{ThreadID: s.result.ThreadID})
}

// fail writes the error frame and records the outcome.
func (s *session) fail(ctx context.Context, message string) {
	if message == "" {
		message = "assistant run failed"
	}
	s.result.ErrorMessage = message
	if s.send(ctx, model.ErrorEvent{Message: message}) {
		s.result.Outcome = OutcomeError
	}
}

// send writes one frame unless the client is gone. A failed write marks the
// invocation cancelled.
func (s *session) send(ctx context.Context, ev model.StreamEvent) bool {
	if ctx.Err() != nil {
		s.result.Outcome = OutcomeCancelled
		return false
	}
	if err := s.ch.Send(ev); err != nil {
		s.relay.logger.Debug("client channel write failed",
			zap.String("thread_id", s.result.ThreadID),
			zap.String("frame", string(ev.Type())),
			zap.Error(err),
		)
		s.result.Outcome = OutcomeCancelled
		return false
	}
	s.result.Frames++
	metrics.RecordFrame(string(ev.Type()))
	return true
}

type pulled struct {
	ev  assistant.DeltaEvent
	err error
}

// pull waits for the next upstream event, writing keep-alives meanwhile. The
// next event is requested only after the previous frame was written.
func (s *session) pull(ctx context.Context, stream assistant.Stream) (assistant.DeltaEvent, error) {
	out := make(chan pulled, 1)
	go func() {
		ev, err := stream.Next()
		out <- pulled{ev: ev, err: err}
	}()

	var tick <-chan time.Time
	if s.relay.cfg.KeepAliveInterval > 0 {
		ticker := time.NewTicker(s.relay.cfg.KeepAliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case p := <-out:
			return p.ev, p.err
		case <-tick:
			if err := s.ch.KeepAlive(); err != nil {
				return nil, fmt.Errorf("%w: %v", errChannelClosed, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func patientInstructions(req *model.TurnRequest) string {
	switch {
	case req.PatientName != "" && req.PatientID != "":
		return fmt.Sprintf("The consultation is about patient %s (id %s).", req.PatientName, req.PatientID)
	case req.PatientName != "":
		return fmt.Sprintf("The consultation is about patient %s.", req.PatientName)
	case req.PatientID != "":
		return fmt.Sprintf("The consultation is about patient id %s.", req.PatientID)
	}
	return ""
}
