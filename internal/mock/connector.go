// Package mock provides test doubles for the relay's collaborators. Set the
// function fields for the methods a test needs; unset required fields panic
// to catch missing setup.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/nutrimed/chat-relay/internal/assistant"
	"github.com/nutrimed/chat-relay/internal/model"
)

// Interface compliance checks.
var (
	_ assistant.Connector = (*Connector)(nil)
	_ assistant.Seeder    = (*Connector)(nil)
	_ assistant.Stream    = (*Stream)(nil)
)

// Connector is a test double for assistant.Connector.
type Connector struct {
	OpenOrResumeThreadFn func(ctx context.Context, threadID string) (assistant.Thread, error)
	SubmitUserTurnFn     func(ctx context.Context, threadID, text string) error
	RunAndStreamFn       func(ctx context.Context, threadID string, opts assistant.RunOptions) (assistant.Stream, error)
	SeedThreadFn         func(ctx context.Context, threadID string, turns []model.Turn) error
}

// OpenOrResumeThread delegates to OpenOrResumeThreadFn.
func (c *Connector) OpenOrResumeThread(ctx context.Context, threadID string) (assistant.Thread, error) {
	return c.OpenOrResumeThreadFn(ctx, threadID)
}

// SubmitUserTurn delegates to SubmitUserTurnFn. Nil-safe.
func (c *Connector) SubmitUserTurn(ctx context.Context, threadID, text string) error {
	if c.SubmitUserTurnFn == nil {
		return nil
	}
	return c.SubmitUserTurnFn(ctx, threadID, text)
}

// RunAndStream delegates to RunAndStreamFn.
func (c *Connector) RunAndStream(ctx context.Context, threadID string, opts assistant.RunOptions) (assistant.Stream, error) {
	return c.RunAndStreamFn(ctx, threadID, opts)
}

// SeedThread delegates to SeedThreadFn. Nil-safe.
func (c *Connector) SeedThread(ctx context.Context, threadID string, turns []model.Turn) error {
	if c.SeedThreadFn == nil {
		return nil
	}
	return c.SeedThreadFn(ctx, threadID, turns)
}

// Stream is a test double for assistant.Stream. CloseFn is nil-safe.
type Stream struct {
	NextFn  func() (assistant.DeltaEvent, error)
	CloseFn func() error
}

// Next delegates to NextFn.
func (s *Stream) Next() (assistant.DeltaEvent, error) {
	return s.NextFn()
}

// Close delegates to CloseFn. Returns nil when CloseFn is not set.
func (s *Stream) Close() error {
	if s.CloseFn == nil {
		return nil
	}
	return s.CloseFn()
}

// ScriptedStream replays events in order, then returns err (io.EOF when
// err is nil). It records whether Close was called.
type ScriptedStream struct {
	Events []assistant.DeltaEvent
	Err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

// Next returns the next scripted event.
func (s *ScriptedStream) Next() (assistant.DeltaEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

// Close marks the stream closed.
func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pulled reports how many scripted events were returned.
func (s *ScriptedStream) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}
