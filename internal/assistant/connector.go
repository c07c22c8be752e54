// Package assistant abstracts the upstream assistant platform: thread
// lifecycle, user turn submission and streamed runs.
package assistant

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nutrimed/chat-relay/internal/model"
)

var (
	// ErrRunActive is returned when a run is started on a thread that
	// already has one in flight. Callers serialize turns per thread.
	ErrRunActive = errors.New("assistant: thread already has an active run")
	// ErrUnexpectedEnd is reported when an upstream stream ends without a
	// terminal event.
	ErrUnexpectedEnd = errors.New("assistant stream ended before completion")
)

// DeltaEvent is one event of a run. The set of implementations is closed:
// TextCreated, TextDelta, TextDone, RunError.
type DeltaEvent interface {
	deltaEvent()
	terminal() bool
}

// TextCreated signals that the assistant started its reply.
type TextCreated struct{}

// TextDelta carries one fragment of reply text.
type TextDelta struct {
	Value string
}

// TextDone ends a successful run. Text is the upstream's view of the full
// reply.
type TextDone struct {
	Text string
}

// RunError ends a failed run.
type RunError struct {
	Message string
}

func (TextCreated) deltaEvent() {}
func (TextDelta) deltaEvent()   {}
func (TextDone) deltaEvent()    {}
func (RunError) deltaEvent()    {}

func (TextCreated) terminal() bool { return false }
func (TextDelta) terminal() bool   { return false }
func (TextDone) terminal() bool    { return true }
func (RunError) terminal() bool    { return true }

// IsTerminal reports whether ev ends a run.
func IsTerminal(ev DeltaEvent) bool {
	return ev != nil && ev.terminal()
}

// Stream is a lazy, finite, non-restartable sequence of run events. Next
// returns io.EOF after the terminal event. Close releases the upstream
// connection and may be called at any time.
type Stream interface {
	Next() (DeltaEvent, error)
	Close() error
}

// Thread is the result of opening or resuming a thread.
type Thread struct {
	ID string
	// Created is true when a new thread was created, including when
	// resumption of a requested id failed.
	Created bool
}

// RunOptions configures one run.
type RunOptions struct {
	AssistantID string
	// AdditionalInstructions are appended to the assistant's instructions
	// for this run only.
	AdditionalInstructions string
}

// Connector is the upstream assistant platform.
type Connector interface {
	// OpenOrResumeThread reuses threadID when it resolves upstream and
	// otherwise creates a new thread. A failed resumption is not an error.
	OpenOrResumeThread(ctx context.Context, threadID string) (Thread, error)

	// SubmitUserTurn appends one user message. Blank text is a no-op.
	SubmitUserTurn(ctx context.Context, threadID, text string) error

	// RunAndStream starts the assistant on the thread.
	RunAndStream(ctx context.Context, threadID string, opts RunOptions) (Stream, error)
}

// Seeder is implemented by connectors that can replay earlier turns into a
// freshly created thread.
type Seeder interface {
	SeedThread(ctx context.Context, threadID string, turns []model.Turn) error
}

// guardedStream enforces the run contract on top of a raw event source:
// transport errors become one RunError, a source that ends without a
// terminal event yields RunError, and nothing follows a terminal event.
// Close may be called while another goroutine is blocked in Next.
type guardedStream struct {
	next      func() (DeltaEvent, error)
	close     func() error
	done      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newGuardedStream(next func() (DeltaEvent, error), closeFn func() error) *guardedStream {
	return &guardedStream{next: next, close: closeFn}
}

func (s *guardedStream) Next() (DeltaEvent, error) {
	if s.done.Load() {
		return nil, io.EOF
	}

	var ev DeltaEvent
	for ev == nil {
		var err error
		ev, err = s.next()
		if errors.Is(err, io.EOF) {
			ev = RunError{Message: ErrUnexpectedEnd.Error()}
		} else if err != nil {
			ev = RunError{Message: err.Error()}
		}
	}

	if ev.terminal() {
		s.done.Store(true)
	}
	return ev, nil
}

func (s *guardedStream) Close() error {
	s.done.Store(true)
	s.closeOnce.Do(func() {
		if s.close != nil {
			s.closeErr = s.close()
		}
	})
	return s.closeErr
}

// queue adapts a source that yields batches of events to a one-at-a-time
// source.
type queue struct {
	fill    func() ([]DeltaEvent, error)
	pending []DeltaEvent
}

func (q *queue) next() (DeltaEvent, error) {
	for len(q.pending) == 0 {
		batch, err := q.fill()
		if err != nil {
			return nil, err
		}
		q.pending = batch
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev, nil
}
