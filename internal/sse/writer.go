// Package sse implements the relay's event channel framing: one
// "data: <json>\n\n" record per stream event, with comment lines used as
// keep-alives.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// ErrClosed is returned when writing to a channel after a terminal frame.
var ErrClosed = errors.New("sse: channel closed")

// Writer writes frames to a streaming HTTP response. Frames and comments are
// serialized, so a keep-alive never lands inside a frame.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *logger.Logger
	opened  bool
	closed  bool
}

// NewWriter wraps a response writer that supports flushing. A nil logger
// uses the global one.
func NewWriter(w http.ResponseWriter, flusher http.Flusher, log *logger.Logger) *Writer {
	return &Writer{w: w, flusher: flusher, logger: logger.OrGlobal(log)}
}

// Open sets the event-stream headers, commits the response and writes the
// initial keep-alive comment.
func (s *Writer) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Streams are open-ended; lift any server write deadline for this response.
	// A writer that cannot lift it keeps the server's write timeout.
	if err := http.NewResponseController(s.w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("could not clear write deadline for event stream", zap.Error(err))
	}

	s.w.WriteHeader(http.StatusOK)
	s.opened = true

	return s.writeLocked(": connected\n\n")
}

// KeepAlive writes a comment line that consumers ignore.
func (s *Writer) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(": keep-alive\n\n")
}

// Send writes one event as a single frame and flushes it. After a terminal
// event the writer refuses further writes.
func (s *Writer) Send(ev model.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", ev.Type(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if ev.Type().Terminal() {
		s.closed = true
	}
	return s.writeLocked("data: " + string(data) + "\n\n")
}

func (s *Writer) writeLocked(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
