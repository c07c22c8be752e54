// Package client consumes the relay's event stream for a UI: it decodes
// frames, keeps the accumulation buffer and drives the turn state machine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/internal/sse"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// StreamPath is the relay endpoint for one turn.
const StreamPath = "/api/v1/chat/stream"

var (
	// ErrCancelled is returned by Send when the turn was cancelled.
	ErrCancelled = errors.New("client: stream cancelled")
	// ErrInFlight is returned by Send while another turn is streaming.
	// Turns on one thread are serialized by the caller.
	ErrInFlight = errors.New("client: a turn is already in flight")
)

// State is the consumer's position in a turn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDone
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminated reports whether s ends a turn.
func (s State) Terminated() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// Observer receives UI notifications. Calls are synchronous, in stream
// order, and never made after Cancel returns. Implementations must not call
// back into the Consumer.
type Observer interface {
	OnStart(threadID string)
	OnChunk(chunk, accumulated string)
	OnDone(fullContent, threadID string)
	OnError(message string)
}

// ObserverFuncs adapts functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start func(threadID string)
	Chunk func(chunk, accumulated string)
	Done  func(fullContent, threadID string)
	Error func(message string)
}

func (o ObserverFuncs) OnStart(threadID string) {
	if o.Start != nil {
		o.Start(threadID)
	}
}

func (o ObserverFuncs) OnChunk(chunk, accumulated string) {
	if o.Chunk != nil {
		o.Chunk(chunk, accumulated)
	}
}

func (o ObserverFuncs) OnDone(fullContent, threadID string) {
	if o.Done != nil {
		o.Done(fullContent, threadID)
	}
}

func (o ObserverFuncs) OnError(message string) {
	if o.Error != nil {
		o.Error(message)
	}
}

// StatusError is a pre-stream rejection from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Result summarizes a finished turn.
type Result struct {
	State    State
	ThreadID string
	Content  string
	Error    string
}

// Config configures a Consumer.
type Config struct {
	// BaseURL is the relay origin, e.g. http://localhost:8080.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Consumer streams turns from the relay. It remembers the conversation's
// thread id between turns.
type Consumer struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *logger.Logger

	mu       sync.Mutex
	state    State
	threadID string
	buffer   strings.Builder
	final    string
	gen      uint64
	cancel   context.CancelFunc
}

// New creates a consumer.
func New(cfg Config) *Consumer {
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: responses are open-ended.
		hc = &http.Client{}
	}
	return &Consumer{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + StreamPath,
		token:    cfg.Token,
		http:     hc,
		logger:   logger.OrGlobal(cfg.Logger).Named("client"),
	}
}

// State returns the current state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the thread id of the conversation, as last reported by
// the relay.
func (c *Consumer) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// SetThreadID resumes an existing conversation.
func (c *Consumer) SetThreadID(id string) {
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// Content returns the provisional text while streaming and the
// authoritative text once done.
func (c *Consumer) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDone {
		return c.final
	}
	return c.buffer.String()
}

// Cancel aborts the in-flight turn and discards its buffer. No observer
// call for that turn happens after Cancel returns.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Reset cancels any in-flight turn and forgets the thread, starting a new
// conversation.
func (c *Consumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.threadID = ""
	c.state = StateIdle
}

func (c *Consumer) cancelLocked() {
	if c.cancel == nil {
		return
	}
	c.gen++
	c.cancel()
	c.cancel = nil
	c.buffer.Reset()
	c.state = StateCancelled
}

// Send issues one turn and streams it to obs until a terminal frame. The
// stored thread id is used when req.ThreadID is empty. A non-nil error
// means the stream never completed: a rejected request (*StatusError), a
// transport failure, or ErrCancelled. Error frames are reported through
// obs and Result, not as an error.
func (c *Consumer) Send(ctx context.Context, req model.TurnRequest, obs Observer) (Result, error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return Result{}, ErrInFlight
	}
	if req.ThreadID == "" {
		req.ThreadID = c.threadID
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.state = StateConnecting
	c.buffer.Reset()
	c.final = ""
	c.mu.Unlock()

	t := &turn{c: c, gen: gen, obs: obs}
	defer t.finish()

	resp, err := c.post(ctx, &req)
	if err != nil {
		if ctx.Err() != nil {
			return t.cancelled()
		}
		t.fail(err.Error())
		return t.result(), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := readStatusError(resp)
		t.fail(serr.Message)
		return t.result(), serr
	}

	dec := &sse.Decoder{OnMalformed: func(payload []byte, err error) {
		c.logger.Warn("skipping malformed frame",
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
	}}
	reader := sse.NewReader(resp.Body, dec)

	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return t.cancelled()
			}
			msg := "stream ended before completion"
			if !errors.Is(err, io.EOF) && !errors.Is(err, sse.ErrTruncated) {
				msg = fmt.Sprintf("stream interrupted: %v", err)
			}
			t.fail(msg)
			return t.result(), nil
		}

		if !t.apply(ev) {
			return t.cancelled()
		}
		if t.terminated {
			return t.result(), nil
		}
	}
}

func (c *Consumer) post(ctx context.Context, req *model.TurnRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	return resp, nil
}

func readStatusError(resp *http.Response) *StatusError {
	serr := &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return serr
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		serr.Message = body.Error
	}
	return serr
}

// turn applies events of one Send under the consumer's lock, dropping
// everything once its generation is stale.
type turn struct {
	c          *Consumer
	gen        uint64
	obs        Observer
	terminated bool
	errMsg     string
}

// apply handles one event. It returns false when the turn was cancelled.
func (t *turn) apply(ev model.StreamEvent) bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != t.gen {
		return false
	}

	switch e := ev.(type) {
	case model.StartEvent:
		if c.state != StateConnecting {
			return true
		}
		c.state = StateStreaming
		if e.ThreadID != "" {
			c.threadID = e.ThreadID
		}
		t.obs.OnStart(c.threadID)

	case model.ChunkEvent:
		if c.state != StateStreaming {
			c.logger.Warn("chunk before start, skipping")
			return true
		}
		c.buffer.WriteString(e.Content)
		t.obs.OnChunk(e.Content, c.buffer.String())

	case model.DoneEvent:
		if e.ThreadID != "" {
			c.threadID = e.ThreadID
		}
		c.final = e.FullContent
		c.buffer.Reset()
		c.state = StateDone
		t.terminated = true
		t.obs.OnDone(e.FullContent, c.threadID)

	case model.ErrorEvent:
		t.failLocked(e.Message)
	}
	return true
}

func (t *turn) fail(message string) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.gen == t.gen {
		t.failLocked(message)
	}
}

func (t *turn) failLocked(message string) {
	c := t.c
	c.buffer.Reset()
	c.state = StateError
	t.terminated = true
	t.errMsg = message
	t.obs.OnError(message)
}

func (t *turn) cancelled() (Result, error) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.gen == t.gen {
		// Context cancelled by the caller rather than through Cancel.
		t.c.gen++
		t.c.cancel = nil
		t.c.buffer.Reset()
		t.c.state = StateCancelled
	}
	return Result{State: StateCancelled, ThreadID: t.c.threadID}, ErrCancelled
}

func (t *turn) result() Result {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{State: c.state, ThreadID: c.threadID, Error: t.errMsg}
	if c.state == StateDone {
		res.Content = c.final
	}
	return res
}

// finish releases the in-flight slot if this turn still holds it.
func (t *turn) finish() {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == t.gen {
		c.cancel = nil
	}
}
