package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the discriminator of a stream event on the wire.
type EventType string

const (
	EventTypeStart EventType = "start"
	EventTypeChunk EventType = "chunk"
	EventTypeDone  EventType = "done"
	EventTypeError EventType = "error"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventTypeDone || t == EventTypeError
}

var (
	// ErrUnknownEventType is returned when decoding an event with an unrecognised type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingEventType is returned when decoding an event without a type field.
	ErrMissingEventType = errors.New("missing event type")
)

// StreamEvent is one frame of the relay's event channel. The set of
// implementations is closed: StartEvent, ChunkEvent, DoneEvent, ErrorEvent.
type StreamEvent interface {
	Type() EventType
	streamEvent()
}

// StartEvent opens a stream and carries the resolved thread id.
type StartEvent struct {
	ThreadID string
}

// ChunkEvent carries one text delta exactly as produced upstream.
type ChunkEvent struct {
	Content string
}

// DoneEvent ends a successful stream with the authoritative full text.
type DoneEvent struct {
	ThreadID    string
	FullContent string
}

// ErrorEvent ends a failed stream.
type ErrorEvent struct {
	Message string
}

func (StartEvent) Type() EventType { return EventTypeStart }
func (ChunkEvent) Type() EventType { return EventTypeChunk }
func (DoneEvent) Type() EventType  { return EventTypeDone }
func (ErrorEvent) Type() EventType { return EventTypeError }

func (StartEvent) streamEvent() {}
func (ChunkEvent) streamEvent() {}
func (DoneEvent) streamEvent()  {}
func (ErrorEvent) streamEvent() {}

// Interface compliance checks.
var (
	_ StreamEvent = StartEvent{}
	_ StreamEvent = ChunkEvent{}
	_ StreamEvent = DoneEvent{}
	_ StreamEvent = ErrorEvent{}
)

// MarshalJSON encodes the start frame payload.
func (e StartEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     EventType `json:"type"`
		ThreadID string    `json:"threadId"`
	}{EventTypeStart, e.ThreadID})
}

// MarshalJSON encodes the chunk frame payload.
func (e ChunkEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    EventType `json:"type"`
		Content string    `json:"content"`
	}{EventTypeChunk, e.Content})
}

// MarshalJSON encodes the done frame payload.
func (e DoneEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        EventType `json:"type"`
		ThreadID    string    `json:"threadId"`
		FullContent string    `json:"fullContent"`
	}{EventTypeDone, e.ThreadID, e.FullContent})
}

// MarshalJSON encodes the error frame payload.
func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  EventType `json:"type"`
		Error string    `json:"error"`
	}{EventTypeError, e.Message})
}

// wireEvent is the union of every field any frame may carry.
type wireEvent struct {
	Type        EventType `json:"type"`
	ThreadID    string    `json:"threadId"`
	Content     string    `json:"content"`
	FullContent string    `json:"fullContent"`
	Error       string    `json:"error"`
}

// DecodeEvent parses one frame payload into its StreamEvent variant.
func DecodeEvent(data []byte) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch w.Type {
	case EventTypeStart:
		return StartEvent{ThreadID: w.ThreadID}, nil
	case EventTypeChunk:
		return ChunkEvent{Content: w.Content}, nil
	case EventTypeDone:
		return DoneEvent{ThreadID: w.ThreadID, FullContent: w.FullContent}, nil
	case EventTypeError:
		return ErrorEvent{Message: w.Error}, nil
	case "":
		return nil, ErrMissingEventType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
}
