// Package model defines data structures for the consultation chat relay.
package model

import (
	"strings"
	"time"
)

// Role represents the role of a turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AttachmentKind identifies what an attachment reference points at.
type AttachmentKind string

const (
	AttachmentFile  AttachmentKind = "file"
	AttachmentAudio AttachmentKind = "audio"
)

// Attachment is an optional reference carried alongside a turn.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Ref  string         `json:"ref"`
	Name string         `json:"name,omitempty"`
}

// Turn is one message in a conversation thread.
type Turn struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
}

// IsBlank reports whether the turn has no usable text.
func (t Turn) IsBlank() bool {
	return strings.TrimSpace(t.Content) == ""
}

// TurnRequest is the inbound body of one chat stream request.
type TurnRequest struct {
	Messages       []Turn `json:"messages"`
	ThreadID       string `json:"threadId,omitempty"`
	AssistantID    string `json:"assistantId"`
	PatientID      string `json:"patientId,omitempty"`
	PatientName    string `json:"patientName,omitempty"`
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// Billable marks the first billable turn of a conversation. It is decided
	// once by the caller when the conversation starts.
	Billable bool `json:"billable,omitempty"`
}

// LatestUserTurn returns the last user turn of the request and the turns
// preceding it. ok is false when the request carries no user turn.
func (r *TurnRequest) LatestUserTurn() (latest Turn, prior []Turn, ok bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i], r.Messages[:i], true
		}
	}
	return Turn{}, r.Messages, false
}

// ChargeKey returns the idempotency key used for metering this request.
func (r *TurnRequest) ChargeKey() string {
	if r.ConversationID != "" {
		return r.ConversationID
	}
	return r.ThreadID
}
