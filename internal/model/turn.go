package model

import (
	"time"
)

// TurnRecord is one completed exchange as appended to conversation history.
type TurnRecord struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	AssistantID    string `json:"assistant_id"`
	PatientID      string `json:"patient_id,omitempty"`
	PatientName    string `json:"patient_name,omitempty"`

	User      Turn `json:"user"`
	Assistant Turn `json:"assistant"`

	CreatedAt     time.Time `json:"created_at"`
	StreamStarted time.Time `json:"stream_started"`
	StreamEnded   time.Time `json:"stream_ended"`

	// Populated on read from the history log.
	Sequence uint64 `json:"sequence,omitempty"`
}

// ListTurnsResponse is the response for listing a thread's history.
type ListTurnsResponse struct {
	Turns        []TurnRecord `json:"turns"`
	HasMore      bool         `json:"has_more"`
	LastSequence uint64       `json:"last_sequence"`
}

// CreditBalance is the response for a user's remaining credits.
type CreditBalance struct {
	UserID    string `json:"user_id"`
	Remaining int64  `json:"remaining"`
}

// GrantCreditsRequest is the request to add credits to a user.
type GrantCreditsRequest struct {
	Amount int64 `json:"amount"`
}
