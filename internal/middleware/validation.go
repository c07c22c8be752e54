package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nutrimed/chat-relay/internal/model"
)

const (
	maxMessages      = 200
	maxContentLength = 100000 // ~100KB
	maxIDLength      = 128
)

// ValidateMessageContent validates one turn's content. Blank content is
// allowed; the connector skips it.
func ValidateMessageContent(content string) error {
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates an opaque thread id: bounded, printable and
// without whitespace.
func ValidateThreadID(id string) error {
	return validateOpaqueID("thread ID", id)
}

// ValidateUserID validates a user id.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user ID cannot be empty")
	}
	return validateOpaqueID("user ID", id)
}

// ValidateTurnRequest validates a chat stream request body.
func ValidateTurnRequest(req *model.TurnRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages cannot be empty")
	}
	if len(req.Messages) > maxMessages {
		return errors.New("too many messages")
	}
	for i, turn := range req.Messages {
		if !turn.Role.Valid() {
			return fmt.Errorf("messages[%d]: invalid role %q", i, turn.Role)
		}
		if err := ValidateMessageContent(turn.Content); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}

	if strings.TrimSpace(req.AssistantID) == "" {
		return errors.New("assistantId is required")
	}
	if err := validateOpaqueID("assistant ID", req.AssistantID); err != nil {
		return err
	}
	if req.ThreadID != "" {
		if err := ValidateThreadID(req.ThreadID); err != nil {
			return err
		}
	}
	if req.ConversationID != "" {
		if err := validateOpaqueID("conversation ID", req.ConversationID); err != nil {
			return err
		}
	}
	if req.UserID != "" {
		if err := ValidateUserID(req.UserID); err != nil {
			return err
		}
	}

	if req.Billable {
		if req.UserID == "" {
			return errors.New("userId is required for a billable turn")
		}
		if req.ChargeKey() == "" {
			return errors.New("conversationId is required for a billable turn")
		}
	}
	return nil
}

func validateOpaqueID(name, id string) error {
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds maximum length", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s must be valid UTF-8", name)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("invalid %s format", name)
		}
	}
	return nil
}
