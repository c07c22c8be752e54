// Package llm provides streaming chat-completion clients used to emulate
// assistant threads on providers without a native thread API.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nutrimed/chat-relay/internal/model"
)

// StreamCallback is called for each token during streaming. Returning an
// error aborts the stream.
type StreamCallback func(token string, index int) error

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultMaxTokens = 4096

// CompletionRequest represents a completion request. Zero Model and
// MaxTokens select the provider defaults.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesFromTurns converts conversation turns to chat messages.
func MessagesFromTurns(turns []model.Turn) []ChatMessage {
	out := make([]ChatMessage, 0, len(turns))
	for _, turn := range turns {
		out = append(out, ChatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return out
}

// Usage is the token accounting of one completion. Estimated is set when
// the provider reported nothing and the counts were derived from length.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	Usage      Usage
	StopReason string
	Latency    time.Duration
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream sends a streaming completion request, invoking callback
	// once per token in order, and returns the assembled response.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// ProviderError tags an upstream failure with the provider that raised it.
type ProviderError struct {
	Provider Provider
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ParseProvider maps a provider name to a Provider.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case ProviderAnthropic, ProviderOpenAI:
		return p, nil
	default:
		return "", fmt.Errorf("unknown llm provider %q", name)
	}
}

// NewClient creates a new LLM client based on provider. baseURL is only
// honoured by OpenAI-compatible providers.
func NewClient(provider Provider, apiKey, baseURL string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, baseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// resolve applies provider defaults to req.
func resolve(req *CompletionRequest, defaultModel string) (string, int) {
	m := req.Model
	if m == "" {
		m = defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return m, maxTokens
}

// estimateTokens approximates a token count at four bytes per token.
func estimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return n / 4
}
