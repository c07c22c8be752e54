package mock

import (
	"context"

	"github.com/nutrimed/chat-relay/internal/llm"
)

var _ llm.Client = (*LLMClient)(nil)

// LLMClient is a test double for llm.Client.
type LLMClient struct {
	CompleteStreamFn func(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error)
}

// CompleteStream delegates to CompleteStreamFn.
func (c *LLMClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	return c.CompleteStreamFn(ctx, req, callback)
}

// Name returns "mock".
func (c *LLMClient) Name() string {
	return "mock"
}

// TokenStream returns a CompleteStreamFn that emits tokens in order.
func TokenStream(tokens ...string) func(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	return func(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
		var full string
		for i, tok := range tokens {
			if err := callback(tok, i); err != nil {
				return nil, err
			}
			full += tok
		}
		return &llm.CompletionResponse{Content: full, Model: req.Model, StopReason: "stop"}, nil
	}
}
