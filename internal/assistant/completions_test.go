package assistant_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimed/chat-relay/internal/assistant"
	"github.com/nutrimed/chat-relay/internal/llm"
	"github.com/nutrimed/chat-relay/internal/mock"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

func newCompletions(t *testing.T, client *mock.LLMClient) (*assistant.CompletionsConnector, *assistant.MemoryThreadStore) {
	t.Helper()
	store := assistant.NewMemoryThreadStore()
	c := assistant.NewCompletionsConnector(client, store, assistant.CompletionsConfig{
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a nutrition assistant.",
	}, logger.NewNop())
	return c, store
}

func collect(t *testing.T, s assistant.Stream) []assistant.DeltaEvent {
	t.Helper()
	var out []assistant.DeltaEvent
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestCompletionsConnector_HappyPath(t *testing.T) {
	t.Parallel()

	var gotReq *llm.CompletionRequest
	tokens := mock.TokenStream("Olá", "! Como posso ajudar?")
	client := &mock.LLMClient{CompleteStreamFn: func(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		gotReq = req
		return tokens(ctx, req, cb)
	}}
	c, store := newCompletions(t, client)
	ctx := context.Background()

	thread, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)
	assert.True(t, thread.Created)
	assert.NotEmpty(t, thread.ID)

	require.NoError(t, c.SubmitUserTurn(ctx, thread.ID, "Olá"))

	s, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{
		AssistantID:            "asst_X",
		AdditionalInstructions: "Patient in consultation: Maria",
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []assistant.DeltaEvent{
		assistant.TextCreated{},
		assistant.TextDelta{Value: "Olá"},
		assistant.TextDelta{Value: "! Como posso ajudar?"},
		assistant.TextDone{Text: "Olá! Como posso ajudar?"},
	}, collect(t, s))

	require.NotNil(t, gotReq)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	assert.Equal(t, "You are a nutrition assistant.\n\nPatient in consultation: Maria", gotReq.System)
	assert.Equal(t, []llm.ChatMessage{{Role: "user", Content: "Olá"}}, gotReq.Messages)

	turns, err := store.Turns(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Olá! Como posso ajudar?", turns[1].Content)
}

func TestCompletionsConnector_BlankTurnSkipped(t *testing.T) {
	t.Parallel()

	var gotReq *llm.CompletionRequest
	tokens := mock.TokenStream("ok")
	client := &mock.LLMClient{CompleteStreamFn: func(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		gotReq = req
		return tokens(ctx, req, cb)
	}}
	c, store := newCompletions(t, client)
	ctx := context.Background()

	thread, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.SeedThread(ctx, thread.ID, []model.Turn{
		{Role: model.RoleAssistant, Content: "Olá! Sou sua assistente."},
		{Role: model.RoleUser, Content: "   "},
	}))

	require.NoError(t, c.SubmitUserTurn(ctx, thread.ID, " \n\t"))
	turns, err := store.Turns(ctx, thread.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1, "blank turns never reach the thread")

	s, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{AssistantID: "asst_X"})
	require.NoError(t, err)
	collect(t, s)

	require.NotNil(t, gotReq)
	assert.Equal(t, []llm.ChatMessage{{Role: "assistant", Content: "Olá! Sou sua assistente."}}, gotReq.Messages)
}

func TestCompletionsConnector_ResumeAndFallback(t *testing.T) {
	t.Parallel()

	c, _ := newCompletions(t, &mock.LLMClient{})
	ctx := context.Background()

	first, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)

	resumed, err := c.OpenOrResumeThread(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, assistant.Thread{ID: first.ID}, resumed)

	fresh, err := c.OpenOrResumeThread(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, fresh.Created)
	assert.NotEqual(t, "stale", fresh.ID)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestCompletionsConnector_SingleActiveRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := &mock.LLMClient{CompleteStreamFn: func(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		<-release
		if err := cb("done", 0); err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{Content: "done"}, nil
	}}
	c, _ := newCompletions(t, client)
	ctx := context.Background()

	thread, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)

	s, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
	require.NoError(t, err)

	_, err = c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
	assert.ErrorIs(t, err, assistant.ErrRunActive)

	close(release)
	events := collect(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, assistant.TextDone{Text: "done"}, events[len(events)-1])

	s2, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
	require.NoError(t, err)
	s2.Close()
}

func TestCompletionsConnector_UpstreamError(t *testing.T) {
	t.Parallel()

	client := &mock.LLMClient{CompleteStreamFn: func(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		if err := cb("partial", 0); err != nil {
			return nil, err
		}
		return nil, errors.New("429 rate limit")
	}}
	c, store := newCompletions(t, client)
	ctx := context.Background()

	thread, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.SubmitUserTurn(ctx, thread.ID, "Oi"))

	s, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []assistant.DeltaEvent{
		assistant.TextCreated{},
		assistant.TextDelta{Value: "partial"},
		assistant.RunError{Message: "429 rate limit"},
	}, collect(t, s))

	turns, err := store.Turns(ctx, thread.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1, "failed runs append nothing")
}

func TestCompletionsConnector_CloseMidStream(t *testing.T) {
	t.Parallel()

	client := &mock.LLMClient{CompleteStreamFn: func(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		for i := 0; ; i++ {
			if err := cb("x", i); err != nil {
				return nil, err
			}
		}
	}}
	c, _ := newCompletions(t, client)
	ctx := context.Background()

	thread, err := c.OpenOrResumeThread(ctx, "")
	require.NoError(t, err)

	s, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Eventually(t, func() bool {
		s2, err := c.RunAndStream(ctx, thread.ID, assistant.RunOptions{})
		if err != nil {
			return false
		}
		s2.Close()
		return true
	}, time.Second, 5*time.Millisecond)
}
