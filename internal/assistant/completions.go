package assistant

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/llm"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/metrics"
)

// CompletionsConfig configures a CompletionsConnector.
type CompletionsConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// CompletionsConnector emulates assistant threads on a chat-completion
// provider. Thread turns live in a ThreadStore; the assistant reply is
// appended to the thread when a run completes.
type CompletionsConnector struct {
	client  llm.Client
	threads ThreadStore
	cfg     CompletionsConfig
	logger  *logger.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCompletionsConnector creates a connector over client.
func NewCompletionsConnector(client llm.Client, threads ThreadStore, cfg CompletionsConfig, log *logger.Logger) *CompletionsConnector {
	return &CompletionsConnector{
		client:  client,
		threads: threads,
		cfg:     cfg,
		logger:  logger.OrGlobal(log).Named("completions"),
		active:  make(map[string]struct{}),
	}
}

// OpenOrResumeThread implements Connector.
func (c *CompletionsConnector) OpenOrResumeThread(ctx context.Context, threadID string) (Thread, error) {
	if threadID != "" {
		ok, err := c.threads.Exists(ctx, threadID)
		switch {
		case err == nil && ok:
			return Thread{ID: threadID}, nil
		case ctx.Err() != nil:
			return Thread{}, ctx.Err()
		default:
			c.logger.Warn("thread resume failed, creating a new thread",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
		}
	}

	id := "thread_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := c.threads.Create(ctx, id); err != nil {
		return Thread{}, err
	}
	return Thread{ID: id, Created: true}, nil
}

// SubmitUserTurn implements Connector.
func (c *CompletionsConnector) SubmitUserTurn(ctx context.Context, threadID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.threads.Append(ctx, threadID, model.Turn{
		Role:      model.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})
}

// SeedThread implements Seeder.
func (c *CompletionsConnector) SeedThread(ctx context.Context, threadID string, turns []model.Turn) error {
	seed := make([]model.Turn, 0, len(turns))
	for _, turn := range turns {
		if !turn.IsBlank() {
			seed = append(seed, turn)
		}
	}
	return c.threads.Append(ctx, threadID, seed...)
}

// RunAndStream implements Connector. Only one run per thread may be active.
func (c *CompletionsConnector) RunAndStream(ctx context.Context, threadID string, opts RunOptions) (Stream, error) {
	if !c.acquire(threadID) {
		return nil, ErrRunActive
	}

	turns, err := c.threads.Turns(ctx, threadID)
	if err != nil {
		c.release(threadID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan DeltaEvent)
	go c.run(runCtx, threadID, turns, opts, events)

	next := func() (DeltaEvent, error) {
		ev, ok := <-events
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
	return newGuardedStream(next, func() error {
		cancel()
		return nil
	}), nil
}

func (c *CompletionsConnector) run(ctx context.Context, threadID string, turns []model.Turn, opts RunOptions, events chan<- DeltaEvent) {
	var once sync.Once
	release := func() { once.Do(func() { c.release(threadID) }) }
	defer close(events)
	defer release()

	send := func(ev DeltaEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(TextCreated{}) {
		return
	}

	req := &llm.CompletionRequest{
		Model:     c.cfg.Model,
		System:    joinNonEmpty(c.cfg.SystemPrompt, opts.AdditionalInstructions),
		Messages:  llm.MessagesFromTurns(turns),
		MaxTokens: c.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := c.client.CompleteStream(ctx, req, func(token string, _ int) error {
		if !send(TextDelta{Value: token}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		metrics.RecordLLMStream(c.modelLabel(), "error", time.Since(start).Seconds(), 0, 0)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		send(RunError{Message: err.Error()})
		return
	}

	metrics.RecordLLMStream(c.modelLabel(), "success", time.Since(start).Seconds(), resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if err := c.threads.Append(ctx, threadID, model.Turn{
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("failed to append assistant turn to thread",
			zap.String("thread_id", threadID),
			zap.String("assistant_id", opts.AssistantID),
			zap.Error(err),
		)
	}

	// Free the thread before the caller observes completion so the next
	// turn can start immediately.
	release()
	send(TextDone{Text: resp.Content})
}

func (c *CompletionsConnector) acquire(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.active[threadID]; busy {
		return false
	}
	c.active[threadID] = struct{}{}
	return true
}

func (c *CompletionsConnector) release(threadID string) {
	c.mu.Lock()
	delete(c.active, threadID)
	c.mu.Unlock()
}

func (c *CompletionsConnector) modelLabel() string {
	if c.cfg.Model != "" {
		return c.cfg.Model
	}
	return c.client.Name()
}

// joinNonEmpty joins the non-blank parts with a blank line between them.
func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
