package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// AssistantsConnector drives OpenAI Assistants threads and streamed runs.
type AssistantsConnector struct {
	client openai.Client
	logger *logger.Logger
}

// NewAssistantsConnector creates a connector for the OpenAI Assistants API.
// baseURL may be empty.
func NewAssistantsConnector(apiKey, baseURL string, log *logger.Logger) (*AssistantsConnector, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AssistantsConnector{
		client: openai.NewClient(opts...),
		logger: logger.OrGlobal(log).Named("assistants"),
	}, nil
}

// OpenOrResumeThread implements Connector.
func (c *AssistantsConnector) OpenOrResumeThread(ctx context.Context, threadID string) (Thread, error) {
	if threadID != "" {
		_, err := c.client.Beta.Threads.Get(ctx, threadID)
		if err == nil {
			return Thread{ID: threadID}, nil
		}
		if ctx.Err() != nil {
			return Thread{}, ctx.Err()
		}
		c.logger.Warn("thread resume failed, creating a new thread",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
	}

	thread, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}

	return Thread{ID: thread.ID, Created: true}, nil
}

// SubmitUserTurn implements Connector.
func (c *AssistantsConnector) SubmitUserTurn(ctx context.Context, threadID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.addMessage(ctx, threadID, openai.BetaThreadMessageNewParamsRoleUser, text)
}

// SeedThread implements Seeder. Thread messages only accept user and
// assistant roles; system turns are dropped.
func (c *AssistantsConnector) SeedThread(ctx context.Context, threadID string, turns []model.Turn) error {
	for _, turn := range turns {
		if turn.IsBlank() {
			continue
		}

		var role openai.BetaThreadMessageNewParamsRole
		switch turn.Role {
		case model.RoleUser:
			role = openai.BetaThreadMessageNewParamsRoleUser
		case model.RoleAssistant:
			role = openai.BetaThreadMessageNewParamsRoleAssistant
		default:
			continue
		}

		if err := c.addMessage(ctx, threadID, role, turn.Content); err != nil {
			return err
		}
	}
	return nil
}

func (c *AssistantsConnector) addMessage(ctx context.Context, threadID string, role openai.BetaThreadMessageNewParamsRole, text string) error {
	_, err := c.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: role,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return fmt.Errorf("add %s message: %w", role, err)
	}
	return nil
}

// RunAndStream implements Connector.
func (c *AssistantsConnector) RunAndStream(ctx context.Context, threadID string, opts RunOptions) (Stream, error) {
	params := openai.BetaThreadRunNewParams{
		AssistantID: opts.AssistantID,
	}
	if opts.AdditionalInstructions != "" {
		params.AdditionalInstructions = openai.String(opts.AdditionalInstructions)
	}

	stream := c.client.Beta.Threads.Runs.NewStreaming(ctx, threadID, params)

	tr := &runTranslator{}
	q := &queue{fill: func() ([]DeltaEvent, error) {
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		ev := stream.Current()
		return tr.translate(ev.Event, []byte(ev.RawJSON()))
	}}

	return newGuardedStream(q.next, stream.Close), nil
}

// runEnvelope holds the parts of an assistant stream event this connector
// reads. The SDK wraps each SSE payload as {"event": ..., "data": ...}.
type runEnvelope struct {
	Data struct {
		Delta struct {
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"delta"`
		LastError *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"last_error"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Message string `json:"message"`
	} `json:"data"`
}

// runTranslator maps assistant stream events onto DeltaEvents.
type runTranslator struct {
	started bool
	text    strings.Builder
}

func (t *runTranslator) translate(event string, raw []byte) ([]DeltaEvent, error) {
	switch event {
	case "thread.message.created":
		return t.start(nil), nil

	case "thread.message.delta":
		env, err := decodeEnvelope(raw)
		if err != nil {
			return nil, err
		}
		var out []DeltaEvent
		for _, part := range env.Data.Delta.Content {
			if part.Type != "text" || part.Text.Value == "" {
				continue
			}
			t.text.WriteString(part.Text.Value)
			out = append(out, TextDelta{Value: part.Text.Value})
		}
		if len(out) == 0 {
			return nil, nil
		}
		return t.start(out), nil

	case "thread.run.completed":
		return []DeltaEvent{TextDone{Text: t.text.String()}}, nil

	case "thread.run.failed":
		msg := "assistant run failed"
		if env, err := decodeEnvelope(raw); err == nil && env.Data.LastError != nil && env.Data.LastError.Message != "" {
			msg = env.Data.LastError.Message
		}
		return []DeltaEvent{RunError{Message: msg}}, nil

	case "thread.run.incomplete":
		msg := "assistant run incomplete"
		if env, err := decodeEnvelope(raw); err == nil && env.Data.IncompleteDetails != nil && env.Data.IncompleteDetails.Reason != "" {
			msg += ": " + env.Data.IncompleteDetails.Reason
		}
		return []DeltaEvent{RunError{Message: msg}}, nil

	case "thread.run.cancelled":
		return []DeltaEvent{RunError{Message: "assistant run cancelled"}}, nil

	case "thread.run.expired":
		return []DeltaEvent{RunError{Message: "assistant run expired"}}, nil

	case "thread.run.requires_action":
		return []DeltaEvent{RunError{Message: "assistant requested a tool call, which is not supported"}}, nil

	case "error":
		msg := "assistant upstream error"
		if env, err := decodeEnvelope(raw); err == nil && env.Data.Message != "" {
			msg = env.Data.Message
		}
		return []DeltaEvent{RunError{Message: msg}}, nil
	}

	// Run, step and thread lifecycle events carry no reply text.
	return nil, nil
}

// start prepends TextCreated the first time the reply begins.
func (t *runTranslator) start(events []DeltaEvent) []DeltaEvent {
	if t.started {
		return events
	}
	t.started = true
	return append([]DeltaEvent{TextCreated{}}, events...)
}

func decodeEnvelope(raw []byte) (*runEnvelope, error) {
	var env runEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode assistant event: %w", err)
	}
	return &env, nil
}
