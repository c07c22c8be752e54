package history_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimed/chat-relay/internal/history"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/internal/retry"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

// flakyStore fails the first n appends, then delegates.
type flakyStore struct {
	*history.MemoryStore

	mu       sync.Mutex
	failures int
	calls    int
	ids      []string
}

func (s *flakyStore) AppendTurn(ctx context.Context, rec *model.TurnRecord) (uint64, error) {
	s.mu.Lock()
	s.calls++
	s.ids = append(s.ids, rec.ID)
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return 0, errors.New("deadline exceeded")
	}
	return s.MemoryStore.AppendTurn(ctx, rec)
}

func (s *flakyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func record(threadID, reply string) *model.TurnRecord {
	return &model.TurnRecord{
		ThreadID:    threadID,
		AssistantID: "asst_X",
		UserID:      "u1",
		User:        model.Turn{Role: model.RoleUser, Content: "Olá"},
		Assistant:   model.Turn{Role: model.RoleAssistant, Content: reply},
	}
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: history.NewMemoryStore(), failures: 2}
	w := history.NewWriter(store, fastPolicy(), logger.NewNop())

	rec := record("t1", "Olá!")
	seq, err := w.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 3, store.Calls())

	require.Len(t, store.ids, 3)
	assert.NotEmpty(t, store.ids[0])
	assert.Equal(t, store.ids[0], store.ids[2], "retries reuse the record id")
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestWriter_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: history.NewMemoryStore(), failures: 10}
	w := history.NewWriter(store, fastPolicy(), logger.NewNop())

	_, err := w.Append(context.Background(), record("t1", "Olá!"))
	require.Error(t, err)
	assert.Equal(t, 3, store.Calls())

	resp, err := w.List(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Turns)
}

func TestWriter_RejectsRecordWithoutThread(t *testing.T) {
	t.Parallel()

	w := history.NewWriter(history.NewMemoryStore(), fastPolicy(), logger.NewNop())
	_, err := w.Append(context.Background(), record("", "x"))
	assert.ErrorIs(t, err, history.ErrInvalidRecord)
}

func TestWriter_AppendAsyncSurvivesCancellation(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: history.NewMemoryStore(), failures: 1}
	w := history.NewWriter(store, fastPolicy(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	w.AppendAsync(ctx, record("t1", "Olá!"))
	cancel()
	w.Wait()

	resp, err := w.List(context.Background(), "t1", 0, 10)
	require.NoError(t, err)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "Olá!", resp.Turns[0].Assistant.Content)
}

func TestMemoryStore_ListPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := history.NewWriter(history.NewMemoryStore(), fastPolicy(), logger.NewNop())

	for _, reply := range []string{"a", "b", "c"} {
		_, err := w.Append(ctx, record("t1", reply))
		require.NoError(t, err)
	}
	_, err := w.Append(ctx, record("t2", "other"))
	require.NoError(t, err)

	page, err := w.List(ctx, "t1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Turns, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "b", page.Turns[1].Assistant.Content)

	rest, err := w.List(ctx, "t1", page.LastSequence, 2)
	require.NoError(t, err)
	require.Len(t, rest.Turns, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, "c", rest.Turns[0].Assistant.Content)
}

func TestMemoryStore_DuplicateAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := history.NewMemoryStore()
	rec := record("t1", "a")
	rec.ID = "r1"

	first, err := store.AppendTurn(ctx, rec)
	require.NoError(t, err)
	second, err := store.AppendTurn(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	turns, _, _, err := store.ListTurns(ctx, "t1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}
