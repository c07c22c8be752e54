package metering_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimed/chat-relay/internal/metering"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

type failingLedger struct {
	metering.Ledger
	err error
}

func (l failingLedger) Decrement(context.Context, string, string) (metering.ChargeResult, error) {
	return metering.Skipped, l.err
}

func billable(userID, conversationID string) *model.TurnRequest {
	return &model.TurnRequest{
		Messages:       []model.Turn{{Role: model.RoleUser, Content: "Olá"}},
		AssistantID:    "asst_X",
		UserID:         userID,
		ConversationID: conversationID,
		Billable:       true,
	}
}

func TestGate_NonBillableIsNotCharged(t *testing.T) {
	t.Parallel()

	ledger := metering.NewMemoryLedger(1)
	gate := metering.NewGate(ledger, logger.NewNop())

	req := billable("u1", "c1")
	req.Billable = false
	// Message count does not matter, only the flag does.
	req.Messages = append(req.Messages, model.Turn{Role: model.RoleAssistant, Content: "Olá!"})

	res, err := gate.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, metering.Skipped, res)

	bal, err := ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
}

func TestGate_ChargesOncePerConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := metering.NewMemoryLedger(5)
	gate := metering.NewGate(ledger, logger.NewNop())

	res, err := gate.Charge(ctx, billable("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, metering.Charged, res)

	res, err = gate.Charge(ctx, billable("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, metering.AlreadyCharged, res)

	res, err = gate.Charge(ctx, billable("u1", "c2"))
	require.NoError(t, err)
	assert.Equal(t, metering.Charged, res)

	bal, err := gate.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal)
}

func TestGate_ChargeKeyFallsBackToThread(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate := metering.NewGate(metering.NewMemoryLedger(5), logger.NewNop())

	req := billable("u1", "")
	req.ThreadID = "t1"
	res, err := gate.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, metering.Charged, res)

	res, err = gate.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, metering.AlreadyCharged, res)
}

func TestGate_ConcurrentAttemptsChargeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := metering.NewMemoryLedger(10)
	gate := metering.NewGate(ledger, logger.NewNop())

	const attempts = 50
	results := make([]metering.ChargeResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := gate.Charge(ctx, billable("u1", "c1"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	charged := 0
	for _, r := range results {
		if r == metering.Charged {
			charged++
		} else {
			assert.Equal(t, metering.AlreadyCharged, r)
		}
	}
	assert.Equal(t, 1, charged)

	bal, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal)
}

func TestGate_ConcurrentConversationsNeverOverspend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := metering.NewMemoryLedger(3)
	gate := metering.NewGate(ledger, logger.NewNop())

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		charged      int
		insufficient int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := gate.Charge(ctx, billable("u1", string(rune('a'+i))))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, metering.ErrInsufficientCredits) {
				insufficient++
				return
			}
			assert.NoError(t, err)
			charged++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, charged)
	assert.Equal(t, 17, insufficient)
}

func TestGate_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name    string
		ledger  metering.Ledger
		req     *model.TurnRequest
		wantErr error
	}{
		{
			name:    "no credits",
			ledger:  metering.NewMemoryLedger(0),
			req:     billable("u1", "c1"),
			wantErr: metering.ErrInsufficientCredits,
		},
		{
			name:    "missing user",
			ledger:  metering.NewMemoryLedger(1),
			req:     billable("", "c1"),
			wantErr: metering.ErrMissingUser,
		},
		{
			name:    "missing charge key",
			ledger:  metering.NewMemoryLedger(1),
			req:     billable("u1", ""),
			wantErr: metering.ErrMissingChargeKey,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := metering.NewGate(tt.ledger, logger.NewNop()).Charge(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGate_FailsClosed(t *testing.T) {
	t.Parallel()

	storeDown := errors.New("connection refused")
	gate := metering.NewGate(failingLedger{err: storeDown}, logger.NewNop())

	res, err := gate.Charge(context.Background(), billable("u1", "c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storeDown)
	assert.NotErrorIs(t, err, metering.ErrInsufficientCredits)
	assert.Equal(t, metering.Skipped, res)
}

func TestGate_Grant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gate := metering.NewGate(metering.NewMemoryLedger(0), logger.NewNop())

	_, err := gate.Grant(ctx, "u1", 0)
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)

	bal, err := gate.Grant(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)

	res, err := gate.Charge(ctx, billable("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, metering.Charged, res)
}
