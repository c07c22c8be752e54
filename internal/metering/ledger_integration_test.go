package metering_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimed/chat-relay/internal/metering"
	"github.com/nutrimed/chat-relay/internal/storage"
)

// Backend ledgers are exercised against real servers when the
// corresponding TEST_* variable is set.

func ledgerBackends(t *testing.T) map[string]metering.Ledger {
	t.Helper()
	ctx := context.Background()
	backends := map[string]metering.Ledger{}

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		client, err := storage.NewRedis(ctx, url)
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		backends["redis"] = metering.NewRedisLedger(client, 2, time.Hour)
	}

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		pool, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		ledger := metering.NewPostgresLedger(pool, 2)
		require.NoError(t, ledger.EnsureSchema(ctx))
		backends["postgres"] = ledger
	}

	if len(backends) == 0 {
		t.Skip("TEST_REDIS_URL and TEST_DATABASE_URL not set")
	}
	return backends
}

func TestLedgerBackends(t *testing.T) {
	for name, ledger := range ledgerBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := "user-" + uuid.NewString()

			bal, err := ledger.Balance(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, int64(2), bal)

			var wg sync.WaitGroup
			results := make([]metering.ChargeResult, 10)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := ledger.Decrement(ctx, user, "conv-1")
					assert.NoError(t, err)
					results[i] = res
				}(i)
			}
			wg.Wait()

			charged := 0
			for _, r := range results {
				if r == metering.Charged {
					charged++
				}
			}
			assert.Equal(t, 1, charged)

			res, err := ledger.Decrement(ctx, user, "conv-2")
			require.NoError(t, err)
			assert.Equal(t, metering.Charged, res)

			_, err = ledger.Decrement(ctx, user, "conv-3")
			assert.ErrorIs(t, err, metering.ErrInsufficientCredits)

			bal, err = ledger.Grant(ctx, user, 5)
			require.NoError(t, err)
			assert.Equal(t, int64(5), bal)

			res, err = ledger.Decrement(ctx, user, "conv-3")
			require.NoError(t, err)
			assert.Equal(t, metering.Charged, res)
		})
	}
}
