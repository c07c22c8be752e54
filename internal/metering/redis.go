package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Ledger = (*RedisLedger)(nil)

// DefaultChargeTTL bounds how long a charge marker is remembered.
const DefaultChargeTTL = 90 * 24 * time.Hour

// decrementScript charges KEYS[1] once per KEYS[2].
// ARGV: default balance, marker ttl in seconds.
// Returns the new balance, -1 when already charged, -2 when empty.
var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
local remaining = tonumber(redis.call('GET', KEYS[1]) or ARGV[1])
if remaining <= 0 then
  return -2
end
redis.call('SET', KEYS[1], remaining - 1)
redis.call('SET', KEYS[2], '1', 'EX', ARGV[2])
return remaining - 1
`)

// grantScript seeds KEYS[1] with the default balance if absent, then adds.
var grantScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
return redis.call('INCRBY', KEYS[1], ARGV[2])
`)

// RedisLedger keeps balances in Redis. Keys share the user's hash tag so
// the script stays on one cluster slot.
type RedisLedger struct {
	client         redis.UniversalClient
	defaultCredits int64
	chargeTTL      time.Duration
}

// NewRedisLedger creates a ledger on client.
func NewRedisLedger(client redis.UniversalClient, defaultCredits int64, chargeTTL time.Duration) *RedisLedger {
	if chargeTTL <= 0 {
		chargeTTL = DefaultChargeTTL
	}
	return &RedisLedger{
		client:         client,
		defaultCredits: defaultCredits,
		chargeTTL:      chargeTTL,
	}
}

func balanceKey(userID string) string {
	return "credits:{" + userID + "}"
}

func chargeMarkerKey(userID, chargeKey string) string {
	return "credits:{" + userID + "}:charge:" + chargeKey
}

// Decrement implements Ledger.
func (l *RedisLedger) Decrement(ctx context.Context, userID, chargeKey string) (ChargeResult, error) {
	n, err := decrementScript.Run(ctx, l.client,
		[]string{balanceKey(userID), chargeMarkerKey(userID, chargeKey)},
		l.defaultCredits, int64(l.chargeTTL/time.Second),
	).Int64()
	if err != nil {
		return Skipped, fmt.Errorf("redis decrement: %w", err)
	}

	switch {
	case n == -1:
		return AlreadyCharged, nil
	case n == -2:
		return Skipped, ErrInsufficientCredits
	default:
		return Charged, nil
	}
}

// Balance implements Ledger.
func (l *RedisLedger) Balance(ctx context.Context, userID string) (int64, error) {
	n, err := l.client.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return l.defaultCredits, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis balance: %w", err)
	}
	return n, nil
}

// Grant implements Ledger.
func (l *RedisLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	n, err := grantScript.Run(ctx, l.client, []string{balanceKey(userID)}, l.defaultCredits, amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis grant: %w", err)
	}
	return n, nil
}
