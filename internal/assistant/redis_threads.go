package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nutrimed/chat-relay/internal/model"
)

// RedisThreadStore keeps emulated threads in Redis: a marker key per thread
// and a list of JSON turns. Both expire after ttl of inactivity.
type RedisThreadStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisThreadStore creates a store. A zero ttl keeps threads forever.
func NewRedisThreadStore(client *redis.Client, ttl time.Duration) *RedisThreadStore {
	return &RedisThreadStore{client: client, prefix: "relay:thread:", ttl: ttl}
}

func (s *RedisThreadStore) metaKey(threadID string) string {
	return s.prefix + "{" + threadID + "}:meta"
}

func (s *RedisThreadStore) turnsKey(threadID string) string {
	return s.prefix + "{" + threadID + "}:turns"
}

// Create implements ThreadStore.
func (s *RedisThreadStore) Create(ctx context.Context, threadID string) error {
	if err := s.client.SetNX(ctx, s.metaKey(threadID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// Exists implements ThreadStore.
func (s *RedisThreadStore) Exists(ctx context.Context, threadID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.metaKey(threadID)).Result()
	if err != nil {
		return false, fmt.Errorf("check thread: %w", err)
	}
	return n == 1, nil
}

// Append implements ThreadStore.
func (s *RedisThreadStore) Append(ctx context.Context, threadID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	ok, err := s.Exists(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrThreadNotFound
	}

	values := make([]any, len(turns))
	for i, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values[i] = data
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.turnsKey(threadID), values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.turnsKey(threadID), s.ttl)
			pipe.Expire(ctx, s.metaKey(threadID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Turns implements ThreadStore.
func (s *RedisThreadStore) Turns(ctx context.Context, threadID string) ([]model.Turn, error) {
	ok, err := s.Exists(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrThreadNotFound
	}

	raw, err := s.client.LRange(ctx, s.turnsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}

	turns := make([]model.Turn, 0, len(raw))
	for _, r := range raw {
		var turn model.Turn
		if err := json.Unmarshal([]byte(r), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}
