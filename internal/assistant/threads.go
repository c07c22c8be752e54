package assistant

import (
	"context"
	"errors"
	"sync"

	"github.com/nutrimed/chat-relay/internal/model"
)

// ErrThreadNotFound is returned by a ThreadStore for unknown thread ids.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore keeps the turns of emulated threads.
type ThreadStore interface {
	Create(ctx context.Context, threadID string) error
	Exists(ctx context.Context, threadID string) (bool, error)
	Append(ctx context.Context, threadID string, turns ...model.Turn) error
	Turns(ctx context.Context, threadID string) ([]model.Turn, error)
}

// MemoryThreadStore is a process-local ThreadStore.
type MemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string][]model.Turn
}

// NewMemoryThreadStore creates an empty store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string][]model.Turn)}
}

// Create implements ThreadStore.
func (s *MemoryThreadStore) Create(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		s.threads[threadID] = nil
	}
	return nil
}

// Exists implements ThreadStore.
func (s *MemoryThreadStore) Exists(_ context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.threads[threadID]
	return ok, nil
}

// Append implements ThreadStore.
func (s *MemoryThreadStore) Append(_ context.Context, threadID string, turns ...model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	s.threads[threadID] = append(existing, turns...)
	return nil
}

// Turns implements ThreadStore.
func (s *MemoryThreadStore) Turns(_ context.Context, threadID string) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return append([]model.Turn(nil), turns...), nil
}
