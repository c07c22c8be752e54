package history

import (
	"context"
	"sync"

	"github.com/nutrimed/chat-relay/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store. Re-appending a known record id
// returns its original sequence.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	records []model.TurnRecord
	byID    map[string]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]uint64)}
}

// AppendTurn implements Store.
func (s *MemoryStore) AppendTurn(_ context.Context, rec *model.TurnRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.byID[rec.ID]; ok {
		return seq, nil
	}
	s.seq++
	stored := *rec
	stored.Sequence = s.seq
	s.records = append(s.records, stored)
	s.byID[rec.ID] = s.seq
	return s.seq, nil
}

// ListTurns implements Store.
func (s *MemoryStore) ListTurns(_ context.Context, threadID string, afterSequence uint64, limit int) ([]model.TurnRecord, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out  []model.TurnRecord
		last uint64
	)
	for _, rec := range s.records {
		if rec.ThreadID != threadID || rec.Sequence <= afterSequence {
			continue
		}
		if limit > 0 && len(out) == limit {
			return out, last, true, nil
		}
		out = append(out, rec)
		last = rec.Sequence
	}
	return out, last, false, nil
}
