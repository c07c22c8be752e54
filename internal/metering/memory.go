package metering

import (
	"context"
	"sync"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is a process-local Ledger. Users not seen before start with
// the default balance.
type MemoryLedger struct {
	mu             sync.Mutex
	defaultCredits int64
	balances       map[string]int64
	charged        map[string]struct{}
}

// NewMemoryLedger creates a ledger granting defaultCredits to new users.
func NewMemoryLedger(defaultCredits int64) *MemoryLedger {
	return &MemoryLedger{
		defaultCredits: defaultCredits,
		balances:       make(map[string]int64),
		charged:        make(map[string]struct{}),
	}
}

// Decrement implements Ledger.
func (l *MemoryLedger) Decrement(_ context.Context, userID, chargeKey string) (ChargeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	marker := userID + "\x00" + chargeKey
	if _, ok := l.charged[marker]; ok {
		return AlreadyCharged, nil
	}

	remaining := l.balanceLocked(userID)
	if remaining <= 0 {
		return Skipped, ErrInsufficientCredits
	}
	l.balances[userID] = remaining - 1
	l.charged[marker] = struct{}{}
	return Charged, nil
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID), nil
}

// Grant implements Ledger.
func (l *MemoryLedger) Grant(_ context.Context, userID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[userID] = l.balanceLocked(userID) + amount
	return l.balances[userID], nil
}

func (l *MemoryLedger) balanceLocked(userID string) int64 {
	if b, ok := l.balances[userID]; ok {
		return b
	}
	return l.defaultCredits
}
