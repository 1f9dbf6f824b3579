package ledger

import (
	"context"
	"sync"
)

// MemoryLedger 单进程内的余额表，用于本地运行和测试
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		applied:  make(map[string]map[string]struct{}),
	}
}

func (m *MemoryLedger) Apply(_ context.Context, userID string, delta int64, reference string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs, ok := m.applied[userID]
	if !ok {
		refs = make(map[string]struct{})
		m.applied[userID] = refs
	}
	if _, done := refs[reference]; done {
		return m.balances[userID], nil
	}
	next := m.balances[userID] + delta
	if next < 0 {
		return m.balances[userID], ErrInsufficientFunds
	}
	m.balances[userID] = next
	refs[reference] = struct{}{}
	return next, nil
}

func (m *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}
