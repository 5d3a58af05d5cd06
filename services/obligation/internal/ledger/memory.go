package ledger

import (
	"context"
	"sync"

	"github.com/accordsai/honorlane/pkg/wideid"
)

// Memory is an in-process double-entry ledger used in dev mode and tests.
// It honors the same idempotency contract as the real ledger: a repeated
// key returns ALREADY_EXISTS without moving balances.
type Memory struct {
	mu        sync.Mutex
	balances  map[wideid.ID]int64
	transfers map[wideid.ID]Transfer
	// unfunded accounts are treated as having unlimited balance unless
	// SetBalance was called for them.
	funded map[wideid.ID]bool
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[wideid.ID]int64),
		transfers: make(map[wideid.ID]Transfer),
		funded:    make(map[wideid.ID]bool),
	}
}

func (m *Memory) SetBalance(account wideid.ID, micros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = micros
	m.funded[account] = true
}

func (m *Memory) Balance(account wideid.ID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// TransferCount reports committed transfers, for idempotency assertions.
func (m *Memory) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

func (m *Memory) CreateTransfer(_ context.Context, t Transfer) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.IdempotencyKey]; ok {
		return Result{Status: StatusAlreadyExists}, nil
	}
	if m.funded[t.DebitAccount] && m.balances[t.DebitAccount] < int64(t.AmountMicros) {
		return Result{Status: StatusRejected, Reason: "INSUFFICIENT_BALANCE"}, nil
	}
	m.balances[t.DebitAccount] -= int64(t.AmountMicros)
	m.balances[t.CreditAccount] += int64(t.AmountMicros)
	m.transfers[t.IdempotencyKey] = t
	return Result{Status: StatusCommitted}, nil
}
