// Package store persists cleared obligations, honoring attempts, and audit
// records. The Postgres implementation backs deployments; Memory mirrors
// its semantics for tests and dev mode.
package store

import (
	"context"
	"sync"

	"github.com/accordsai/honorlane/pkg/domain"
	"github.com/accordsai/honorlane/pkg/wideid"
	"github.com/accordsai/honorlane/services/obligation/internal/audit"
)

type Memory struct {
	mu          sync.Mutex
	obligations map[wideid.ID]domain.ClearedObligation
	attempts    map[wideid.ID][]domain.HonoringAttempt
	receipts    map[string]struct{}
	records     []audit.Record
}

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[wideid.ID]domain.ClearedObligation),
		attempts:    make(map[wideid.ID][]domain.HonoringAttempt),
		receipts:    make(map[string]struct{}),
	}
}

// PutObligation inserts the obligation exactly once. When the row already
// exists the stored copy wins and created is false.
func (m *Memory) PutObligation(_ context.Context, ob domain.ClearedObligation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.obligations[ob.ObligationID]; ok {
		return false, nil
	}
	m.obligations[ob.ObligationID] = ob
	return true, nil
}

func (m *Memory) GetObligation(_ context.Context, id wideid.ID) (domain.ClearedObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok {
		return domain.ClearedObligation{}, domain.ErrNotFound
	}
	return ob, nil
}

// SetHonorState updates fulfillment state only; the clearing fields of the
// row never change.
func (m *Memory) SetHonorState(_ context.Context, id wideid.ID, state domain.HonorState, externalRef, proof string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok {
		return domain.ErrNotFound
	}
	ob.HonorState = state
	ob.ExternalRef = externalRef
	ob.Proof = proof
	m.obligations[id] = ob
	return nil
}

func (m *Memory) AppendAttempt(_ context.Context, a domain.HonoringAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ObligationID] = append(m.attempts[a.ObligationID], a)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, id wideid.ID) ([]domain.HonoringAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HonoringAttempt(nil), m.attempts[id]...), nil
}

// PutSettlementReceipt records one provider delivery exactly once. A
// redelivered event id returns created false so the caller skips it.
func (m *Memory) PutSettlementReceipt(_ context.Context, provider, providerEventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "\x00" + providerEventID
	if _, ok := m.receipts[key]; ok {
		return false, nil
	}
	m.receipts[key] = struct{}{}
	return true, nil
}

// Append implements audit.Sink.
func (m *Memory) Append(_ context.Context, r audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Query implements audit.Sink, returning matches in insertion order.
func (m *Memory) Query(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Record
	for _, r := range m.records {
		if f.Matches(r) {
			out = append(out, r)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}
