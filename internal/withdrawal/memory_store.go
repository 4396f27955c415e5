package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.withdrawals[id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, ErrWithdrawalNotFound
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, review Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if w.Status != from {
		return ErrConflict
	}

	now := time.Now()
	w.Status = to
	w.UpdatedAt = now
	if review.ReviewedBy != "" {
		w.ReviewedBy = review.ReviewedBy
	}
	if review.Reason != "" {
		w.Reason = review.Reason
	}
	if review.BankRef != "" {
		w.BankRef = review.BankRef
	}
	switch to {
	case StatusApproved, StatusRejected:
		w.ReviewedAt = &now
	case StatusCompleted:
		w.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			cp := *w
			result = append(result, &cp)
		}
	}
	sortWithdrawals(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.Status == status {
			cp := *w
			result = append(result, &cp)
		}
	}
	sortWithdrawals(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortWithdrawals(ws []*Withdrawal) {
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].CreatedAt.After(ws[j].CreatedAt)
	})
}
