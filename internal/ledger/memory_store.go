package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets   map[string]*Wallet
	entries   []*Transaction
	purchases map[string]bool // payment reference -> already credited
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		purchases: make(map[string]bool),
	}
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) wallet(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) record(userID, typ string, amount int64, reference, description string) {
	m.entries = append(m.entries, &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) Purchase(ctx context.Context, userID string, amount int64, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.purchases[reference] {
		return ErrDuplicatePurchase
	}

	w := m.wallet(userID)
	w.Available += amount
	w.TotalPurchased += amount
	w.UpdatedAt = time.Now()

	m.purchases[reference] = true
	m.record(userID, TypePurchase, amount, reference, description)
	return nil
}

func (m *MemoryStore) HasPurchase(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.purchases[reference], nil
}

func (m *MemoryStore) MoveToEscrow(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}

	w.Available -= amount
	w.Escrow += amount
	w.UpdatedAt = time.Now()

	m.record(userID, TypeEscrowHold, amount, reference, "escrow_hold")
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Escrow < amount {
		return ErrInsufficientFunds
	}

	w.Escrow -= amount
	w.Available += amount
	w.UpdatedAt = time.Now()

	m.record(userID, TypeBookingRefund, amount, reference, "escrow_refunded")
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, seekerID, providerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(seekerID, providerID, amount, reference)
}

// releaseLocked moves amount from the seeker's escrow to the provider's
// available. Caller holds m.mu.
func (m *MemoryStore) releaseLocked(seekerID, providerID string, amount int64, reference string) error {
	seeker, ok := m.wallets[seekerID]
	if !ok {
		return ErrWalletNotFound
	}
	if seeker.Escrow < amount {
		return ErrInsufficientFunds
	}

	seeker.Escrow -= amount
	seeker.TotalSpent += amount
	seeker.UpdatedAt = time.Now()

	provider := m.wallet(providerID)
	provider.Available += amount
	provider.UpdatedAt = time.Now()

	m.record(seekerID, TypeEscrowRelease, amount, reference, "escrow_released_to_provider")
	m.record(providerID, TypeBookingPayment, amount, reference, "booking_payment_received")
	return nil
}

func (m *MemoryStore) SettleEscrow(ctx context.Context, seekerID, providerID string, refund, release int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeker, ok := m.wallets[seekerID]
	if !ok {
		return ErrWalletNotFound
	}
	if seeker.Escrow < refund+release {
		return ErrInsufficientFunds
	}

	if refund > 0 {
		seeker.Escrow -= refund
		seeker.Available += refund
		seeker.UpdatedAt = time.Now()
		m.record(seekerID, TypeBookingRefund, refund, reference, "dispute_refund")
	}
	if release > 0 {
		if err := m.releaseLocked(seekerID, providerID, release, reference); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) WithdrawalHold(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}

	w.Available -= amount
	w.UpdatedAt = time.Now()

	m.record(userID, TypeWithdrawal, amount, reference, "withdrawal_hold")
	return nil
}

func (m *MemoryStore) WithdrawalReverse(ctx context.Context, userID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}

	w.Available += amount
	w.UpdatedAt = time.Now()

	m.record(userID, TypeWithdrawalRefund, amount, reference, "withdrawal_reversed")
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if before != nil {
			if e.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) EntrySums(ctx context.Context, userID string) (map[string]int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	count := 0
	for _, e := range m.entries {
		if e.UserID == userID {
			sums[e.Type] += e.Amount
			count++
		}
	}
	return sums, count, nil
}
