// Package ledger tracks user token balances on the platform.
//
// Flow:
//  1. Seeker purchases tokens (payment gateway credits wallet)
//  2. Booking confirmation moves the price into escrow
//  3. Completion releases escrow to the provider
//  4. Provider withdraws (tokens converted back to INR)
//
// The ledger is append-only: every balance change writes a transaction
// row in the same database transaction that mutates the wallet, so the
// wallet is always re-derivable from the transaction history.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicatePurchase = errors.New("purchase already processed")
)

// Transaction types. Amounts are always positive; the type determines
// which wallet columns move and in which direction.
const (
	TypePurchase         = "PURCHASE"          // +available, +total_purchased
	TypeEscrowHold       = "ESCROW_HOLD"       // -available, +escrow
	TypeBookingRefund    = "BOOKING_REFUND"    // +available, -escrow
	TypeEscrowRelease    = "ESCROW_RELEASE"    // -escrow, +total_spent (seeker side)
	TypeBookingPayment   = "BOOKING_PAYMENT"   // +available (provider side)
	TypeWithdrawal       = "WITHDRAWAL"        // -available
	TypeWithdrawalRefund = "WITHDRAWAL_REFUND" // +available (reverses a withdrawal hold)
)

// Transaction is a single append-only ledger entry.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"` // whole tokens, always positive
	Reference   string    `json:"reference,omitempty"` // booking ID, withdrawal ID, payment event ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Wallet is the derived balance view for one user.
type Wallet struct {
	UserID         string    `json:"userId"`
	Available      int64     `json:"available"`      // spendable now
	Escrow         int64     `json:"escrow"`         // locked against confirmed bookings
	TotalPurchased int64     `json:"totalPurchased"` // lifetime tokens bought
	TotalSpent     int64     `json:"totalSpent"`     // lifetime tokens spent on bookings
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ReconcileReport compares a wallet against its replayed transaction history.
type ReconcileReport struct {
	UserID            string `json:"userId"`
	Consistent        bool   `json:"consistent"`
	Available         int64  `json:"available"`
	Escrow            int64  `json:"escrow"`
	ExpectedAvailable int64  `json:"expectedAvailable"`
	ExpectedEscrow    int64  `json:"expectedEscrow"`
	EntryCount        int    `json:"entryCount"`
}

// Store persists wallets and transactions. Every mutation writes the
// wallet delta and the transaction entry atomically, and must fail with
// ErrInsufficientFunds rather than allow available or escrow to go
// negative.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	Purchase(ctx context.Context, userID string, amount int64, reference, description string) error
	HasPurchase(ctx context.Context, reference string) (bool, error)
	MoveToEscrow(ctx context.Context, userID string, amount int64, reference string) error
	RefundEscrow(ctx context.Context, userID string, amount int64, reference string) error
	ReleaseEscrow(ctx context.Context, seekerID, providerID string, amount int64, reference string) error
	SettleEscrow(ctx context.Context, seekerID, providerID string, refund, release int64, reference string) error
	WithdrawalHold(ctx context.Context, userID string, amount int64, reference string) error
	WithdrawalReverse(ctx context.Context, userID string, amount int64, reference string) error
	History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	EntrySums(ctx context.Context, userID string) (sums map[string]int64, count int, err error)
}

// Ledger manages user wallets.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetWallet returns a user's current wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// Purchase credits a user's wallet after a successful payment.
// The reference is the payment gateway's event ID; replayed events
// return ErrDuplicatePurchase instead of double-crediting.
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	exists, err := l.store.HasPurchase(ctx, reference)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicatePurchase
	}

	if err := l.store.Purchase(ctx, userID, amount, reference, "token_purchase"); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypePurchase).Inc()
	return nil
}

// MoveToEscrow locks tokens against a booking (called on confirmation).
func (l *Ledger) MoveToEscrow(ctx context.Context, userID string, amount int64, bookingID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.MoveToEscrow(ctx, userID, amount, bookingID); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.InsufficientFundsTotal.Inc()
		}
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypeEscrowHold).Inc()
	metrics.EscrowHeldTokens.Add(float64(amount))
	return nil
}

// RefundEscrow returns escrowed tokens to the seeker (cancellation).
func (l *Ledger) RefundEscrow(ctx context.Context, userID string, amount int64, bookingID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.RefundEscrow(ctx, userID, amount, bookingID); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypeBookingRefund).Inc()
	metrics.EscrowHeldTokens.Sub(float64(amount))
	return nil
}

// ReleaseEscrow pays out escrowed tokens to the provider (completion).
// Both sides move in one atomic store operation.
func (l *Ledger) ReleaseEscrow(ctx context.Context, seekerID, providerID string, amount int64, bookingID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.ReleaseEscrow(ctx, seekerID, providerID, amount, bookingID); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypeEscrowRelease).Inc()
	metrics.LedgerEntriesTotal.WithLabelValues(TypeBookingPayment).Inc()
	metrics.EscrowHeldTokens.Sub(float64(amount))
	return nil
}

// SettleEscrow splits an escrowed amount between refund to the seeker
// and release to the provider (dispute resolution). refund + release
// must equal the escrowed booking price; either side may be zero.
func (l *Ledger) SettleEscrow(ctx context.Context, seekerID, providerID string, refund, release int64, bookingID string) error {
	if refund < 0 || release < 0 || refund+release <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.SettleEscrow(ctx, seekerID, providerID, refund, release, bookingID); err != nil {
		return err
	}
	if refund > 0 {
		metrics.LedgerEntriesTotal.WithLabelValues(TypeBookingRefund).Inc()
	}
	if release > 0 {
		metrics.LedgerEntriesTotal.WithLabelValues(TypeEscrowRelease).Inc()
		metrics.LedgerEntriesTotal.WithLabelValues(TypeBookingPayment).Inc()
	}
	metrics.EscrowHeldTokens.Sub(float64(refund + release))
	return nil
}

// WithdrawalHold debits tokens for a pending withdrawal request.
func (l *Ledger) WithdrawalHold(ctx context.Context, userID string, amount int64, withdrawalID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.WithdrawalHold(ctx, userID, amount, withdrawalID); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.InsufficientFundsTotal.Inc()
		}
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypeWithdrawal).Inc()
	return nil
}

// WithdrawalReverse credits back a withdrawal hold (rejection or
// cancellation). Written as an offsetting entry, never by deleting the
// original withdrawal transaction.
func (l *Ledger) WithdrawalReverse(ctx context.Context, userID string, amount int64, withdrawalID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.WithdrawalReverse(ctx, userID, amount, withdrawalID); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(TypeWithdrawalRefund).Inc()
	return nil
}

// History returns recent transactions for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, nil, limit)
}

// HistoryPage returns one page of transactions, newest first, starting
// after the given opaque cursor. The next cursor is empty on the last page.
func (l *Ledger) HistoryPage(ctx context.Context, userID, cursor string, limit int) ([]*Transaction, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	entries, err := l.store.History(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return entries, next, hasMore, nil
}

// CanSpend checks whether a user has at least amount available.
func (l *Ledger) CanSpend(ctx context.Context, userID string, amount int64) (bool, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return false, err
	}
	return w.Available >= amount, nil
}

// Reconcile replays a user's full transaction history and compares the
// derived balances against the stored wallet.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	sums, count, err := l.store.EntrySums(ctx, userID)
	if err != nil {
		return nil, err
	}

	expectedAvail := sums[TypePurchase] - sums[TypeEscrowHold] + sums[TypeBookingRefund] +
		sums[TypeBookingPayment] - sums[TypeWithdrawal] + sums[TypeWithdrawalRefund]
	expectedEscrow := sums[TypeEscrowHold] - sums[TypeBookingRefund] - sums[TypeEscrowRelease]

	return &ReconcileReport{
		UserID:            userID,
		Consistent:        expectedAvail == w.Available && expectedEscrow == w.Escrow,
		Available:         w.Available,
		Escrow:            w.Escrow,
		ExpectedAvailable: expectedAvail,
		ExpectedEscrow:    expectedEscrow,
		EntryCount:        count,
	}, nil
}
