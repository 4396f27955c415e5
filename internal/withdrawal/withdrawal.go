// Package withdrawal implements token withdrawal requests.
//
// Tokens are deducted from the wallet the moment a request is made, so
// a user cannot spend funds queued for payout. Rejection and
// cancellation write an offsetting refund entry. The fee and the INR
// payout are always computed server side from the configured rate.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/ledger"
	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/syncutil"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrBelowMinimum       = errors.New("withdrawal below minimum amount")
	ErrInvalidStatus      = errors.New("invalid withdrawal status for this operation")
	ErrUnauthorized       = errors.New("not authorized for this withdrawal operation")
	ErrConflict           = errors.New("withdrawal was modified concurrently")
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
)

// Status represents the state of a withdrawal request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusProcessing Status = "PROCESSING"
	StatusRejected   Status = "REJECTED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Withdrawal represents a request to convert tokens to an INR payout.
// All money figures are computed server side in INR: the gross amount
// is tokens at the configured rate, the processing fee is a floored
// percentage of that amount, and the net is what the bank pays out.
type Withdrawal struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Tokens          int64      `json:"tokens"`          // gross tokens deducted from the wallet
	AmountINR       int64      `json:"amountInr"`       // tokens * rate
	ProcessingFee   int64      `json:"processingFee"`   // floor(amountInr * feePct / 100)
	NetAmount       int64      `json:"netAmount"`       // amountInr - processingFee
	PaymentMethodID string     `json:"paymentMethodId"` // payout destination
	Status          Status     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	Reason          string     `json:"reason,omitempty"`  // rejection reason
	BankRef         string     `json:"bankRef,omitempty"` // settlement reference on completion
	ReviewedBy      string     `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Review carries the fields written alongside a status transition.
type Review struct {
	ReviewedBy string
	Reason     string
	BankRef    string
}

// Store persists withdrawals. UpdateStatus is compare-and-swap on the
// current status and returns ErrConflict when the row has moved on.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, review Review) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)
}

// LedgerService holds and reverses withdrawal funds.
type LedgerService interface {
	WithdrawalHold(ctx context.Context, userID string, amount int64, withdrawalID string) error
	WithdrawalReverse(ctx context.Context, userID string, amount int64, withdrawalID string) error
}

// Notifier publishes withdrawal lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, event string, payload any)
}

// Service implements withdrawal business logic.
type Service struct {
	store    Store
	ledger   LedgerService
	notifier Notifier
	locks    syncutil.ShardedMutex

	minTokens int64
	feePct    int64
	rateINR   int64
}

// NewService creates a withdrawal service. feePct is a whole percentage
// (5 means 5%), rateINR is the INR value of one token.
func NewService(store Store, ledger LedgerService, minTokens, feePct, rateINR int64) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		minTokens: minTokens,
		feePct:    feePct,
		rateINR:   rateINR,
	}
}

// WithNotifier adds a webhook notifier for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Quote returns the INR breakdown for a given token amount without
// creating a request. The fee is floored at INR granularity, never
// at token granularity.
func (s *Service) Quote(tokens int64) (amountINR, fee, net int64) {
	amountINR = tokens * s.rateINR
	fee = amountINR * s.feePct / 100
	net = amountINR - fee
	return amountINR, fee, net
}

// Request deducts tokens from the wallet and queues a withdrawal for
// admin review. The payment method identifies where the net amount is
// paid out once the request completes.
func (s *Service) Request(ctx context.Context, userID string, tokens int64, paymentMethodID, notes string) (*Withdrawal, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if tokens < s.minTokens {
		return nil, fmt.Errorf("%w: minimum is %d tokens", ErrBelowMinimum, s.minTokens)
	}

	id := idgen.WithPrefix("wdr_")
	if err := s.ledger.WithdrawalHold(ctx, userID, tokens, id); err != nil {
		return nil, err
	}

	amount, fee, net := s.Quote(tokens)
	now := time.Now()
	w := &Withdrawal{
		ID:              id,
		UserID:          userID,
		Tokens:          tokens,
		AmountINR:       amount,
		ProcessingFee:   fee,
		NetAmount:       net,
		PaymentMethodID: paymentMethodID,
		Status:          StatusPending,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		// Funds already deducted, give them back.
		if rbErr := s.ledger.WithdrawalReverse(ctx, userID, tokens, id); rbErr != nil {
			slog.Error("CRITICAL: withdrawal hold taken but record creation and reversal both failed",
				"withdrawal_id", id, "user_id", userID, "tokens", tokens,
				"create_error", err, "reverse_error", rbErr)
		}
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.publish(ctx, "withdrawal.requested", w)
	return w, nil
}

// Approve marks a pending withdrawal as approved for payout.
func (s *Service) Approve(ctx context.Context, id, reviewerID string) (*Withdrawal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	err := s.store.UpdateStatus(ctx, id, StatusPending, StatusApproved, Review{ReviewedBy: reviewerID})
	if err != nil {
		return nil, err
	}

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusApproved)).Inc()
	s.publish(ctx, "withdrawal.approved", w)
	return w, nil
}

// Reject declines a withdrawal and refunds the held tokens. Both
// PENDING and APPROVED requests are rejectable; an approved request
// that has not been paid out yet can still be pulled back.
func (s *Service) Reject(ctx context.Context, id, reviewerID, reason string) (*Withdrawal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	review := Review{ReviewedBy: reviewerID, Reason: reason}
	err := s.store.UpdateStatus(ctx, id, StatusPending, StatusRejected, review)
	if errors.Is(err, ErrConflict) {
		err = s.store.UpdateStatus(ctx, id, StatusApproved, StatusRejected, review)
	}
	if err != nil {
		return nil, err
	}

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.WithdrawalReverse(ctx, w.UserID, w.Tokens, w.ID); err != nil {
		slog.Error("CRITICAL: withdrawal rejected but token refund failed",
			"withdrawal_id", w.ID, "user_id", w.UserID, "tokens", w.Tokens, "error", err)
		return nil, fmt.Errorf("withdrawal rejected but refund failed (requires manual resolution): %w", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusRejected)).Inc()
	s.publish(ctx, "withdrawal.rejected", w)
	return w, nil
}

// Process marks an approved withdrawal as handed to the bank. The
// payout is in flight; only completion or manual intervention follows.
func (s *Service) Process(ctx context.Context, id, reviewerID string) (*Withdrawal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	err := s.store.UpdateStatus(ctx, id, StatusApproved, StatusProcessing, Review{ReviewedBy: reviewerID})
	if err != nil {
		return nil, err
	}

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusProcessing)).Inc()
	s.publish(ctx, "withdrawal.processing", w)
	return w, nil
}

// Complete records the bank settlement of an approved withdrawal. The
// PROCESSING step is optional, so completion accepts either state.
func (s *Service) Complete(ctx context.Context, id, reviewerID, bankRef string) (*Withdrawal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	review := Review{ReviewedBy: reviewerID, BankRef: bankRef}
	err := s.store.UpdateStatus(ctx, id, StatusApproved, StatusCompleted, review)
	if errors.Is(err, ErrConflict) {
		err = s.store.UpdateStatus(ctx, id, StatusProcessing, StatusCompleted, review)
	}
	if err != nil {
		return nil, err
	}

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.publish(ctx, "withdrawal.completed", w)
	return w, nil
}

// Cancel lets the requesting user withdraw a still-pending request and
// reclaim the held tokens.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Withdrawal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, ErrUnauthorized
	}

	if err := s.store.UpdateStatus(ctx, id, StatusPending, StatusCancelled, Review{}); err != nil {
		return nil, err
	}
	if err := s.ledger.WithdrawalReverse(ctx, w.UserID, w.Tokens, w.ID); err != nil {
		slog.Error("CRITICAL: withdrawal cancelled but token refund failed",
			"withdrawal_id", w.ID, "user_id", w.UserID, "tokens", w.Tokens, "error", err)
		return nil, fmt.Errorf("withdrawal cancelled but refund failed (requires manual resolution): %w", err)
	}

	w, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.publish(ctx, "withdrawal.cancelled", w)
	return w, nil
}

// Get returns a withdrawal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's withdrawals, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns withdrawals in a given status (admin queue view).
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) publish(ctx context.Context, event string, w *Withdrawal) {
	if s.notifier != nil {
		s.notifier.Publish(ctx, event, w)
	}
}
