// Package booking implements the booking lifecycle and its escrow side effects.
//
// Flow:
//  1. Seeker creates a booking (PENDING, no funds move)
//  2. Provider confirms → price moves: seeker available → escrow
//  3. Provider starts work (IN_PROGRESS)
//  4. Completion → escrow released to provider
//     Cancellation → escrow refunded to seeker
//     Dispute → escrow frozen until resolution
//
// Every transition pairs a ledger operation with a compare-and-swap
// status update. The first writer wins; the loser's ledger effect is
// compensated with an offsetting operation.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/ledger"
	"github.com/tokenbook/tokenbook/internal/logging"
	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/syncutil"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid booking status transition")
	ErrUnauthorized      = errors.New("not authorized for this booking operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidType       = errors.New("invalid booking type")
	ErrInvalidDuration   = errors.New("invalid booking duration")
	ErrSamePartyBooking  = errors.New("seeker and provider cannot be the same user")
	ErrConflict          = errors.New("booking was modified concurrently")
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// Status represents the state of a booking.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusDisputed   Status = "DISPUTED"
)

// Type says where the service happens.
type Type string

const (
	TypeIncall  Type = "INCALL"  // at the provider's location
	TypeOutcall Type = "OUTCALL" // provider travels to the seeker
)

// ValidType reports whether t is a known booking type.
func ValidType(t Type) bool {
	return t == TypeIncall || t == TypeOutcall
}

// Action is a requested transition.
type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionDispute  Action = "dispute"
)

// transitions is the full state machine. Absent entries are invalid.
// DISPUTED has no actions here; it is only left through dispute resolution.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionConfirm: StatusConfirmed,
		ActionCancel:  StatusCancelled,
	},
	StatusConfirmed: {
		ActionStart:   StatusInProgress,
		ActionCancel:  StatusCancelled,
		ActionDispute: StatusDisputed,
	},
	StatusInProgress: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
		ActionDispute:  StatusDisputed,
	},
}

// Next returns the target status for an action from the given status.
func Next(from Status, action Action) (Status, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// IsTerminal returns true if the booking is in a final state.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Booking represents a service booking between a seeker and a provider.
type Booking struct {
	ID          string     `json:"id"`
	SeekerID    string     `json:"seekerId"`
	ProviderID  string     `json:"providerId"`
	Type        Type       `json:"type"`
	Duration    int        `json:"duration"` // minutes
	Price       int64      `json:"price"`    // tokens, escrowed on confirmation
	Status      Status     `json:"status"`
	Note        string     `json:"note,omitempty"`
	AuditNote   string     `json:"auditNote,omitempty"` // set on staff overrides
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists bookings. UpdateStatus is a compare-and-swap: it must
// only apply when the stored status still equals from, and return
// ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, auditNote string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error)
}

// LedgerService abstracts ledger operations so booking doesn't depend on
// a concrete ledger implementation.
type LedgerService interface {
	MoveToEscrow(ctx context.Context, userID string, amount int64, reference string) error
	RefundEscrow(ctx context.Context, userID string, amount int64, reference string) error
	ReleaseEscrow(ctx context.Context, seekerID, providerID string, amount int64, reference string) error
}

// Notifier publishes booking lifecycle events to webhook subscribers.
type Notifier interface {
	Publish(ctx context.Context, event string, payload any)
}

// Actor identifies who is requesting a transition.
type Actor struct {
	ID    string
	Staff bool
}

// CreateRequest contains the parameters for creating a booking.
type CreateRequest struct {
	ProviderID  string `json:"providerId" binding:"required"`
	Type        Type   `json:"type" binding:"required"`
	Duration    int    `json:"duration" binding:"required"` // minutes
	Price       int64  `json:"price" binding:"required"`
	Note        string `json:"note"`
	ScheduledAt string `json:"scheduledAt"` // RFC3339, optional
}

// Service implements booking business logic.
type Service struct {
	store    Store
	ledger   LedgerService
	notifier Notifier
	locks    syncutil.ShardedMutex
}

// NewService creates a new booking service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{store: store, ledger: ledger}
}

// WithNotifier adds a webhook notifier for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create creates a new PENDING booking. No funds move until confirmation.
func (s *Service) Create(ctx context.Context, seekerID string, req CreateRequest) (*Booking, error) {
	if req.Price <= 0 {
		return nil, ErrInvalidAmount
	}
	if !ValidType(req.Type) {
		return nil, ErrInvalidType
	}
	if req.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if seekerID == req.ProviderID {
		return nil, ErrSamePartyBooking
	}

	now := time.Now()
	b := &Booking{
		ID:         idgen.WithPrefix("bkg_"),
		SeekerID:   seekerID,
		ProviderID: req.ProviderID,
		Type:       req.Type,
		Duration:   req.Duration,
		Price:      req.Price,
		Status:     StatusPending,
		Note:       req.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.ScheduledAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ScheduledAt); err == nil {
			b.ScheduledAt = &t
		}
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	s.publish(ctx, "booking.created", b)
	return b, nil
}

// Transition applies an action to a booking on behalf of an actor.
// Staff may force any defined transition; the audit note records why.
func (s *Service) Transition(ctx context.Context, id string, action Action, actor Actor, note string) (*Booking, error) {
	switch action {
	case ActionConfirm:
		return s.Confirm(ctx, id, actor, note)
	case ActionStart:
		return s.Start(ctx, id, actor, note)
	case ActionComplete:
		return s.Complete(ctx, id, actor, note)
	case ActionCancel:
		return s.Cancel(ctx, id, actor, note)
	default:
		return nil, ErrInvalidTransition
	}
}

// Confirm accepts a PENDING booking and locks the price in escrow.
// Only the provider (or staff) confirms. If the seeker cannot cover the
// price, the booking stays PENDING and the caller gets the funds error.
func (s *Service) Confirm(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != b.ProviderID && !actor.Staff {
		return nil, ErrUnauthorized
	}
	if _, ok := Next(b.Status, ActionConfirm); !ok {
		return nil, ErrInvalidTransition
	}

	// Escrow first: if the hold fails nothing has changed.
	if err := s.ledger.MoveToEscrow(ctx, b.SeekerID, b.Price, b.ID); err != nil {
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, b.ID, StatusPending, StatusConfirmed, s.auditNote(actor, b, note)); err != nil {
		// A concurrent writer beat us; give the hold back.
		if refundErr := s.ledger.RefundEscrow(ctx, b.SeekerID, b.Price, b.ID); refundErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow held but confirm lost the race and refund failed",
				"booking_id", b.ID, "seeker_id", b.SeekerID, "amount", b.Price, "error", refundErr)
		}
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.publish(ctx, "booking.confirmed", b)
	return s.store.Get(ctx, id)
}

// Start moves a CONFIRMED booking to IN_PROGRESS. Provider or staff only.
func (s *Service) Start(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != b.ProviderID && !actor.Staff {
		return nil, ErrUnauthorized
	}
	if _, ok := Next(b.Status, ActionStart); !ok {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateStatus(ctx, b.ID, StatusConfirmed, StatusInProgress, s.auditNote(actor, b, note)); err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusInProgress)).Inc()
	s.publish(ctx, "booking.started", b)
	return s.store.Get(ctx, id)
}

// Complete finishes an IN_PROGRESS booking and releases escrow to the
// provider. Either party (or staff) may complete. The status swap claims
// the transition before funds move, so a racing caller cannot trigger a
// second release; if the release itself fails the status is rolled back.
func (s *Service) Complete(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != b.SeekerID && actor.ID != b.ProviderID && !actor.Staff {
		return nil, ErrUnauthorized
	}
	if _, ok := Next(b.Status, ActionComplete); !ok {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateStatus(ctx, b.ID, StatusInProgress, StatusCompleted, s.auditNote(actor, b, note)); err != nil {
		return nil, err
	}

	if err := s.ledger.ReleaseEscrow(ctx, b.SeekerID, b.ProviderID, b.Price, b.ID); err != nil {
		// Roll the claim back so the escrow stays consistent with status.
		if revertErr := s.store.UpdateStatus(ctx, b.ID, StatusCompleted, StatusInProgress, "release failed, reverted"); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: booking marked completed but escrow release and revert both failed",
				"booking_id", b.ID, "provider_id", b.ProviderID, "amount", b.Price, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	if b.ConfirmedAt != nil {
		metrics.BookingSettlementDuration.Observe(time.Since(*b.ConfirmedAt).Seconds())
	}
	s.publish(ctx, "booking.completed", b)
	return s.store.Get(ctx, id)
}

// Cancel cancels a booking. From PENDING nothing moves; from CONFIRMED
// or IN_PROGRESS the escrowed price is refunded to the seeker in full.
// Either party (or staff) may cancel.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, note string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != b.SeekerID && actor.ID != b.ProviderID && !actor.Staff {
		return nil, ErrUnauthorized
	}
	from := b.Status
	if _, ok := Next(from, ActionCancel); !ok {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateStatus(ctx, b.ID, from, StatusCancelled, s.auditNote(actor, b, note)); err != nil {
		return nil, err
	}

	if from != StatusPending {
		if err := s.ledger.RefundEscrow(ctx, b.SeekerID, b.Price, b.ID); err != nil {
			if revertErr := s.store.UpdateStatus(ctx, b.ID, StatusCancelled, from, "refund failed, reverted"); revertErr != nil {
				logging.L(ctx).Error("CRITICAL: booking cancelled but escrow refund and revert both failed",
					"booking_id", b.ID, "seeker_id", b.SeekerID, "amount", b.Price, "error", revertErr)
			}
			return nil, fmt.Errorf("failed to refund escrow: %w", err)
		}
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	if b.ConfirmedAt != nil {
		metrics.BookingSettlementDuration.Observe(time.Since(*b.ConfirmedAt).Seconds())
	}
	s.publish(ctx, "booking.cancelled", b)
	return s.store.Get(ctx, id)
}

// MarkDisputed freezes a booking under an open dispute. Called by the
// dispute service; escrow stays locked. Only a party may file, which the
// dispute service has already checked.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(b.Status, ActionDispute); !ok {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateStatus(ctx, b.ID, b.Status, StatusDisputed, ""); err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.publish(ctx, "booking.disputed", b)
	return s.store.Get(ctx, id)
}

// FinalizeDispute moves a DISPUTED booking to its terminal status after
// the dispute service has settled the escrow. A full refund cancels the
// booking; anything released to the provider completes it.
func (s *Service) FinalizeDispute(ctx context.Context, id string, fullRefund bool, auditNote string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}

	to := StatusCompleted
	if fullRefund {
		to = StatusCancelled
	}
	if err := s.store.UpdateStatus(ctx, b.ID, StatusDisputed, to, auditNote); err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(to)).Inc()
	return s.store.Get(ctx, id)
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns bookings where the user is seeker or provider.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// auditNote records staff overrides; normal party actions leave it empty
// unless they attach a note.
func (s *Service) auditNote(actor Actor, b *Booking, note string) string {
	if actor.Staff && actor.ID != b.SeekerID && actor.ID != b.ProviderID {
		if note == "" {
			note = "staff override"
		}
		return fmt.Sprintf("staff:%s %s", actor.ID, note)
	}
	return note
}

func (s *Service) publish(ctx context.Context, event string, b *Booking) {
	if s.notifier != nil {
		s.notifier.Publish(ctx, event, b)
	}
}
