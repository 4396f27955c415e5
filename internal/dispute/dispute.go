// Package dispute implements dispute resolution for frozen bookings.
//
// Flow:
//  1. A booking party files a dispute → booking frozen (DISPUTED)
//  2. Staff assigns the case (INVESTIGATING)
//  3. Resolution splits the escrowed price between refund (seeker) and
//     release (provider) in one atomic ledger settlement
//  4. The reporter may appeal once within the appeal window (ESCALATED);
//     a manager reviews the appeal and closes the case
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/syncutil"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrInvalidStatus   = errors.New("invalid dispute status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this dispute operation")
	ErrInvalidSplit    = errors.New("refund and release must sum to the booking price")
	ErrAlreadyDisputed = errors.New("booking already has an open dispute")
	ErrAppealWindow    = errors.New("appeal window has closed")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
	StatusEscalated     Status = "ESCALATED"
	StatusClosed        Status = "CLOSED"
)

// Type categorizes what went wrong.
type Type string

const (
	TypeServiceNotProvided Type = "SERVICE_NOT_PROVIDED"
	TypeServiceQuality     Type = "SERVICE_QUALITY"
	TypeNoShow             Type = "NO_SHOW"
	TypePaymentIssue       Type = "PAYMENT_ISSUE"
	TypeBehavior           Type = "BEHAVIOR"
	TypeOther              Type = "OTHER"
)

// ValidType reports whether t is a known dispute type.
func ValidType(t Type) bool {
	switch t {
	case TypeServiceNotProvided, TypeServiceQuality, TypeNoShow, TypePaymentIssue, TypeBehavior, TypeOther:
		return true
	}
	return false
}

// AppealWindow is how long after resolution a party may appeal.
const AppealWindow = 7 * 24 * time.Hour

// Dispute represents a dispute over a booking.
type Dispute struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"bookingId"`
	FiledBy        string     `json:"filedBy"`
	Type           Type       `json:"disputeType"`
	Reason         string     `json:"reason"`
	Evidence       []string   `json:"evidence,omitempty"`
	Status         Status     `json:"status"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	RefundAmount   int64      `json:"refundAmount"`  // tokens returned to seeker
	ReleaseAmount  int64      `json:"releaseAmount"` // tokens paid to provider
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	AppealedBy     string     `json:"appealedBy,omitempty"`
	AppealNote     string     `json:"appealNote,omitempty"`
	AppealedAt     *time.Time `json:"appealedAt,omitempty"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByBooking(ctx context.Context, bookingID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)
}

// LedgerService settles the escrowed booking price.
type LedgerService interface {
	SettleEscrow(ctx context.Context, seekerID, providerID string, refund, release int64, reference string) error
}

// BookingService is the subset of booking operations disputes drive.
type BookingService interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
	MarkDisputed(ctx context.Context, id string) (*booking.Booking, error)
	FinalizeDispute(ctx context.Context, id string, fullRefund bool, auditNote string) (*booking.Booking, error)
}

// Notifier publishes dispute lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, event string, payload any)
}

// Actor identifies who is acting on a dispute.
type Actor struct {
	ID      string
	Staff   bool
	Manager bool
}

// Service implements dispute business logic.
type Service struct {
	store    Store
	ledger   LedgerService
	bookings BookingService
	notifier Notifier
	locks    syncutil.ShardedMutex
}

// NewService creates a dispute service.
func NewService(store Store, ledger LedgerService, bookings BookingService) *Service {
	return &Service{store: store, ledger: ledger, bookings: bookings}
}

// WithNotifier adds a webhook notifier for lifecycle events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// File opens a dispute on a booking and freezes it. Only a booking
// party may file, and only while the escrow is still held.
func (s *Service) File(ctx context.Context, bookingID, filedBy string, dtype Type, reason string, evidence []string) (*Dispute, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	if !ValidType(dtype) {
		dtype = TypeOther
	}

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if filedBy != b.SeekerID && filedBy != b.ProviderID {
		return nil, ErrUnauthorized
	}
	if existing, err := s.store.GetOpenByBooking(ctx, bookingID); err == nil && existing != nil {
		return nil, ErrAlreadyDisputed
	}

	// Freezing the booking validates its status (must hold escrow).
	if _, err := s.bookings.MarkDisputed(ctx, bookingID); err != nil {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		BookingID: bookingID,
		FiledBy:   filedBy,
		Type:      dtype,
		Reason:    reason,
		Evidence:  evidence,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	s.publish(ctx, "dispute.filed", d)
	return d, nil
}

// Assign puts a dispute under review by a staff member.
func (s *Service) Assign(ctx context.Context, id, assigneeID string, actor Actor) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if !actor.Staff {
		return nil, ErrUnauthorized
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInvestigating {
		return nil, ErrInvalidStatus
	}

	d.Status = StatusInvestigating
	d.AssignedTo = assigneeID
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	RefundAmount  int64  `json:"refundAmount"`
	ReleaseAmount int64  `json:"releaseAmount"`
	Note          string `json:"note"`
}

// Resolve settles the dispute: refund + release must equal the booking
// price, both sides move in one atomic ledger settlement, and the
// booking is finalized (full refund cancels it, anything released
// completes it). Resolution is valid from OPEN or INVESTIGATING; once
// a case is assigned, only the assigned reviewer or a manager resolves.
func (s *Service) Resolve(ctx context.Context, id string, actor Actor, req ResolveRequest) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInvestigating {
		return nil, ErrInvalidStatus
	}
	if d.AssignedTo != "" {
		if actor.ID != d.AssignedTo && !actor.Manager {
			return nil, ErrUnauthorized
		}
	} else if !actor.Staff {
		return nil, ErrUnauthorized
	}

	b, err := s.bookings.Get(ctx, d.BookingID)
	if err != nil {
		return nil, err
	}
	if req.RefundAmount < 0 || req.ReleaseAmount < 0 || req.RefundAmount+req.ReleaseAmount != b.Price {
		return nil, ErrInvalidSplit
	}

	// Settle first: if the ledger rejects, nothing has changed.
	if err := s.ledger.SettleEscrow(ctx, b.SeekerID, b.ProviderID,
		req.RefundAmount, req.ReleaseAmount, b.ID); err != nil {
		return nil, fmt.Errorf("failed to settle escrow: %w", err)
	}

	fullRefund := req.ReleaseAmount == 0
	auditNote := fmt.Sprintf("dispute %s resolved by %s", d.ID, actor.ID)
	if _, err := s.bookings.FinalizeDispute(ctx, b.ID, fullRefund, auditNote); err != nil {
		// Funds already settled; the booking finalization must stick.
		return nil, fmt.Errorf("escrow settled but booking finalization failed (requires manual resolution): %w", err)
	}

	now := time.Now()
	d.Status = StatusResolved
	d.RefundAmount = req.RefundAmount
	d.ReleaseAmount = req.ReleaseAmount
	d.ResolutionNote = req.Note
	d.ResolvedBy = actor.ID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.publish(ctx, "dispute.resolved", d)
	return d, nil
}

// Appeal contests a resolution. Only the original reporter may appeal,
// exactly once, within the appeal window. The settlement stands while
// the appeal is reviewed.
func (s *Service) Appeal(ctx context.Context, id, userID, note string) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusResolved || d.AppealedAt != nil {
		return nil, ErrInvalidStatus
	}
	if userID != d.FiledBy {
		return nil, ErrUnauthorized
	}
	if d.ResolvedAt == nil || time.Since(*d.ResolvedAt) > AppealWindow {
		return nil, ErrAppealWindow
	}

	now := time.Now()
	d.Status = StatusEscalated
	d.AppealedBy = userID
	d.AppealNote = note
	d.AppealedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("escalated").Inc()
	s.publish(ctx, "dispute.appealed", d)
	return d, nil
}

// CloseAppeal finishes an escalated dispute. Managers only. The original
// settlement is final; any compensation beyond it is handled outside
// the escrow (goodwill credit by an admin).
func (s *Service) CloseAppeal(ctx context.Context, id string, actor Actor, note string) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if !actor.Manager {
		return nil, ErrUnauthorized
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusEscalated {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	d.Status = StatusClosed
	if note != "" {
		d.ResolutionNote = note
	}
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.publish(ctx, "dispute.closed", d)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns disputes on bookings where the user is a party.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns disputes in a given status (staff queue view).
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) publish(ctx context.Context, event string, d *Dispute) {
	if s.notifier != nil {
		s.notifier.Publish(ctx, event, d)
	}
}
