// Package ticket implements support tickets with a message thread.
//
// A ticket moves OPEN → IN_PROGRESS → RESOLVED → CLOSED. A staff reply
// parks it at WAITING_USER; a user reply on a WAITING_USER or RESOLVED
// ticket brings it back to IN_PROGRESS. CLOSED is terminal.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/syncutil"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketClosed   = errors.New("ticket is closed")
	ErrInvalidStatus  = errors.New("invalid ticket status for this operation")
	ErrUnauthorized   = errors.New("not authorized for this ticket operation")
)

// Status represents the state of a support ticket.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusWaitingUser Status = "WAITING_USER"
	StatusResolved    Status = "RESOLVED"
	StatusClosed      Status = "CLOSED"
)

// Priority orders the staff queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ValidPriority reports whether p is a known ticket priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Category buckets tickets for routing.
type Category string

const (
	CategoryPayment    Category = "PAYMENT"
	CategoryBooking    Category = "BOOKING"
	CategoryWithdrawal Category = "WITHDRAWAL"
	CategoryAccount    Category = "ACCOUNT"
	CategoryOther      Category = "OTHER"
)

// ValidCategory reports whether c is a known ticket category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryPayment, CategoryBooking, CategoryWithdrawal, CategoryAccount, CategoryOther:
		return true
	}
	return false
}

// Ticket represents a support request.
type Ticket struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Subject    string     `json:"subject"`
	Category   Category   `json:"category"`
	Priority   Priority   `json:"priority"`
	BookingID  string     `json:"bookingId,omitempty"`
	Status     Status     `json:"status"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Messages   []*Message `json:"messages,omitempty"`
}

// Message is one entry in a ticket's thread.
type Message struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	AuthorID  string    `json:"authorId"`
	Staff     bool      `json:"staff"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists tickets and their message threads.
type Store interface {
	Create(ctx context.Context, t *Ticket, first *Message) error
	Get(ctx context.Context, id string) (*Ticket, error)
	Update(ctx context.Context, t *Ticket) error
	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, ticketID string) ([]*Message, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Ticket, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Ticket, error)
}

// Actor identifies who is acting on a ticket.
type Actor struct {
	ID    string
	Staff bool
}

// Service implements support ticket business logic.
type Service struct {
	store Store
	locks syncutil.ShardedMutex
}

// NewService creates a ticket service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateParams carries the fields for a new ticket.
type CreateParams struct {
	Subject   string
	Category  Category
	Priority  Priority
	BookingID string
	Body      string
}

// Create opens a ticket with an initial message.
func (s *Service) Create(ctx context.Context, userID string, p CreateParams) (*Ticket, error) {
	if !ValidCategory(p.Category) {
		p.Category = CategoryOther
	}
	if !ValidPriority(p.Priority) {
		p.Priority = PriorityMedium
	}

	now := time.Now()
	t := &Ticket{
		ID:        idgen.WithPrefix("tkt_"),
		UserID:    userID,
		Subject:   p.Subject,
		Category:  p.Category,
		Priority:  p.Priority,
		BookingID: p.BookingID,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	first := &Message{
		ID:        idgen.WithPrefix("msg_"),
		TicketID:  t.ID,
		AuthorID:  userID,
		Body:      p.Body,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, t, first); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	t.Messages = []*Message{first}

	metrics.TicketsTotal.WithLabelValues("opened").Inc()
	return t, nil
}

// Reply adds a message to the thread. A staff reply picks up an OPEN
// ticket, and parks an IN_PROGRESS one at WAITING_USER; a user reply
// on a WAITING_USER or RESOLVED ticket brings it back to IN_PROGRESS.
// Only the ticket owner and staff may post.
func (s *Service) Reply(ctx context.Context, id string, actor Actor, body string) (*Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusClosed {
		return nil, ErrTicketClosed
	}
	if actor.ID != t.UserID && !actor.Staff {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		TicketID:  t.ID,
		AuthorID:  actor.ID,
		Staff:     actor.Staff,
		Body:      body,
		CreatedAt: now,
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}

	if actor.Staff {
		switch t.Status {
		case StatusOpen:
			t.Status = StatusInProgress
		case StatusInProgress:
			t.Status = StatusWaitingUser
		}
	} else {
		switch t.Status {
		case StatusWaitingUser:
			t.Status = StatusInProgress
		case StatusResolved:
			t.Status = StatusInProgress
			t.ResolvedAt = nil
			metrics.TicketsTotal.WithLabelValues("reopened").Inc()
		}
	}
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return s.withMessages(ctx, t)
}

// Assign routes a ticket to a staff member.
func (s *Service) Assign(ctx context.Context, id, assigneeID string, actor Actor) (*Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if !actor.Staff {
		return nil, ErrUnauthorized
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusClosed {
		return nil, ErrTicketClosed
	}

	t.AssignedTo = assigneeID
	if t.Status == StatusOpen {
		t.Status = StatusInProgress
	}
	t.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Resolve marks a ticket as resolved (staff only). The user can still
// reply to reopen it until it is closed.
func (s *Service) Resolve(ctx context.Context, id string, actor Actor) (*Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if !actor.Staff {
		return nil, ErrUnauthorized
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusOpen, StatusInProgress, StatusWaitingUser:
	default:
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	t.Status = StatusResolved
	t.ResolvedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	metrics.TicketsTotal.WithLabelValues("resolved").Inc()
	return t, nil
}

// Close finishes a ticket for good. The owner may close at any time,
// staff may close a resolved ticket.
func (s *Service) Close(ctx context.Context, id string, actor Actor) (*Ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusClosed {
		return nil, ErrTicketClosed
	}
	switch {
	case actor.ID == t.UserID:
		// Owner may always close.
	case actor.Staff:
		if t.Status != StatusResolved {
			return nil, ErrInvalidStatus
		}
	default:
		return nil, ErrUnauthorized
	}

	now := time.Now()
	t.Status = StatusClosed
	t.ClosedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	metrics.TicketsTotal.WithLabelValues("closed").Inc()
	return t, nil
}

// Get returns a ticket with its full message thread.
func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, t)
}

// ListByUser returns a user's tickets, newest first, without threads.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns tickets in a given status (staff queue view).
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) withMessages(ctx context.Context, t *Ticket) (*Ticket, error) {
	msgs, err := s.store.ListMessages(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Messages = msgs
	return t, nil
}
