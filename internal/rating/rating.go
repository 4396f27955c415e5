// Package rating implements post-booking ratings.
//
// Each party of a completed booking may rate the other exactly once.
// Ratings are immutable once written; the rated party may attach a
// single public response.
package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/syncutil"
)

var (
	ErrRatingNotFound    = errors.New("rating not found")
	ErrAlreadyRated      = errors.New("booking already rated by this user")
	ErrBookingNotRatable = errors.New("only completed bookings can be rated")
	ErrInvalidStars      = errors.New("stars must be between 1 and 5")
	ErrUnauthorized      = errors.New("not authorized for this rating operation")
	ErrAlreadyResponded  = errors.New("rating already has a response")
)

// Rating is one party's review of the other on a completed booking.
type Rating struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"bookingId"`
	RaterID     string     `json:"raterId"`
	RateeID     string     `json:"rateeId"`
	Stars       int        `json:"stars"`
	Comment     string     `json:"comment,omitempty"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Summary aggregates the ratings a user has received.
type Summary struct {
	UserID  string  `json:"userId"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

// Store persists ratings. Create must reject a second rating for the
// same (booking, rater) pair with ErrAlreadyRated.
type Store interface {
	Create(ctx context.Context, r *Rating) error
	Get(ctx context.Context, id string) (*Rating, error)
	GetByBookingAndRater(ctx context.Context, bookingID, raterID string) (*Rating, error)
	SetResponse(ctx context.Context, id, response string, at time.Time) error
	ListByRatee(ctx context.Context, rateeID string, limit int) ([]*Rating, error)
	Summarize(ctx context.Context, rateeID string) (*Summary, error)
}

// BookingService looks up the booking being rated.
type BookingService interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
}

// Service implements rating business logic.
type Service struct {
	store    Store
	bookings BookingService
	locks    syncutil.ShardedMutex
}

// NewService creates a rating service.
func NewService(store Store, bookings BookingService) *Service {
	return &Service{store: store, bookings: bookings}
}

// Create rates the other party of a completed booking. The ratee is
// derived from the booking, never taken from the caller.
func (s *Service) Create(ctx context.Context, bookingID, raterID string, stars int, comment string) (*Rating, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	if stars < 1 || stars > 5 {
		return nil, ErrInvalidStars
	}

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusCompleted {
		return nil, ErrBookingNotRatable
	}

	var rateeID string
	switch raterID {
	case b.SeekerID:
		rateeID = b.ProviderID
	case b.ProviderID:
		rateeID = b.SeekerID
	default:
		return nil, ErrUnauthorized
	}

	if existing, err := s.store.GetByBookingAndRater(ctx, bookingID, raterID); err == nil && existing != nil {
		return nil, ErrAlreadyRated
	}

	r := &Rating{
		ID:        idgen.WithPrefix("rat_"),
		BookingID: bookingID,
		RaterID:   raterID,
		RateeID:   rateeID,
		Stars:     stars,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}
	return r, nil
}

// Respond attaches the ratee's one public response.
func (s *Service) Respond(ctx context.Context, id, userID, response string) (*Rating, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RateeID != userID {
		return nil, ErrUnauthorized
	}
	if r.Response != "" {
		return nil, ErrAlreadyResponded
	}

	now := time.Now()
	if err := s.store.SetResponse(ctx, id, response, now); err != nil {
		return nil, err
	}
	r.Response = response
	r.RespondedAt = &now
	return r, nil
}

// Get returns a rating by ID.
func (s *Service) Get(ctx context.Context, id string) (*Rating, error) {
	return s.store.Get(ctx, id)
}

// ListForUser returns the ratings a user has received, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Rating, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByRatee(ctx, userID, limit)
}

// SummaryFor returns the rating count and average for a user.
func (s *Service) SummaryFor(ctx context.Context, userID string) (*Summary, error) {
	return s.store.Summarize(ctx, userID)
}
