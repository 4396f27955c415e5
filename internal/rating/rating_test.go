package rating

import (
	"context"
	"errors"
	"testing"

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/ledger"
)

const (
	seekerID   = "usr_seeker00000000001"
	providerID = "usr_provider0000000001"
)

func newService(t *testing.T) (*Service, *booking.Service) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	if err := led.Purchase(context.Background(), seekerID, 1000, "seed"); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	bookings := booking.NewService(booking.NewMemoryStore(), led)
	return NewService(NewMemoryStore(), bookings), bookings
}

func completedBooking(t *testing.T, bookings *booking.Service) *booking.Booking {
	t.Helper()
	ctx := context.Background()
	provider := booking.Actor{ID: providerID}
	seeker := booking.Actor{ID: seekerID}

	b, err := bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   60,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if _, err := bookings.Confirm(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := bookings.Start(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := bookings.Complete(ctx, b.ID, seeker, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return b
}

func TestRateCompletedBookingBothDirections(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()
	b := completedBooking(t, bookings)

	r1, err := svc.Create(ctx, b.ID, seekerID, 5, "great session")
	if err != nil {
		t.Fatalf("seeker rating: %v", err)
	}
	if r1.RateeID != providerID {
		t.Fatalf("expected ratee %s, got %s", providerID, r1.RateeID)
	}

	r2, err := svc.Create(ctx, b.ID, providerID, 4, "punctual")
	if err != nil {
		t.Fatalf("provider rating: %v", err)
	}
	if r2.RateeID != seekerID {
		t.Fatalf("expected ratee %s, got %s", seekerID, r2.RateeID)
	}
}

func TestRateRejectsSecondRatingSameDirection(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()
	b := completedBooking(t, bookings)

	if _, err := svc.Create(ctx, b.ID, seekerID, 5, ""); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if _, err := svc.Create(ctx, b.ID, seekerID, 1, "changed my mind"); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}
}

func TestRateRequiresCompletedBooking(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()

	b, err := bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   60,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}

	if _, err := svc.Create(ctx, b.ID, seekerID, 5, "premature"); !errors.Is(err, ErrBookingNotRatable) {
		t.Fatalf("expected ErrBookingNotRatable, got %v", err)
	}
}

func TestRateOnlyByBookingParty(t *testing.T) {
	svc, bookings := newService(t)
	b := completedBooking(t, bookings)

	if _, err := svc.Create(context.Background(), b.ID, "usr_stranger00000001", 3, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStarsRange(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()
	b := completedBooking(t, bookings)

	for _, stars := range []int{0, 6, -1} {
		if _, err := svc.Create(ctx, b.ID, seekerID, stars, ""); !errors.Is(err, ErrInvalidStars) {
			t.Fatalf("stars=%d: expected ErrInvalidStars, got %v", stars, err)
		}
	}
}

func TestRespondOnceByRatee(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()
	b := completedBooking(t, bookings)

	r, err := svc.Create(ctx, b.ID, seekerID, 2, "late to start")
	if err != nil {
		t.Fatalf("rating: %v", err)
	}

	if _, err := svc.Respond(ctx, r.ID, seekerID, "responding to myself"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for rater response, got %v", err)
	}

	got, err := svc.Respond(ctx, r.ID, providerID, "traffic, apologies")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Response == "" || got.RespondedAt == nil {
		t.Fatalf("expected response recorded, got %+v", got)
	}

	if _, err := svc.Respond(ctx, r.ID, providerID, "one more thing"); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
}

func TestSummaryAveragesReceivedRatings(t *testing.T) {
	svc, bookings := newService(t)
	ctx := context.Background()

	// Two completed bookings, rated 5 and 4.
	for i, stars := range []int{5, 4} {
		b := completedBooking(t, bookings)
		if _, err := svc.Create(ctx, b.ID, seekerID, stars, ""); err != nil {
			t.Fatalf("rating %d: %v", i, err)
		}
	}

	summary, err := svc.SummaryFor(ctx, providerID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Count != 2 || summary.Average != 4.5 {
		t.Fatalf("expected count=2 average=4.5, got %+v", summary)
	}

	// Users with no ratings get an empty summary, not an error.
	empty, err := svc.SummaryFor(ctx, "usr_unrated000000001")
	if err != nil {
		t.Fatalf("empty summary: %v", err)
	}
	if empty.Count != 0 || empty.Average != 0 {
		t.Fatalf("expected empty summary, got %+v", empty)
	}
}
