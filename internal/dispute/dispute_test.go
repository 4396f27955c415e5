package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/ledger"
)

type fixture struct {
	disputes *Service
	bookings *booking.Service
	ledger   *ledger.Ledger
}

const (
	seekerID   = "usr_seeker00000000001"
	providerID = "usr_provider0000000001"
	staffID    = "usr_staff00000000001"
	managerID  = "usr_manager0000000001"
)

var (
	seeker   = booking.Actor{ID: seekerID}
	provider = booking.Actor{ID: providerID}
	staff    = Actor{ID: staffID, Staff: true}
	manager  = Actor{ID: managerID, Staff: true, Manager: true}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	if err := led.Purchase(context.Background(), seekerID, 1000, "seed"); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	bookings := booking.NewService(booking.NewMemoryStore(), led)
	disputes := NewService(NewMemoryStore(), led, bookings)
	return &fixture{disputes: disputes, bookings: bookings, ledger: led}
}

// disputedBooking drives a booking to DISPUTED with escrow held.
func (f *fixture) disputedBooking(t *testing.T, price int64) (*booking.Booking, *Dispute) {
	t.Helper()
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   60,
		Price:      price,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if _, err := f.bookings.Confirm(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	d, err := f.disputes.File(ctx, b.ID, seekerID, TypeNoShow, "provider no-show", nil)
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	return b, d
}

func TestFileRequiresBookingParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   60,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if _, err := f.bookings.Confirm(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := f.disputes.File(ctx, b.ID, "usr_stranger000000001", TypeOther, "not my booking", nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFileFreezesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, d := f.disputedBooking(t, 200)

	if d.Status != StatusOpen {
		t.Fatalf("expected OPEN, got %s", d.Status)
	}
	got, err := f.bookings.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.Status != booking.StatusDisputed {
		t.Fatalf("expected booking DISPUTED, got %s", got.Status)
	}

	// Escrow untouched while frozen.
	w, err := f.ledger.GetWallet(ctx, seekerID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Escrow != 200 {
		t.Fatalf("expected 200 in escrow, got %d", w.Escrow)
	}
}

func TestFileRejectsPendingBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   60,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}

	if _, err := f.disputes.File(ctx, b.ID, seekerID, TypeOther, "too early", nil); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFileRejectsDuplicateDispute(t *testing.T) {
	f := newFixture(t)
	b, _ := f.disputedBooking(t, 150)

	if _, err := f.disputes.File(context.Background(), b.ID, providerID, TypeOther, "me too", nil); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}
}

func TestFileRecordsTypeAndEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeOutcall,
		Duration:   60,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if _, err := f.bookings.Confirm(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	evidence := []string{"https://cdn.example.com/chat-log.png", "https://cdn.example.com/receipt.pdf"}
	d, err := f.disputes.File(ctx, b.ID, seekerID, TypeServiceQuality, "half the session was skipped", evidence)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if d.Type != TypeServiceQuality {
		t.Fatalf("expected SERVICE_QUALITY, got %s", d.Type)
	}
	if len(d.Evidence) != 2 {
		t.Fatalf("expected 2 evidence items, got %v", d.Evidence)
	}

	got, err := f.disputes.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != TypeServiceQuality || len(got.Evidence) != 2 {
		t.Fatalf("stored type/evidence = %s/%v", got.Type, got.Evidence)
	}
}

func TestFileDefaultsUnknownType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.bookings.Create(ctx, seekerID, booking.CreateRequest{
		ProviderID: providerID,
		Type:       booking.TypeIncall,
		Duration:   30,
		Price:      100,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if _, err := f.bookings.Confirm(ctx, b.ID, provider, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	d, err := f.disputes.File(ctx, b.ID, seekerID, Type("GRIPE"), "something off", nil)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if d.Type != TypeOther {
		t.Fatalf("expected OTHER for unknown type, got %s", d.Type)
	}
}

func TestAssignRequiresStaff(t *testing.T) {
	f := newFixture(t)
	_, d := f.disputedBooking(t, 100)

	if _, err := f.disputes.Assign(context.Background(), d.ID, staffID, Actor{ID: seekerID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAssignMovesToInvestigating(t *testing.T) {
	f := newFixture(t)
	_, d := f.disputedBooking(t, 100)

	got, err := f.disputes.Assign(context.Background(), d.ID, staffID, staff)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != StatusInvestigating || got.AssignedTo != staffID {
		t.Fatalf("expected INVESTIGATING assigned to staff, got %s/%s", got.Status, got.AssignedTo)
	}
}

func TestResolvePartialSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, d := f.disputedBooking(t, 300)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	resolved, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{
		RefundAmount:  100,
		ReleaseAmount: 200,
		Note:          "partial service delivered",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", resolved.Status)
	}

	sw, _ := f.ledger.GetWallet(ctx, seekerID)
	pw, _ := f.ledger.GetWallet(ctx, providerID)
	if sw.Escrow != 0 {
		t.Fatalf("expected empty escrow, got %d", sw.Escrow)
	}
	if sw.Available != 1000-300+100 {
		t.Fatalf("expected seeker available 800, got %d", sw.Available)
	}
	if pw.Available != 200 {
		t.Fatalf("expected provider available 200, got %d", pw.Available)
	}

	got, err := f.bookings.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.Status != booking.StatusCompleted {
		t.Fatalf("expected booking COMPLETED, got %s", got.Status)
	}
}

func TestResolveFullRefundCancelsBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, d := f.disputedBooking(t, 250)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{
		RefundAmount:  250,
		ReleaseAmount: 0,
		Note:          "service never delivered",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	sw, _ := f.ledger.GetWallet(ctx, seekerID)
	if sw.Available != 1000 || sw.Escrow != 0 {
		t.Fatalf("expected seeker fully refunded, got available=%d escrow=%d", sw.Available, sw.Escrow)
	}

	got, err := f.bookings.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got.Status != booking.StatusCancelled {
		t.Fatalf("expected booking CANCELLED, got %s", got.Status)
	}
}

func TestResolveRejectsBadSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 300)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}

	cases := []ResolveRequest{
		{RefundAmount: 100, ReleaseAmount: 100}, // sum under price
		{RefundAmount: 200, ReleaseAmount: 200}, // sum over price
		{RefundAmount: -50, ReleaseAmount: 350}, // negative leg
	}
	for _, req := range cases {
		if _, err := f.disputes.Resolve(ctx, d.ID, staff, req); !errors.Is(err, ErrInvalidSplit) {
			t.Fatalf("refund=%d release=%d: expected ErrInvalidSplit, got %v",
				req.RefundAmount, req.ReleaseAmount, err)
		}
	}

	// Escrow untouched after rejected splits.
	sw, _ := f.ledger.GetWallet(ctx, seekerID)
	if sw.Escrow != 300 {
		t.Fatalf("expected escrow intact at 300, got %d", sw.Escrow)
	}
}

func TestResolveRequiresAssigneeOrManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 100)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}

	other := Actor{ID: "usr_otherstaff0000001", Staff: true}
	if _, err := f.disputes.Resolve(ctx, d.ID, other, ResolveRequest{RefundAmount: 100}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unassigned staff, got %v", err)
	}

	// A manager may resolve without being assigned.
	if _, err := f.disputes.Resolve(ctx, d.ID, manager, ResolveRequest{RefundAmount: 100}); err != nil {
		t.Fatalf("manager resolve: %v", err)
	}
}

func TestResolveFromOpenWithoutAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 100)

	// Non-staff cannot resolve, even an unassigned case.
	if _, err := f.disputes.Resolve(ctx, d.ID, Actor{ID: seekerID}, ResolveRequest{RefundAmount: 100}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Staff may resolve straight from OPEN without an assignment step.
	resolved, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{RefundAmount: 100, Note: "clear cut"})
	if err != nil {
		t.Fatalf("resolve from OPEN: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", resolved.Status)
	}
}

func TestResolveRejectsSettledDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 100)

	if _, err := f.disputes.Resolve(ctx, d.ID, manager, ResolveRequest{RefundAmount: 100}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, manager, ResolveRequest{RefundAmount: 100}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second resolve, got %v", err)
	}
}

func TestAppealFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 200)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{RefundAmount: 0, ReleaseAmount: 200}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	appealed, err := f.disputes.Appeal(ctx, d.ID, seekerID, "evidence was ignored")
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if appealed.Status != StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", appealed.Status)
	}

	// Only a manager can close an appeal.
	if _, err := f.disputes.CloseAppeal(ctx, d.ID, staff, "done"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-manager close, got %v", err)
	}
	closed, err := f.disputes.CloseAppeal(ctx, d.ID, manager, "resolution upheld")
	if err != nil {
		t.Fatalf("close appeal: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Fatalf("expected CLOSED, got %s", closed.Status)
	}

	// Settlement is final: wallets unchanged by the appeal review.
	pw, _ := f.ledger.GetWallet(ctx, providerID)
	if pw.Available != 200 {
		t.Fatalf("expected provider to keep 200, got %d", pw.Available)
	}
}

func TestAppealWindowEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 100)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{RefundAmount: 100}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Backdate the resolution past the window.
	stored, err := f.disputes.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	old := stored.ResolvedAt.Add(-AppealWindow - time.Hour)
	stored.ResolvedAt = &old
	if err := f.disputes.store.Update(ctx, stored); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := f.disputes.Appeal(ctx, d.ID, seekerID, "too late"); !errors.Is(err, ErrAppealWindow) {
		t.Fatalf("expected ErrAppealWindow, got %v", err)
	}
}

func TestAppealOnlyByReporter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 100) // filed by the seeker

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{RefundAmount: 100}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The other booking party cannot appeal, only the reporter.
	if _, err := f.disputes.Appeal(ctx, d.ID, providerID, "I disagree"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-reporter party, got %v", err)
	}
	if _, err := f.disputes.Appeal(ctx, d.ID, "usr_stranger000000001", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}

	appealed, err := f.disputes.Appeal(ctx, d.ID, seekerID, "decision was wrong")
	if err != nil {
		t.Fatalf("reporter appeal: %v", err)
	}
	if appealed.AppealedBy != seekerID {
		t.Fatalf("expected appealedBy = reporter, got %s", appealed.AppealedBy)
	}

	// One appeal per dispute.
	if _, err := f.disputes.Appeal(ctx, d.ID, seekerID, "again"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second appeal, got %v", err)
	}
}

func TestEscrowConservedThroughDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedBooking(t, 400)

	if _, err := f.disputes.Assign(ctx, d.ID, staffID, staff); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, staff, ResolveRequest{RefundAmount: 150, ReleaseAmount: 250}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for _, userID := range []string{seekerID, providerID} {
		report, err := f.ledger.Reconcile(ctx, userID)
		if err != nil {
			t.Fatalf("reconcile %s: %v", userID, err)
		}
		if !report.Consistent {
			t.Fatalf("wallet %s out of balance: %+v", userID, report)
		}
	}
}
