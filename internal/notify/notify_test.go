package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const userID = "usr_subscriber000001"

func TestSubscribeRequiresHTTPS(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	if _, _, err := d.Subscribe(context.Background(), userID, "http://example.com/hook",
		[]string{EventBookingConfirmed}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
}

func TestSubscribeRejectsUnknownEvents(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	if _, _, err := d.Subscribe(context.Background(), userID, "https://example.com/hook",
		[]string{"booking.exploded"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestSubscribeReturnsSecretOnce(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	sub, secret, err := d.Subscribe(context.Background(), userID, "https://example.com/hook",
		[]string{EventBookingConfirmed, EventDisputeFiled})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if secret == "" {
		t.Fatal("expected a signing secret")
	}
	if !sub.Active {
		t.Fatal("expected new subscription to be active")
	}
	// The secret is never serialized on the subscription itself.
	raw, _ := json.Marshal(sub)
	if strings.Contains(string(raw), secret) {
		t.Fatal("secret leaked through subscription JSON")
	}
}

func TestUnsubscribeOnlyByOwner(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())
	ctx := context.Background()

	sub, _, err := d.Subscribe(ctx, userID, "https://example.com/hook", []string{EventBookingConfirmed})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := d.Unsubscribe(ctx, sub.ID, "usr_imposter00000001"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected not-found for foreign unsubscribe, got %v", err)
	}
	if err := d.Unsubscribe(ctx, sub.ID, userID); err != nil {
		t.Fatalf("owner unsubscribe: %v", err)
	}
}

func TestPublishDeliversSignedEvent(t *testing.T) {
	type delivery struct {
		body      []byte
		signature string
		eventType string
	}
	received := make(chan delivery, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{
			body:      body,
			signature: r.Header.Get("X-Tokenbook-Signature"),
			eventType: r.Header.Get("X-Tokenbook-Event"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store)

	// Planted directly so the test endpoint can be plain HTTP.
	const secret = "whs_testsecret"
	sub := &Subscription{
		ID:        "sub_test",
		UserID:    userID,
		URL:       srv.URL,
		Secret:    secret,
		Events:    []string{EventBookingConfirmed},
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("plant subscription: %v", err)
	}

	d.Publish(context.Background(), EventBookingConfirmed, map[string]string{"bookingId": "bkg_1"})

	select {
	case got := <-received:
		if got.eventType != EventBookingConfirmed {
			t.Fatalf("expected event header %s, got %s", EventBookingConfirmed, got.eventType)
		}
		if got.signature != Sign(got.body, secret) {
			t.Fatal("signature does not verify against the payload")
		}
		var event Event
		if err := json.Unmarshal(got.body, &event); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if event.Type != EventBookingConfirmed {
			t.Fatalf("expected event type in body, got %s", event.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery within 3s")
	}
}

func TestPublishSkipsInactiveAndUnmatched(t *testing.T) {
	received := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store)
	ctx := context.Background()

	inactive := &Subscription{
		ID: "sub_inactive", UserID: userID, URL: srv.URL, Secret: "s",
		Events: []string{EventBookingConfirmed}, Active: false, CreatedAt: time.Now(),
	}
	otherEvent := &Subscription{
		ID: "sub_other", UserID: userID, URL: srv.URL, Secret: "s",
		Events: []string{EventWithdrawalApproved}, Active: true, CreatedAt: time.Now(),
	}
	store.Create(ctx, inactive)
	store.Create(ctx, otherEvent)

	d.Publish(ctx, EventBookingConfirmed, map[string]string{"bookingId": "bkg_1"})

	select {
	case <-received:
		t.Fatal("unexpected delivery to inactive or unmatched subscription")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeliveryFailureRecordedOnSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store)
	ctx := context.Background()

	sub := &Subscription{
		ID: "sub_failing", UserID: userID, URL: srv.URL, Secret: "s",
		Events: []string{EventBookingConfirmed}, Active: true, CreatedAt: time.Now(),
	}
	store.Create(ctx, sub)

	d.Publish(ctx, EventBookingConfirmed, map[string]string{"bookingId": "bkg_1"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, sub.ID)
		if err == nil && got.LastError != "" {
			if got.LastError != "status 500" {
				t.Fatalf("expected last error 'status 500', got %q", got.LastError)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("delivery failure never recorded")
}
