// Package notify delivers lifecycle events to subscriber webhooks.
//
// Users register webhook URLs to hear about their bookings, disputes
// and withdrawals. Deliveries are fire-and-forget with an HMAC-SHA256
// signature over the payload so receivers can verify origin.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/logging"
	"github.com/tokenbook/tokenbook/internal/metrics"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidURL           = errors.New("webhook URL must be https")
	ErrInvalidEvent         = errors.New("unknown event type")
)

// Events the platform publishes.
const (
	EventBookingCreated      = "booking.created"
	EventBookingConfirmed    = "booking.confirmed"
	EventBookingStarted      = "booking.started"
	EventBookingCompleted    = "booking.completed"
	EventBookingCancelled    = "booking.cancelled"
	EventBookingDisputed     = "booking.disputed"
	EventDisputeFiled        = "dispute.filed"
	EventDisputeResolved     = "dispute.resolved"
	EventDisputeAppealed     = "dispute.appealed"
	EventDisputeClosed       = "dispute.closed"
	EventWithdrawalRequested = "withdrawal.requested"
	EventWithdrawalApproved  = "withdrawal.approved"
	EventWithdrawalRejected  = "withdrawal.rejected"
	EventWithdrawalCompleted = "withdrawal.completed"
	EventWithdrawalCancelled = "withdrawal.cancelled"
)

var knownEvents = map[string]bool{
	EventBookingCreated:      true,
	EventBookingConfirmed:    true,
	EventBookingStarted:      true,
	EventBookingCompleted:    true,
	EventBookingCancelled:    true,
	EventBookingDisputed:     true,
	EventDisputeFiled:        true,
	EventDisputeResolved:     true,
	EventDisputeAppealed:     true,
	EventDisputeClosed:       true,
	EventWithdrawalRequested: true,
	EventWithdrawalApproved:  true,
	EventWithdrawalRejected:  true,
	EventWithdrawalCompleted: true,
	EventWithdrawalCancelled: true,
}

// ValidEvent reports whether name is a publishable event type.
func ValidEvent(name string) bool {
	return knownEvents[name]
}

// Event is one delivery envelope.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`
	Events      []string   `json:"events"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, event string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Subscribe registers a webhook endpoint. The signing secret is
// generated here and returned exactly once.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, url string, events []string) (*Subscription, string, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, "", ErrInvalidURL
	}
	for _, e := range events {
		if !ValidEvent(e) {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidEvent, e)
		}
	}

	secret := "whs_" + idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := d.store.Create(ctx, sub); err != nil {
		return nil, "", fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, secret, nil
}

// Unsubscribe removes a subscription. Only the owner may remove it.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id, userID string) error {
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return ErrSubscriptionNotFound
	}
	return d.store.Delete(ctx, id)
}

// ListByUser returns a user's subscriptions.
func (d *Dispatcher) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	return d.store.ListByUser(ctx, userID)
}

// Publish fans an event out to every active matching subscriber.
// Delivery is asynchronous; a failed endpoint never blocks the caller.
func (d *Dispatcher) Publish(ctx context.Context, eventType string, payload any) {
	subs, err := d.store.ListByEvent(ctx, eventType)
	if err != nil {
		logging.L(ctx).Error("failed to list webhook subscribers", "event", eventType, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(sub, event)
	}
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	// Detached from the request context: the publish call has already
	// returned by the time this runs.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tokenbook-Event", event.Type)
	req.Header.Set("X-Tokenbook-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	req.Header.Set("X-Tokenbook-Signature", Sign(payload, sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers should verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record webhook success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record webhook failure", "subscription_id", sub.ID, "error", err)
	}
}
