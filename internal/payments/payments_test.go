package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tokenbook/tokenbook/internal/ledger"
)

const userID = "usr_buyer00000000001"

func newService(t *testing.T, secretKey, webhookSecret string) (*Service, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	svc := NewService(led, Config{
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
		RateINR:       100,
		MinTokens:     10,
		MaxTokens:     10000,
		SuccessURL:    "https://example.com/success",
		CancelURL:     "https://example.com/cancel",
	})
	return svc, led
}

// signPayload builds a Stripe-Signature header the way Stripe does:
// HMAC-SHA256 over "<timestamp>.<payload>".
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func completedEvent(eventID string, tokens int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_123",
				"metadata": {
					"user_id": %q,
					"tokens": "%d",
					"checkout_id": "chk_abc"
				}
			}
		}
	}`, eventID, userID, tokens))
}

func TestDemoCheckoutCreditsImmediately(t *testing.T) {
	svc, led := newService(t, "", "")
	ctx := context.Background()

	co, err := svc.CreateCheckout(ctx, userID, 100)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !co.Demo {
		t.Fatal("expected demo checkout without a stripe key")
	}
	if co.AmountINR != 10000 {
		t.Fatalf("expected 10000 INR for 100 tokens, got %d", co.AmountINR)
	}

	w, err := led.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Available != 100 {
		t.Fatalf("expected 100 tokens credited, got %d", w.Available)
	}
}

func TestCheckoutAmountLimits(t *testing.T) {
	svc, _ := newService(t, "", "")
	ctx := context.Background()

	for _, tokens := range []int64{5, 10001} {
		if _, err := svc.CreateCheckout(ctx, userID, tokens); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("tokens=%d: expected ErrInvalidAmount, got %v", tokens, err)
		}
	}
}

func TestWebhookCreditsOnCompletedSession(t *testing.T) {
	const secret = "whsec_testsecret"
	svc, led := newService(t, "sk_test_x", secret)
	ctx := context.Background()

	payload := completedEvent("evt_001", 250)
	sig := signPayload(payload, secret, time.Now())

	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	w, err := led.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Available != 250 {
		t.Fatalf("expected 250 tokens, got %d", w.Available)
	}
}

func TestWebhookReplayDoesNotDoubleCredit(t *testing.T) {
	const secret = "whsec_testsecret"
	svc, led := newService(t, "sk_test_x", secret)
	ctx := context.Background()

	payload := completedEvent("evt_replay", 100)
	for i := 0; i < 3; i++ {
		sig := signPayload(payload, secret, time.Now())
		if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	w, _ := led.GetWallet(ctx, userID)
	if w.Available != 100 {
		t.Fatalf("expected exactly 100 tokens after replays, got %d", w.Available)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc, led := newService(t, "sk_test_x", "whsec_real")
	ctx := context.Background()

	payload := completedEvent("evt_bad", 100)
	sig := signPayload(payload, "whsec_wrong", time.Now())

	if err := svc.HandleWebhook(ctx, payload, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	w, err := led.GetWallet(ctx, userID)
	if err == nil && w.Available != 0 {
		t.Fatalf("expected no credit on bad signature, got %d", w.Available)
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	const secret = "whsec_testsecret"
	svc, _ := newService(t, "sk_test_x", secret)

	payload := []byte(`{"id": "evt_other", "type": "invoice.paid", "data": {"object": {}}}`)
	sig := signPayload(payload, secret, time.Now())

	if err := svc.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("expected unhandled event to be acknowledged, got %v", err)
	}
}
