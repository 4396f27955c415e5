// Package payments sells token packs through Stripe Checkout.
//
// Tokens are credited only from the checkout.session.completed webhook,
// never from the redirect, and the Stripe event ID is the ledger
// reference so a replayed webhook cannot double-credit.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/ledger"
	"github.com/tokenbook/tokenbook/internal/logging"
)

var (
	ErrInvalidAmount    = errors.New("token amount outside the allowed purchase range")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrNotConfigured    = errors.New("stripe is not configured")
)

// Checkout is a pending token purchase.
type Checkout struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Tokens      int64     `json:"tokens"`
	AmountINR   int64     `json:"amountInr"`
	CheckoutURL string    `json:"checkoutUrl,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Demo        bool      `json:"demo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LedgerService credits purchased tokens.
type LedgerService interface {
	Purchase(ctx context.Context, userID string, amount int64, reference string) error
}

// Config holds the Stripe keys and purchase limits.
type Config struct {
	SecretKey     string
	WebhookSecret string
	RateINR       int64 // INR per token
	MinTokens     int64
	MaxTokens     int64
	SuccessURL    string
	CancelURL     string
}

// Service implements token purchase business logic.
type Service struct {
	ledger LedgerService
	cfg    Config
}

// NewService creates a payments service. An empty SecretKey puts the
// service in demo mode: checkouts are created but credit instantly.
func NewService(ledger LedgerService, cfg Config) *Service {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Service{ledger: ledger, cfg: cfg}
}

// Configured reports whether live Stripe payments are enabled.
func (s *Service) Configured() bool {
	return s.cfg.SecretKey != ""
}

// CreateCheckout starts a token purchase. In demo mode the tokens are
// credited immediately with the checkout ID as the ledger reference.
func (s *Service) CreateCheckout(ctx context.Context, userID string, tokens int64) (*Checkout, error) {
	if tokens < s.cfg.MinTokens || (s.cfg.MaxTokens > 0 && tokens > s.cfg.MaxTokens) {
		return nil, fmt.Errorf("%w: %d tokens", ErrInvalidAmount, tokens)
	}

	co := &Checkout{
		ID:        idgen.WithPrefix("chk_"),
		UserID:    userID,
		Tokens:    tokens,
		AmountINR: tokens * s.cfg.RateINR,
		CreatedAt: time.Now(),
	}

	if !s.Configured() {
		co.Demo = true
		if err := s.ledger.Purchase(ctx, userID, tokens, co.ID); err != nil {
			return nil, err
		}
		return co, nil
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("inr"),
				UnitAmount: stripe.Int64(co.AmountINR * 100), // paise
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d tokens", tokens)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("tokens", fmt.Sprintf("%d", tokens))
	params.AddMetadata("checkout_id", co.ID)

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	co.SessionID = sess.ID
	co.CheckoutURL = sess.URL
	return co, nil
}

// HandleWebhook verifies and processes a Stripe webhook delivery.
// Replays of an already-credited event are acknowledged, not errors.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrNotConfigured
	}

	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	default:
		logging.L(ctx).Debug("ignoring stripe event", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	tokens, err := parseTokens(sess.Metadata["tokens"])
	if err != nil || userID == "" {
		return fmt.Errorf("checkout session %s missing purchase metadata", sess.ID)
	}

	// Event ID as reference makes the credit idempotent.
	if err := s.ledger.Purchase(ctx, userID, tokens, event.ID); err != nil {
		if errors.Is(err, ledger.ErrDuplicatePurchase) {
			logging.L(ctx).Info("stripe event already credited", "event_id", event.ID)
			return nil
		}
		return fmt.Errorf("failed to credit purchase: %w", err)
	}

	logging.L(ctx).Info("tokens credited",
		"user_id", userID, "tokens", tokens, "event_id", event.ID)
	return nil
}

func parseTokens(s string) (int64, error) {
	var tokens int64
	if _, err := fmt.Sscanf(s, "%d", &tokens); err != nil {
		return 0, err
	}
	if tokens <= 0 {
		return 0, errors.New("non-positive token amount")
	}
	return tokens, nil
}
