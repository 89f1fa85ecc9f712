package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/model"
)

// fakeWebhookPayload is the JSON shape Fake's ParseWebhook expects. Tests
// construct this directly instead of a real Stripe event envelope.
type fakeWebhookPayload struct {
	PaymentIntentID string `json:"payment_intent_id"`
	UserID          string `json:"user_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	Paid            bool   `json:"paid"`
}

// Fake is an in-memory Processor for tests and local development without a
// Stripe account. Signature verification is a fixed shared secret rather
// than HMAC; RefundPayment can be made to fail per payment intent via
// FailRefund, exercising withdrawal's partial-success path.
type Fake struct {
	mu           sync.Mutex
	secret       string
	sessions     map[string]uuid.UUID
	failRefunds  map[string]bool
	refundSeq    int
	checkoutSeq  int
}

// NewFake returns a Fake Processor that accepts webhooks signed with secret.
func NewFake(secret string) *Fake {
	return &Fake{
		secret:      secret,
		sessions:    make(map[string]uuid.UUID),
		failRefunds: make(map[string]bool),
	}
}

// FailRefund marks paymentIntentID so every later RefundPayment against it
// returns apperr.ProcessorError, simulating a card-issuer decline.
func (f *Fake) FailRefund(paymentIntentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRefunds[paymentIntentID] = true
}

func (f *Fake) CreateCheckoutSession(_ context.Context, userID uuid.UUID, amountMinor model.Tokens, currency model.Currency, successURL, cancelURL string) (*CheckoutSession, error) {
	if amountMinor <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "checkout amount must be positive")
	}
	f.mu.Lock()
	f.checkoutSeq++
	sessionID := fmt.Sprintf("cs_fake_%d", f.checkoutSeq)
	f.sessions[sessionID] = userID
	f.mu.Unlock()

	return &CheckoutSession{
		SessionID: sessionID,
		URL:       fmt.Sprintf("https://fake-checkout.local/%s?success=%s&cancel=%s", sessionID, successURL, cancelURL),
	}, nil
}

func (f *Fake) ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if signatureHeader != f.secret {
		return nil, apperr.New(apperr.InvalidSignature, "webhook signature mismatch")
	}
	var p fakeWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, "malformed webhook payload", err)
	}
	if !p.Paid {
		return nil, nil
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "malformed user id in webhook", err)
	}
	return &WebhookEvent{
		PaymentIntentID: p.PaymentIntentID,
		UserID:          userID,
		AmountMinor:     model.Tokens(p.AmountMinor),
		Currency:        model.Currency(p.Currency),
		Paid:            true,
	}, nil
}

func (f *Fake) RefundPayment(_ context.Context, paymentIntentID string, _ model.Tokens) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefunds[paymentIntentID] {
		return "", apperr.New(apperr.ProcessorError, "refund declined by processor")
	}
	f.refundSeq++
	return fmt.Sprintf("re_fake_%d", f.refundSeq), nil
}
