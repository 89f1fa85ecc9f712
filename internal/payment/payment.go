// Package payment abstracts the external card processor behind the
// interface the deposit and withdrawal components need: start a checkout,
// verify a webhook, issue a refund. internal/payment/stripeclient.go is the
// production implementation; Fake (fake.go) backs tests without network calls.
package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/model"
)

// CheckoutSession is returned to the caller so it can redirect the user to
// pay.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// WebhookEvent is the processor-agnostic shape ParseWebhook normalizes
// checkout.session.completed and payment_intent.succeeded events into.
type WebhookEvent struct {
	PaymentIntentID string
	UserID          uuid.UUID
	AmountMinor     model.Tokens
	Currency        model.Currency
	Paid            bool
}

// Processor is the external card-payment collaborator.
type Processor interface {
	// CreateCheckoutSession starts a hosted checkout for a deposit of
	// amountMinor in currency, tagging the session with userID so the
	// webhook can attribute the resulting payment.
	CreateCheckoutSession(ctx context.Context, userID uuid.UUID, amountMinor model.Tokens, currency model.Currency, successURL, cancelURL string) (*CheckoutSession, error)

	// ParseWebhook verifies signature against payload using the
	// processor's HMAC scheme and, for a recognized paid event, returns
	// the normalized WebhookEvent. Unrecognized event types return
	// (nil, nil) so the caller can 200 the delivery without acting.
	ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)

	// RefundPayment refunds amountMinor of paymentIntentID and returns the
	// processor's refund identifier for audit linkage.
	RefundPayment(ctx context.Context, paymentIntentID string, amountMinor model.Tokens) (externalRefundID string, err error)
}
