package payment

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/model"
)

// Stripe is the production Processor, backed by stripe-go. One Stripe value
// is safe for concurrent use; the underlying client is stateless per call.
type Stripe struct {
	client        *client.API
	webhookSecret string
}

// NewStripe returns a Stripe Processor authenticated with secretKey.
// webhookSecret verifies the Stripe-Signature header on incoming webhooks.
func NewStripe(secretKey, webhookSecret string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{client: api, webhookSecret: webhookSecret}
}

func (s *Stripe) CreateCheckoutSession(_ context.Context, userID uuid.UUID, amountMinor model.Tokens, currency model.Currency, successURL, cancelURL string) (*CheckoutSession, error) {
	if amountMinor <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "checkout amount must be positive")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(userID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Token top-up"),
					},
					UnitAmount: stripe.Int64(int64(amountMinor)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"user_id": userID.String(),
			},
		},
		SuccessURL: stripe.String(successURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(cancelURL),
	}

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProcessorError, "create checkout session", err)
	}
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, "webhook signature verification failed", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode checkout session event", err)
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, nil
		}
		userID, err := resolveUserID(sess.ClientReferenceID, sess.PaymentIntent)
		if err != nil {
			return nil, err
		}
		return &WebhookEvent{
			PaymentIntentID: paymentIntentID(sess.PaymentIntent),
			UserID:          userID,
			AmountMinor:     model.Tokens(sess.AmountTotal),
			Currency:        model.Currency(sess.Currency),
			Paid:            true,
		}, nil

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode payment intent event", err)
		}
		if pi.Status != stripe.PaymentIntentStatusSucceeded {
			return nil, nil
		}
		rawUserID := pi.Metadata["user_id"]
		userID, err := uuid.Parse(rawUserID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "payment intent missing user_id metadata", err)
		}
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		return &WebhookEvent{
			PaymentIntentID: pi.ID,
			UserID:          userID,
			AmountMinor:     model.Tokens(amount),
			Currency:        model.Currency(pi.Currency),
			Paid:            true,
		}, nil

	default:
		return nil, nil
	}
}

func (s *Stripe) RefundPayment(_ context.Context, paymentIntentID string, amountMinor model.Tokens) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(int64(amountMinor)),
	}
	r, err := s.client.Refunds.New(params)
	if err != nil {
		return "", apperr.Wrap(apperr.ProcessorError, "refund declined by processor", err)
	}
	return r.ID, nil
}

func resolveUserID(clientReferenceID string, pi *stripe.PaymentIntent) (uuid.UUID, error) {
	if clientReferenceID != "" {
		if id, err := uuid.Parse(clientReferenceID); err == nil {
			return id, nil
		}
	}
	if pi != nil {
		if raw, ok := pi.Metadata["user_id"]; ok {
			if id, err := uuid.Parse(raw); err == nil {
				return id, nil
			}
		}
	}
	return uuid.Nil, apperr.New(apperr.Internal, "checkout session missing resolvable user id")
}

func paymentIntentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return pi.ID
}
