// Package deposit implements the two HTTP-triggered entry points that
// collaborate asynchronously through the payment processor: BeginDeposit
// starts a hosted checkout, OnPaymentConfirmed reacts to the resulting
// webhook. No ledger write happens in BeginDeposit — only the webhook path
// moves money, and it does so idempotently on the payment processor's
// payment intent ID.
package deposit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/wallet"
)

// Pipeline wires together the wallet, ledger and payment processor for the
// deposit flow.
type Pipeline struct {
	wallet          *wallet.Wallet
	ledger          *ledger.Ledger
	processor       payment.Processor
	tokenPriceCents int64
	dailyCapTokens  int64
	currency        model.Currency
	cap             DailyCapCache
}

// New returns a Pipeline. tokenPriceCents converts tokens to the processor's
// minor currency unit; dailyCapTokens bounds each user's DEPOSIT sum per UTC
// day.
func New(w *wallet.Wallet, l *ledger.Ledger, p payment.Processor, tokenPriceCents, dailyCapTokens int64, currency model.Currency) *Pipeline {
	return &Pipeline{wallet: w, ledger: l, processor: p, tokenPriceCents: tokenPriceCents, dailyCapTokens: dailyCapTokens, currency: currency}
}

// WithDailyCapCache attaches a fast-path daily-cap cache to the pipeline.
// Without one, BeginDeposit always sums the ledger directly, which is
// correct but slower under load.
func (p *Pipeline) WithDailyCapCache(cache DailyCapCache) *Pipeline {
	p.cap = cache
	return p
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyRemaining returns how many more tokens userID may deposit before
// today's UTC-day cap is reached.
func (p *Pipeline) DailyRemaining(ctx context.Context, userID uuid.UUID) (model.Tokens, error) {
	since := startOfUTCDay(time.Now())
	depositedToday, err := p.ledger.SumSince(ctx, userID, model.KindDeposit, &since)
	if err != nil {
		return 0, err
	}
	remaining := model.Tokens(p.dailyCapTokens) - depositedToday
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// checkDailyRemaining is the authoritative daily-cap check against
// internal/ledger.SumSince, used whenever the fast cache can't answer.
func (p *Pipeline) checkDailyRemaining(ctx context.Context, userID uuid.UUID, tokens model.Tokens) error {
	remaining, err := p.DailyRemaining(ctx, userID)
	if err != nil {
		return err
	}
	if tokens > remaining {
		return apperr.New(apperr.DailyLimit, "deposit would exceed the daily cap")
	}
	return nil
}

// BeginDeposit validates tokens against the daily cap and starts a checkout
// session. It performs no ledger writes. When a DailyCapCache is attached
// and holds today's total, that cached total alone decides the check; the
// ledger is summed only on a cache miss. A cached total that lags the
// ledger is not detected. OnPaymentConfirmed does not check the cap again.
func (p *Pipeline) BeginDeposit(ctx context.Context, userID uuid.UUID, tokens model.Tokens, successURL, cancelURL string) (*payment.CheckoutSession, error) {
	if tokens <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "tokens must be positive")
	}

	if p.cap != nil {
		if cached, ok := p.cap.Get(ctx, userID, time.Now()); ok {
			if cached+tokens > model.Tokens(p.dailyCapTokens) {
				return nil, apperr.New(apperr.DailyLimit, "deposit would exceed the daily cap")
			}
		} else if err := p.checkDailyRemaining(ctx, userID, tokens); err != nil {
			return nil, err
		}
	} else if err := p.checkDailyRemaining(ctx, userID, tokens); err != nil {
		return nil, err
	}

	amountMinor := model.Tokens(int64(tokens) * p.tokenPriceCents)
	sess, err := p.processor.CreateCheckoutSession(ctx, userID, amountMinor, p.currency, successURL, cancelURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProcessorError, "create checkout session", err)
	}
	return sess, nil
}

// OnPaymentConfirmed credits userID's wallet for a webhook event already
// verified and normalized by payment.Processor.ParseWebhook. It is safe to
// call any number of times with the same event: the underlying Credit is
// idempotent on the payment intent ID, so replays return the original
// ledger entry and an apperr.Duplicate error that callers should treat as
// success. The daily cap is only ever enforced in BeginDeposit — re-checking
// it here would let a redelivery of an already-successful webhook fail on
// its own contribution to the day's total, leaving the processor unable to
// ever get an acknowledgment for that event.
func (p *Pipeline) OnPaymentConfirmed(ctx context.Context, event *payment.WebhookEvent) (*model.LedgerEntry, error) {
	if event == nil || !event.Paid {
		return nil, nil
	}
	tokens := event.AmountMinor / model.Tokens(p.tokenPriceCents)
	if tokens <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "webhook amount converts to zero tokens")
	}

	extID := event.PaymentIntentID
	entry, err := p.wallet.Credit(ctx, event.UserID, model.KindDeposit, tokens, event.Currency, &extID, &extID, "stripe deposit")
	if err != nil && !apperr.Is(err, apperr.Duplicate) {
		return nil, err
	}
	if err == nil {
		metrics.DepositsTotal.Inc()
		if p.cap != nil {
			p.cap.Add(ctx, event.UserID, time.Now(), tokens)
		}
	}
	return entry, err
}
