package deposit

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/store/memstore"
	"github.com/peerpush/chally-core/internal/wallet"
)

func newTestPipeline(dailyCap int64) (*Pipeline, *payment.Fake) {
	s := memstore.New()
	l := ledger.New(s)
	w := wallet.New(s, l)
	fake := payment.NewFake("test-secret")
	return New(w, l, fake, 1, dailyCap, "USD"), fake
}

func TestBeginDeposit_RejectsOverDailyCap(t *testing.T) {
	p, _ := newTestPipeline(1000)
	userID := uuid.New()

	if _, err := p.BeginDeposit(context.Background(), userID, 1000, "https://ok", "https://cancel"); err != nil {
		t.Fatalf("expected cap boundary to succeed, got %v", err)
	}
	// A checkout writes nothing to the ledger; the cap is consumed once the
	// payment is confirmed.
	if _, err := p.OnPaymentConfirmed(context.Background(), &payment.WebhookEvent{PaymentIntentID: "pi_cap", UserID: userID, AmountMinor: 1000, Currency: "USD", Paid: true}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := p.BeginDeposit(context.Background(), userID, 1, "https://ok", "https://cancel"); !apperr.Is(err, apperr.DailyLimit) {
		t.Fatalf("expected DailyLimit after cap exhausted, got %v", err)
	}
}

func TestBeginDeposit_RejectsNonPositiveTokens(t *testing.T) {
	p, _ := newTestPipeline(1000)
	if _, err := p.BeginDeposit(context.Background(), uuid.New(), 0, "https://ok", "https://cancel"); !apperr.Is(err, apperr.InvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
}

func TestOnPaymentConfirmed_CreditsWallet(t *testing.T) {
	p, _ := newTestPipeline(100000)
	userID := uuid.New()

	entry, err := p.OnPaymentConfirmed(context.Background(), &payment.WebhookEvent{
		PaymentIntentID: "pi_1",
		UserID:          userID,
		AmountMinor:     500,
		Currency:        "USD",
		Paid:            true,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if entry.Amount != 500 {
		t.Fatalf("expected 500 tokens credited, got %d", entry.Amount)
	}
}

func TestOnPaymentConfirmed_ReplayIsIdempotent(t *testing.T) {
	p, _ := newTestPipeline(100000)
	userID := uuid.New()
	event := &payment.WebhookEvent{PaymentIntentID: "pi_replay", UserID: userID, AmountMinor: 500, Currency: "USD", Paid: true}

	first, err := p.OnPaymentConfirmed(context.Background(), event)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	for i := 0; i < 9; i++ {
		replay, err := p.OnPaymentConfirmed(context.Background(), event)
		if !apperr.Is(err, apperr.Duplicate) {
			t.Fatalf("replay %d: expected Duplicate, got %v", i, err)
		}
		if replay.ID != first.ID {
			t.Fatalf("replay %d: expected same entry ID", i)
		}
	}

	bal, err := p.wallet.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 500 {
		t.Fatalf("expected balance 500 after 10 deliveries, got %d", bal)
	}
}

// TestOnPaymentConfirmed_ReplayNearDailyCapStillAcknowledges pins a webhook
// deposit large enough that, once credited, its own amount already leaves
// less daily headroom than the deposit itself — replaying the same event
// must still resolve as a duplicate, not spuriously fail the cap check and
// leave the processor retrying forever.
func TestOnPaymentConfirmed_ReplayNearDailyCapStillAcknowledges(t *testing.T) {
	p, _ := newTestPipeline(100000)
	userID := uuid.New()
	event := &payment.WebhookEvent{PaymentIntentID: "pi_near_cap", UserID: userID, AmountMinor: 60000, Currency: "USD", Paid: true}

	first, err := p.OnPaymentConfirmed(context.Background(), event)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}

	replay, err := p.OnPaymentConfirmed(context.Background(), event)
	if !apperr.Is(err, apperr.Duplicate) {
		t.Fatalf("replay: expected Duplicate, got %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay: expected same entry ID")
	}

	bal, err := p.wallet.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 60000 {
		t.Fatalf("expected balance 60000 after replay, got %d", bal)
	}
}

func TestOnPaymentConfirmed_IgnoresUnpaidEvent(t *testing.T) {
	p, _ := newTestPipeline(100000)
	entry, err := p.OnPaymentConfirmed(context.Background(), &payment.WebhookEvent{Paid: false})
	if err != nil || entry != nil {
		t.Fatalf("expected no-op for unpaid event, got entry=%v err=%v", entry, err)
	}
}

func TestOnPaymentConfirmed_NilEventIsNoOp(t *testing.T) {
	p, _ := newTestPipeline(100000)
	entry, err := p.OnPaymentConfirmed(context.Background(), nil)
	if err != nil || entry != nil {
		t.Fatalf("expected no-op for nil event, got entry=%v err=%v", entry, err)
	}
}

func TestPipeline_ParsesFakeWebhookSignature(t *testing.T) {
	_, fake := newTestPipeline(100000)
	if _, err := fake.ParseWebhook([]byte(`{}`), "wrong-secret"); !apperr.Is(err, apperr.InvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}
