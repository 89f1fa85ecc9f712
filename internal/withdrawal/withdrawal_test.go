package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/store/memstore"
	"github.com/peerpush/chally-core/internal/wallet"
)

func alwaysEnabled() bool { return true }

func newTestEngine() (*Engine, *wallet.Wallet, *payment.Fake) {
	s := memstore.New()
	l := ledger.New(s)
	w := wallet.New(s, l)
	fake := payment.NewFake("secret")
	e := New(s, l, fake, 1, 90*24*time.Hour, alwaysEnabled)
	return e, w, fake
}

func strPtr(s string) *string { return &s }

func TestWithdraw_FIFORefundAcrossTwoDeposits(t *testing.T) {
	e, w, _ := newTestEngine()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 300, "USD", strPtr("pA"), strPtr("pA"), ""); err != nil {
		t.Fatalf("credit A: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := w.Credit(ctx, userID, model.KindDeposit, 500, "USD", strPtr("pB"), strPtr("pB"), ""); err != nil {
		t.Fatalf("credit B: %v", err)
	}

	res, err := e.Withdraw(ctx, userID, 400)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Refunded != 400 || res.Partial {
		t.Fatalf("expected full refund of 400, got %+v", res)
	}
	if len(res.RefundIDs) != 2 {
		t.Fatalf("expected 2 refund rows, got %d", len(res.RefundIDs))
	}

	bal, _ := w.Balance(ctx, userID)
	if bal != 400 {
		t.Fatalf("expected balance 400, got %d", bal)
	}
}

func TestWithdraw_PartialUnderProcessorFailure(t *testing.T) {
	e, w, fake := newTestEngine()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 200, "USD", strPtr("pA"), strPtr("pA"), ""); err != nil {
		t.Fatalf("credit A: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := w.Credit(ctx, userID, model.KindDeposit, 200, "USD", strPtr("pB"), strPtr("pB"), ""); err != nil {
		t.Fatalf("credit B: %v", err)
	}
	fake.FailRefund("pA")

	res, err := e.Withdraw(ctx, userID, 300)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Partial || res.Refunded != 200 {
		t.Fatalf("expected partial refund of 200, got %+v", res)
	}

	bal, _ := w.Balance(ctx, userID)
	if bal != 200 {
		t.Fatalf("expected balance 200 (400 - 200 refunded), got %d", bal)
	}
}

func TestWithdraw_NoRefundableFundsWhenOnlyPayoutAllocations(t *testing.T) {
	e, w, _ := newTestEngine()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindPayout, 500, "USD", nil, nil, "winnings"); err != nil {
		t.Fatalf("credit payout: %v", err)
	}

	if _, err := e.Withdraw(ctx, userID, 100); !apperr.Is(err, apperr.NoRefundableFunds) {
		t.Fatalf("expected NoRefundableFunds, got %v", err)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	e, w, _ := newTestEngine()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 100, "USD", strPtr("p"), strPtr("p"), ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := e.Withdraw(ctx, userID, 200); !apperr.Is(err, apperr.Insufficient) {
		t.Fatalf("expected Insufficient, got %v", err)
	}
}

func TestWithdraw_DisabledFeatureFlag(t *testing.T) {
	s := memstore.New()
	l := ledger.New(s)
	fake := payment.NewFake("secret")
	e := New(s, l, fake, 1, 90*24*time.Hour, func() bool { return false })

	if _, err := e.Withdraw(context.Background(), uuid.New(), 100); !apperr.Is(err, apperr.Disabled) {
		t.Fatalf("expected Disabled, got %v", err)
	}
}

func TestWithdraw_ExactBalanceDrainsAllocationToZero(t *testing.T) {
	e, w, _ := newTestEngine()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 100, "USD", strPtr("p"), strPtr("p"), ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := e.Withdraw(ctx, userID, 100)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Partial || res.Refunded != 100 {
		t.Fatalf("expected full drain, got %+v", res)
	}
	bal, _ := w.Balance(ctx, userID)
	if bal != 0 {
		t.Fatalf("expected zero balance, got %d", bal)
	}
}
