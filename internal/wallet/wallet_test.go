package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store/memstore"
)

func newTestWallet() *Wallet {
	s := memstore.New()
	return New(s, ledger.New(s))
}

func TestCredit_OpensAllocationAndBalance(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()
	userID := uuid.New()
	ext := "pi_1"
	ref := "pi_1"

	e, err := w.Credit(ctx, userID, model.KindDeposit, 1000, "USD", &ext, &ref, "stripe checkout")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if e.Amount != 1000 {
		t.Fatalf("expected amount 1000, got %d", e.Amount)
	}

	bal, err := w.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 1000 {
		t.Fatalf("expected balance 1000, got %d", bal)
	}
}

func TestCredit_DuplicateExternalIDIsIdempotent(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()
	userID := uuid.New()
	ext := "pi_dup"

	first, err := w.Credit(ctx, userID, model.KindDeposit, 500, "USD", &ext, &ext, "")
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	second, err := w.Credit(ctx, userID, model.KindDeposit, 500, "USD", &ext, &ext, "")
	if !apperr.Is(err, apperr.Duplicate) {
		t.Fatalf("expected Duplicate on replay, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("expected replay to return the original entry")
	}

	bal, _ := w.Balance(ctx, userID)
	if bal != 500 {
		t.Fatalf("expected balance 500 (no double credit), got %d", bal)
	}
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	w := newTestWallet()
	if _, err := w.Credit(context.Background(), uuid.New(), model.KindDeposit, 0, "USD", nil, nil, ""); !apperr.Is(err, apperr.InvalidAmount) {
		t.Fatalf("expected InvalidAmount, got %v", err)
	}
}

func TestDebit_ConsumesFIFOAcrossAllocations(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 300, "USD", strPtr("a"), strPtr("a"), ""); err != nil {
		t.Fatalf("credit 1: %v", err)
	}
	if _, err := w.Credit(ctx, userID, model.KindDeposit, 400, "USD", strPtr("b"), strPtr("b"), ""); err != nil {
		t.Fatalf("credit 2: %v", err)
	}

	e, err := w.Debit(ctx, userID, 500, "stake")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if e.Amount != -500 {
		t.Fatalf("expected -500, got %d", e.Amount)
	}

	bal, _ := w.Balance(ctx, userID)
	if bal != 200 {
		t.Fatalf("expected balance 200 after debit, got %d", bal)
	}
}

func TestDebit_InsufficientBalanceRejected(t *testing.T) {
	w := newTestWallet()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindDeposit, 100, "USD", strPtr("a"), strPtr("a"), ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := w.Debit(ctx, userID, 200, "stake"); !apperr.Is(err, apperr.Insufficient) {
		t.Fatalf("expected Insufficient, got %v", err)
	}

	bal, _ := w.Balance(ctx, userID)
	if bal != 100 {
		t.Fatalf("expected untouched balance 100, got %d", bal)
	}
}

func TestCredit_PayoutAllocationNotRefundable(t *testing.T) {
	s := memstore.New()
	w := New(s, ledger.New(s))
	ctx := context.Background()
	userID := uuid.New()

	if _, err := w.Credit(ctx, userID, model.KindPayout, 1000, "USD", nil, nil, "settlement payout"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	refundable, err := s.ListRefundableAllocations(ctx, userID, time.Time{})
	if err != nil {
		t.Fatalf("list refundable: %v", err)
	}
	if len(refundable) != 0 {
		t.Fatalf("expected PAYOUT allocation to be non-refundable, got %d refundable", len(refundable))
	}
}

func strPtr(s string) *string { return &s }
