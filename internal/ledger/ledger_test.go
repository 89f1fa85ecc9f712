package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store/memstore"
)

func TestAppend_RejectsWrongSign(t *testing.T) {
	l := New(memstore.New())
	_, err := l.Append(context.Background(), Entry{
		UserID: uuid.New(),
		Kind:   model.KindDeposit,
		Amount: -500,
	})
	if !apperr.Is(err, apperr.SignViolation) {
		t.Fatalf("expected SignViolation, got %v", err)
	}
}

func TestAppend_ZeroAmountRejected(t *testing.T) {
	l := New(memstore.New())
	_, err := l.Append(context.Background(), Entry{
		UserID: uuid.New(),
		Kind:   model.KindStake,
		Amount: 0,
	})
	if !apperr.Is(err, apperr.SignViolation) {
		t.Fatalf("expected SignViolation for zero amount, got %v", err)
	}
}

func TestAppend_DuplicateExternalIDReturnsExisting(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()
	userID := uuid.New()
	ext := "pi_abc123"

	first, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindDeposit, Amount: 1000, ExternalID: &ext})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	second, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindDeposit, Amount: 1000, ExternalID: &ext})
	if !apperr.Is(err, apperr.Duplicate) {
		t.Fatalf("expected Duplicate, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected duplicate append to return the original entry")
	}

	bal, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 1000 {
		t.Fatalf("expected balance 1000 (duplicate not double-counted), got %d", bal)
	}
}

func TestSumSince_FiltersByKindAndTime(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()
	userID := uuid.New()

	if _, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindDeposit, Amount: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindStake, Amount: -50}); err != nil {
		t.Fatalf("append: %v", err)
	}

	depositSum, err := l.SumSince(ctx, userID, model.KindDeposit, nil)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if depositSum != 100 {
		t.Fatalf("expected deposit sum 100, got %d", depositSum)
	}

	stakeSum, err := l.SumSince(ctx, userID, model.KindStake, nil)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if stakeSum != -50 {
		t.Fatalf("expected stake sum -50, got %d", stakeSum)
	}
}

func TestHistory_ReturnsChronological(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()
	userID := uuid.New()

	if _, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindDeposit, Amount: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, Entry{UserID: userID, Kind: model.KindDeposit, Amount: 200}); err != nil {
		t.Fatalf("append: %v", err)
	}

	hist, err := l.History(ctx, userID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	if hist[0].Amount != 100 || hist[1].Amount != 200 {
		t.Fatalf("expected chronological order [100, 200], got [%d, %d]", hist[0].Amount, hist[1].Amount)
	}
}
