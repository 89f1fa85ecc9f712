// Package ledger enforces the sign invariant and idempotency contract in
// front of store.Store's append-only ledger table. Every other component
// (wallet, deposit, withdrawal, settlement) writes ledger entries through
// this package rather than calling store.AppendLedgerEntry directly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

// Ledger wraps a store.Store with sign validation and duplicate handling.
type Ledger struct {
	store store.Store
}

// New returns a Ledger backed by s.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Entry describes one movement to append. ID and CreatedAt are assigned by
// Append if zero.
type Entry struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Kind       model.LedgerKind
	Amount     model.Tokens
	Currency   model.Currency
	ExternalID *string
	Note       string
}

// Append validates e's sign against its Kind, then appends it. If e has a
// non-nil ExternalID that already exists for that Kind, Append returns the
// existing entry together with an apperr.Duplicate error so idempotent callers (Stripe
// webhook redelivery) can recover the original result instead of failing.
func (l *Ledger) Append(ctx context.Context, e Entry) (*model.LedgerEntry, error) {
	if !e.Kind.ExpectedSign(e.Amount) {
		return nil, apperr.New(apperr.SignViolation, fmt.Sprintf("amount %d has wrong sign for kind %s", e.Amount, e.Kind))
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	rec := &model.LedgerEntry{
		ID:         e.ID,
		UserID:     e.UserID,
		Kind:       e.Kind,
		Amount:     e.Amount,
		Currency:   e.Currency,
		ExternalID: e.ExternalID,
		Note:       e.Note,
	}
	err := l.store.AppendLedgerEntry(ctx, rec)
	if err == nil {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
		return rec, nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		existing, findErr := l.store.FindLedgerEntryByExternalID(ctx, e.Kind, *e.ExternalID)
		if findErr != nil {
			return nil, apperr.Wrap(apperr.Internal, "duplicate reported but lookup failed", findErr)
		}
		return existing, apperr.New(apperr.Duplicate, "entry already recorded for this external id")
	}
	return nil, apperr.Wrap(apperr.Internal, "append ledger entry", err)
}

// Balance returns userID's current balance: the sum of every ledger entry
// ever recorded for them. Callers on the hot path should prefer a cached
// balance (internal/store/rediscache) reconciled periodically against this.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (model.Tokens, error) {
	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "compute balance", err)
	}
	return bal, nil
}

// SumSince returns the signed sum of userID's entries of kind since the
// given time, or all-time if since is nil. Used by deposit's daily-cap
// check (kind=DEPOSIT, since=start of caller's UTC day).
func (l *Ledger) SumSince(ctx context.Context, userID uuid.UUID, kind model.LedgerKind, since *time.Time) (model.Tokens, error) {
	sum, err := l.store.SumLedger(ctx, userID, kind, since)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "sum ledger", err)
	}
	return sum, nil
}

// History returns every entry for userID in chronological order.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list ledger entries", err)
	}
	return entries, nil
}
