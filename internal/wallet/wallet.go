// Package wallet owns the FIFO deposit-allocation lifecycle that sits
// between the append-only ledger and the two operations that mutate it:
// Credit opens a new allocation lot, Debit consumes the oldest lots first.
// Every call locks the user for its duration via store.Store.LockUser so
// concurrent credits/debits on the same wallet serialize instead of racing
// on allocation remainders.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

// Wallet coordinates ledger writes with FIFO allocation bookkeeping.
type Wallet struct {
	store  store.Store
	ledger *ledger.Ledger
}

// New returns a Wallet backed by s, appending through l.
func New(s store.Store, l *ledger.Ledger) *Wallet {
	return &Wallet{store: s, ledger: l}
}

func walletBusy(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.WalletBusyTotal.WithLabelValues(op).Inc()
		return apperr.Wrap(apperr.WalletBusy, "wallet is locked by a concurrent operation, retry shortly", err)
	}
	return apperr.Wrap(apperr.Internal, "acquire wallet lock", err)
}

// Credit appends a DEPOSIT or PAYOUT ledger entry for userID and opens a new
// FIFO allocation lot for the full amount. paymentRef identifies the
// originating card payment for DEPOSIT credits; it is nil for PAYOUT
// credits, whose allocations are therefore never externally refundable
// (see model.Allocation.Refundable). externalID is the idempotency key: a
// repeat Credit with the same (kind, externalID) returns the original
// entry and an apperr.Duplicate error instead of crediting twice.
func (w *Wallet) Credit(ctx context.Context, userID uuid.UUID, kind model.LedgerKind, amount model.Tokens, currency model.Currency, externalID, paymentRef *string, note string) (*model.LedgerEntry, error) {
	if kind != model.KindDeposit && kind != model.KindPayout {
		return nil, apperr.New(apperr.Internal, "Credit only accepts DEPOSIT or PAYOUT")
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "credit amount must be positive")
	}

	start := time.Now()
	defer func() { metrics.WalletOperationLatency.WithLabelValues("credit").Observe(time.Since(start).Seconds()) }()

	var entry *model.LedgerEntry
	txErr := w.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := w.store.LockUser(txCtx, userID); err != nil {
			return walletBusy("credit", err)
		}

		e, err := w.ledger.Append(txCtx, ledger.Entry{
			UserID:     userID,
			Kind:       kind,
			Amount:     amount,
			Currency:   currency,
			ExternalID: externalID,
			Note:       note,
		})
		if err != nil {
			entry = e // may be the pre-existing entry on Duplicate
			return err
		}

		alloc := &model.Allocation{
			ID:            uuid.New(),
			UserID:        userID,
			Original:      amount,
			Remaining:     amount,
			PaymentRef:    paymentRef,
			LedgerEntryID: e.ID,
		}
		if err := w.store.InsertAllocation(txCtx, alloc); err != nil {
			return apperr.Wrap(apperr.Internal, "insert allocation", err)
		}
		entry = e
		return nil
	})

	if txErr != nil && !apperr.Is(txErr, apperr.Duplicate) {
		return nil, txErr
	}
	return entry, txErr
}

// Debit appends a STAKE ledger entry for userID and consumes the oldest
// active allocations first until amount is fully covered. It fails with
// apperr.Insufficient if the sum of active allocation remainders is less
// than amount; no partial stake is ever taken.
func (w *Wallet) Debit(ctx context.Context, userID uuid.UUID, amount model.Tokens, note string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "debit amount must be positive")
	}

	start := time.Now()
	defer func() { metrics.WalletOperationLatency.WithLabelValues("debit").Observe(time.Since(start).Seconds()) }()

	var entry *model.LedgerEntry
	err := w.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := w.store.LockUser(txCtx, userID); err != nil {
			return walletBusy("debit", err)
		}

		active, err := w.store.ListActiveAllocationsFIFO(txCtx, userID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "list active allocations", err)
		}
		var available model.Tokens
		for _, a := range active {
			available += a.Remaining
		}
		if available < amount {
			return apperr.New(apperr.Insufficient, "insufficient balance")
		}

		e, err := w.ledger.Append(txCtx, ledger.Entry{
			UserID: userID,
			Kind:   model.KindStake,
			Amount: -amount,
			Note:   note,
		})
		if err != nil {
			return err
		}

		remaining := amount
		for _, a := range active {
			if remaining <= 0 {
				break
			}
			take := a.Remaining
			if take > remaining {
				take = remaining
			}
			if err := w.store.DecrementAllocation(txCtx, a.ID, take); err != nil {
				return apperr.Wrap(apperr.Internal, "decrement allocation", err)
			}
			remaining -= take
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns userID's current ledger balance.
func (w *Wallet) Balance(ctx context.Context, userID uuid.UUID) (model.Tokens, error) {
	return w.ledger.Balance(ctx, userID)
}
