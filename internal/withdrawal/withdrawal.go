// Package withdrawal implements FIFO refund-back-to-card withdrawals. It
// bypasses internal/wallet's Debit because the refund selection rule
// (payment_ref present, within the refund window) and partial-success
// commit semantics don't fit Debit's single-ledger-write shape.
package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/store"
)

// Result is the outcome of one Withdraw call.
type Result struct {
	Requested model.Tokens
	Refunded  model.Tokens
	RefundIDs []uuid.UUID
	Partial   bool
}

// Engine drives the withdrawal algorithm.
type Engine struct {
	store            store.Store
	ledger           *ledger.Ledger
	processor        payment.Processor
	tokenPriceCents  int64
	refundWindow     time.Duration
	withdrawalsOpen  func() bool
}

// New returns an Engine. tokenPriceCents converts tokens to the processor's
// minor currency unit; refundWindow bounds how old an allocation may be and
// still refund; enabled reports the current withdraw_mode feature flag,
// called fresh on each Withdraw so an operator toggle takes effect
// immediately.
func New(s store.Store, l *ledger.Ledger, p payment.Processor, tokenPriceCents int64, refundWindow time.Duration, enabled func() bool) *Engine {
	return &Engine{store: s, ledger: l, processor: p, tokenPriceCents: tokenPriceCents, refundWindow: refundWindow, withdrawalsOpen: enabled}
}

func walletBusy(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.WalletBusyTotal.WithLabelValues("withdraw").Inc()
		return apperr.Wrap(apperr.WalletBusy, "wallet is locked by a concurrent operation, retry shortly", err)
	}
	return apperr.Wrap(apperr.Internal, "acquire wallet lock", err)
}

// Withdraw refunds up to tokens back to userID's originating payment
// methods, oldest deposit first, skipping allocations the processor
// refuses without failing the whole call.
func (e *Engine) Withdraw(ctx context.Context, userID uuid.UUID, tokens model.Tokens) (*Result, error) {
	if tokens <= 0 {
		return nil, apperr.New(apperr.InvalidAmount, "tokens must be positive")
	}
	if !e.withdrawalsOpen() {
		return nil, apperr.New(apperr.Disabled, "withdrawals are currently disabled")
	}

	var result *Result
	txErr := e.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.store.LockUser(txCtx, userID); err != nil {
			return walletBusy(err)
		}

		balance, err := e.ledger.Balance(txCtx, userID)
		if err != nil {
			return err
		}
		if balance < tokens {
			return apperr.New(apperr.Insufficient, "insufficient balance")
		}

		since := time.Now().Add(-e.refundWindow)
		candidates, err := e.store.ListRefundableAllocations(txCtx, userID, since)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "list refundable allocations", err)
		}
		if len(candidates) == 0 {
			return apperr.New(apperr.NoRefundableFunds, "no refundable allocations within the refund window")
		}

		remaining := tokens
		var refundIDs []uuid.UUID
		for _, a := range candidates {
			if remaining <= 0 {
				break
			}
			take := a.Remaining
			if take > remaining {
				take = remaining
			}

			externalRefundID, err := e.processor.RefundPayment(txCtx, *a.PaymentRef, model.Tokens(int64(take)*e.tokenPriceCents))
			if err != nil {
				continue // partial success: skip this allocation, try the next
			}

			if err := e.store.DecrementAllocation(txCtx, a.ID, take); err != nil {
				return apperr.Wrap(apperr.Internal, "decrement allocation", err)
			}
			refund := &model.Refund{
				ID:               uuid.New(),
				UserID:           userID,
				AllocationID:     a.ID,
				Amount:           take,
				ExternalRefundID: externalRefundID,
			}
			if err := e.store.InsertRefund(txCtx, refund); err != nil {
				return apperr.Wrap(apperr.Internal, "insert refund", err)
			}
			refundIDs = append(refundIDs, refund.ID)
			remaining -= take
		}

		actuallyRefunded := tokens - remaining
		if actuallyRefunded > 0 {
			entry, err := e.ledger.Append(txCtx, ledger.Entry{
				UserID: userID,
				Kind:   model.KindWithdrawal,
				Amount: -actuallyRefunded,
			})
			if err != nil {
				return err
			}
			if err := e.store.LinkRefundsToWithdrawal(txCtx, refundIDs, entry.ID); err != nil {
				return apperr.Wrap(apperr.Internal, "link refunds to withdrawal", err)
			}
		}

		result = &Result{
			Requested: tokens,
			Refunded:  actuallyRefunded,
			RefundIDs: refundIDs,
			Partial:   actuallyRefunded < tokens,
		}
		return nil
	})
	if txErr != nil {
		metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		return nil, txErr
	}
	if result.Partial {
		metrics.WithdrawalsTotal.WithLabelValues("partial").Inc()
	} else {
		metrics.WithdrawalsTotal.WithLabelValues("full").Inc()
	}
	return result, nil
}
