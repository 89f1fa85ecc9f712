// Package store defines the persistence interface for the financial core.
// PostgreSQL (internal/store/pgstore) is the source of truth; Redis
// (internal/store/rediscache) provides a read-through cache layer over it;
// an in-memory implementation (internal/store/memstore) backs unit tests.
//
// Store also owns per-user and per-challenge advisory locking: on
// PostgreSQL this is pg_advisory_xact_lock, scoped to the transaction
// opened by WithTx; in memory it is a keyed mutex table released when the
// WithTx callback returns. Locking lives on Store rather than as a
// separate component because both backends need it colocated with
// transaction lifecycle.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/model"
)

// ErrDuplicate is returned by AppendLedgerEntry when (kind, external_id)
// already exists. Callers translate this into apperr.Duplicate and, for
// idempotent operations, look up the existing entry instead of failing.
var ErrDuplicate = errors.New("store: duplicate (kind, external_id)")

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence + locking interface shared by every component.
type Store interface {
	// WithTx runs fn inside a single transaction. All Store calls made
	// with the ctx passed to fn participate in that transaction. A
	// non-nil return from fn rolls the transaction back; the same error
	// is returned to the WithTx caller unmodified.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// LockUser acquires an exclusive advisory lock scoped to userID for
	// the remaining lifetime of the transaction in ctx. Must be called
	// inside WithTx. Blocks until acquired or ctx is done, in which case
	// it returns a context.DeadlineExceeded-wrapping error; callers map
	// that to apperr.WalletBusy.
	LockUser(ctx context.Context, userID uuid.UUID) error

	// LockChallenge is LockUser's analog for challenge-scoped settlement
	// locking.
	LockChallenge(ctx context.Context, challengeID uuid.UUID) error

	// --- Ledger ---

	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	FindLedgerEntryByExternalID(ctx context.Context, kind model.LedgerKind, externalID string) (*model.LedgerEntry, error)
	Balance(ctx context.Context, userID uuid.UUID) (model.Tokens, error)
	SumLedger(ctx context.Context, userID uuid.UUID, kind model.LedgerKind, since *time.Time) (model.Tokens, error)
	ListLedgerEntries(ctx context.Context, userID uuid.UUID) ([]model.LedgerEntry, error)

	// --- Allocations ---

	InsertAllocation(ctx context.Context, a *model.Allocation) error
	// ListActiveAllocationsFIFO returns allocations with remaining > 0 for
	// userID ordered by created_at ascending, regardless of payment_ref.
	// Used by Debit's FIFO stake-consumption.
	ListActiveAllocationsFIFO(ctx context.Context, userID uuid.UUID) ([]model.Allocation, error)
	// ListRefundableAllocations returns allocations with remaining > 0,
	// payment_ref set, and created_at >= since, ordered ascending. Used
	// by withdrawal's refund selection.
	ListRefundableAllocations(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.Allocation, error)
	DecrementAllocation(ctx context.Context, id uuid.UUID, by model.Tokens) error

	// --- Refunds ---

	InsertRefund(ctx context.Context, r *model.Refund) error
	LinkRefundsToWithdrawal(ctx context.Context, refundIDs []uuid.UUID, entryID uuid.UUID) error

	// --- Challenges / participants (challenge registry contract) ---

	GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error)
	UpdateChallengeStatus(ctx context.Context, id uuid.UUID, status model.ChallengeStatus) error
	// ListChallengesByStatus backs the settlement job runner's poll for
	// challenges ready to close out.
	ListChallengesByStatus(ctx context.Context, status model.ChallengeStatus) ([]model.Challenge, error)
	ListParticipants(ctx context.Context, challengeID uuid.UUID) ([]model.Participant, error)
	GetParticipant(ctx context.Context, challengeID, userID uuid.UUID) (*model.Participant, error)
	InsertParticipant(ctx context.Context, p *model.Participant) error

	// --- Settlement idempotency ---

	GetSettlementResult(ctx context.Context, challengeID uuid.UUID) (*model.SettlementResult, error)
	SaveSettlementResult(ctx context.Context, res *model.SettlementResult) error
	// ListSettlementResultsSince backs Settlement.PlatformRevenueStats: it
	// returns every persisted settlement result with SettledAt >= since,
	// in no particular order.
	ListSettlementResultsSince(ctx context.Context, since time.Time) ([]model.SettlementResult, error)
}
