// Package model defines the core domain types shared across the wallet,
// ledger, deposit, withdrawal and settlement components. All monetary
// values are integer minor units ("tokens") — never float64 or
// shopspring/decimal. 1 token equals 1 USD cent by default; the ratio is
// configurable (see internal/config).
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tokens is an integer minor-unit amount. Ledger entries carry a signed
// Tokens value; allocations and stakes carry unsigned (non-negative) ones.
type Tokens int64

// Currency is a 3-letter ISO 4217-ish code. The platform issues only one
// currency today; the field exists on LedgerEntry because the ledger is
// append-only and a currency later added must not require a migration.
type Currency string

// PlatformUserID is the reserved sentinel identity that receives forfeited
// stakes. Its balance is never included in user-facing totals.
var PlatformUserID = uuid.Nil

// LedgerKind enumerates the four movement types. Sign is fixed per kind:
// DEPOSIT and PAYOUT are positive, STAKE and WITHDRAWAL are negative.
type LedgerKind string

const (
	KindDeposit    LedgerKind = "DEPOSIT"
	KindStake      LedgerKind = "STAKE"
	KindPayout     LedgerKind = "PAYOUT"
	KindWithdrawal LedgerKind = "WITHDRAWAL"
)

// ExpectedSign reports whether amount has the sign this kind requires.
// Zero amounts are never valid.
func (k LedgerKind) ExpectedSign(amount Tokens) bool {
	switch k {
	case KindDeposit, KindPayout:
		return amount > 0
	case KindStake, KindWithdrawal:
		return amount < 0
	default:
		return false
	}
}

// LedgerEntry is an immutable record of a single monetary movement.
// Ledger entries are append-only: no UPDATE or DELETE after commit.
type LedgerEntry struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Kind       LedgerKind
	Amount     Tokens // signed per Kind.ExpectedSign
	Currency   Currency
	ExternalID *string // idempotency key alongside Kind, when present
	Note       string
	CreatedAt  time.Time
}

// Allocation is a single FIFO deposit lot used to attribute refunds back to
// their originating payment. Only Remaining ever mutates, and only downward.
type Allocation struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Original      Tokens
	Remaining     Tokens
	PaymentRef    *string // nil for PAYOUT-origin (winnings) allocations: non-refundable
	LedgerEntryID uuid.UUID
	CreatedAt     time.Time
}

// Refundable reports whether this allocation can be a source of an
// external card refund: it must have spare capacity and a payment
// reference (synthetic PAYOUT allocations have none).
func (a Allocation) Refundable() bool {
	return a.Remaining > 0 && a.PaymentRef != nil
}

// Refund is an audit record of one executed external refund against one
// allocation. WithdrawalLedgerEntryID is nil until the enclosing withdrawal
// commits its WITHDRAWAL ledger entry, at which point every refund created
// in that call is linked to it.
type Refund struct {
	ID                      uuid.UUID
	UserID                  uuid.UUID
	AllocationID            uuid.UUID
	Amount                  Tokens
	ExternalRefundID        string
	WithdrawalLedgerEntryID *uuid.UUID
	CreatedAt               time.Time
}

// ChallengeStatus is the lifecycle state of a challenge as seen by the
// core. The challenge registry itself is an external collaborator; the
// core only reads status and drives it to SETTLED/CANCELLED.
type ChallengeStatus string

const (
	ChallengeDraft     ChallengeStatus = "DRAFT"
	ChallengeActive    ChallengeStatus = "ACTIVE"
	ChallengeCompleted ChallengeStatus = "COMPLETED"
	ChallengeSettled   ChallengeStatus = "SETTLED"
	ChallengeCancelled ChallengeStatus = "CANCELLED"
)

// Terminal reports whether status is a terminal state: SETTLED or
// CANCELLED challenges never transition again.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeSettled || s == ChallengeCancelled
}

// Challenge is read-mostly from the core's perspective; the challenge
// registry owns creation and most metadata. The core only transitions
// Status and reads Stake/participants during Join and Settle.
type Challenge struct {
	ID                    uuid.UUID
	CreatorID             uuid.UUID
	Stake                 Tokens
	MaxParticipants       *int
	StartAt               time.Time
	EndAt                 time.Time
	Status                ChallengeStatus
	VerificationThreshold float64
	AllowLateJoin         bool
}

// ParticipantStatus reflects the outcome of the (external) verification
// subsystem for one participant in one challenge.
type ParticipantStatus string

const (
	ParticipantJoined    ParticipantStatus = "JOINED"
	ParticipantCompleted ParticipantStatus = "COMPLETED"
	ParticipantFailed    ParticipantStatus = "FAILED"
)

// Participant records one user's membership in one challenge and the
// STAKE ledger entry that funded it.
type Participant struct {
	ID                 uuid.UUID
	ChallengeID        uuid.UUID
	UserID             uuid.UUID
	Status             ParticipantStatus
	JoinedAt           time.Time
	StakeLedgerEntryID *uuid.UUID
}

// SettlementResult is the return value of Settle, persisted once per
// challenge so repeated calls on an already-SETTLED challenge return the
// prior result byte-for-byte instead of recomputing or re-writing.
type SettlementResult struct {
	ChallengeID       uuid.UUID
	TotalPool         Tokens
	WinnerUserIDs     []uuid.UUID
	PerWinner         map[uuid.UUID]Tokens
	RemainderRecipient *uuid.UUID
	PlatformRevenue   Tokens
	SettledAt         time.Time
}
