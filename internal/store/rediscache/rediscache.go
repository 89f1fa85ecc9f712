// Package rediscache wraps a primary store.Store with a Redis read-through
// cache for two hot reads: Balance (GET /wallet) and GetChallenge (join
// and settle). Writes go straight to the primary and then
// invalidate the affected keys; every other method passes through
// unmodified, including WithTx/LockUser/LockChallenge, since caching must
// never sit between a transaction and its lock acquisition.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

// Store decorates a primary store.Store with Redis caching.
type Store struct {
	primary store.Store
	rdb     *redis.Client
	ttl     time.Duration
}

// New returns a caching Store. ttl bounds how long a cached balance or
// challenge may be served before falling back to primary.
func New(primary store.Store, rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{primary: primary, rdb: rdb, ttl: ttl}
}

func balanceKey(userID uuid.UUID) string { return fmt.Sprintf("balance:%s", userID) }
func challengeKey(id uuid.UUID) string   { return fmt.Sprintf("challenge:%s", id) }

// --- Passthrough: transaction and locking primitives ---

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.primary.WithTx(ctx, fn)
}

func (s *Store) LockUser(ctx context.Context, userID uuid.UUID) error {
	return s.primary.LockUser(ctx, userID)
}

func (s *Store) LockChallenge(ctx context.Context, challengeID uuid.UUID) error {
	return s.primary.LockChallenge(ctx, challengeID)
}

// --- Ledger: write-through with balance invalidation ---

func (s *Store) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if err := s.primary.AppendLedgerEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(e.UserID))
	return nil
}

func (s *Store) FindLedgerEntryByExternalID(ctx context.Context, kind model.LedgerKind, externalID string) (*model.LedgerEntry, error) {
	return s.primary.FindLedgerEntryByExternalID(ctx, kind, externalID)
}

// Balance is read-through cached: a hit avoids scanning ledger_entries on
// the hot GET /wallet path.
func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (model.Tokens, error) {
	if raw, err := s.rdb.Get(ctx, balanceKey(userID)).Int64(); err == nil {
		return model.Tokens(raw), nil
	}

	bal, err := s.primary.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, balanceKey(userID), int64(bal), s.ttl)
	return bal, nil
}

func (s *Store) SumLedger(ctx context.Context, userID uuid.UUID, kind model.LedgerKind, since *time.Time) (model.Tokens, error) {
	// Not cached: callers use this for the daily deposit cap, which must
	// always reflect the latest write within the same UTC day.
	return s.primary.SumLedger(ctx, userID, kind, since)
}

func (s *Store) ListLedgerEntries(ctx context.Context, userID uuid.UUID) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID)
}

// --- Allocations: passthrough ---

func (s *Store) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	return s.primary.InsertAllocation(ctx, a)
}

func (s *Store) ListActiveAllocationsFIFO(ctx context.Context, userID uuid.UUID) ([]model.Allocation, error) {
	return s.primary.ListActiveAllocationsFIFO(ctx, userID)
}

func (s *Store) ListRefundableAllocations(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.Allocation, error) {
	return s.primary.ListRefundableAllocations(ctx, userID, since)
}

func (s *Store) DecrementAllocation(ctx context.Context, id uuid.UUID, by model.Tokens) error {
	return s.primary.DecrementAllocation(ctx, id, by)
}

// --- Refunds: passthrough ---

func (s *Store) InsertRefund(ctx context.Context, r *model.Refund) error {
	return s.primary.InsertRefund(ctx, r)
}

func (s *Store) LinkRefundsToWithdrawal(ctx context.Context, refundIDs []uuid.UUID, entryID uuid.UUID) error {
	return s.primary.LinkRefundsToWithdrawal(ctx, refundIDs, entryID)
}

// --- Challenges / participants: read-through cache on GetChallenge ---

func (s *Store) GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error) {
	if data, err := s.rdb.Get(ctx, challengeKey(id)).Bytes(); err == nil {
		var ch model.Challenge
		if json.Unmarshal(data, &ch) == nil {
			return &ch, nil
		}
	}

	ch, err := s.primary.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ch); err == nil {
		s.rdb.Set(ctx, challengeKey(id), data, s.ttl)
	}
	return ch, nil
}

func (s *Store) UpdateChallengeStatus(ctx context.Context, id uuid.UUID, status model.ChallengeStatus) error {
	if err := s.primary.UpdateChallengeStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, challengeKey(id))
	return nil
}

func (s *Store) ListChallengesByStatus(ctx context.Context, status model.ChallengeStatus) ([]model.Challenge, error) {
	return s.primary.ListChallengesByStatus(ctx, status)
}

func (s *Store) ListParticipants(ctx context.Context, challengeID uuid.UUID) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx, challengeID)
}

func (s *Store) GetParticipant(ctx context.Context, challengeID, userID uuid.UUID) (*model.Participant, error) {
	return s.primary.GetParticipant(ctx, challengeID, userID)
}

func (s *Store) InsertParticipant(ctx context.Context, p *model.Participant) error {
	return s.primary.InsertParticipant(ctx, p)
}

// --- Settlement idempotency: passthrough ---

func (s *Store) GetSettlementResult(ctx context.Context, challengeID uuid.UUID) (*model.SettlementResult, error) {
	return s.primary.GetSettlementResult(ctx, challengeID)
}

func (s *Store) SaveSettlementResult(ctx context.Context, res *model.SettlementResult) error {
	return s.primary.SaveSettlementResult(ctx, res)
}

func (s *Store) ListSettlementResultsSince(ctx context.Context, since time.Time) ([]model.SettlementResult, error) {
	return s.primary.ListSettlementResultsSince(ctx, since)
}

var _ store.Store = (*Store)(nil)
