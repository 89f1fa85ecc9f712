// Package settlement drives a challenge through its stake/payout
// lifecycle: Join debits a stake on entry, Settle distributes the pool
// deterministically when a challenge completes, Cancel refunds stakes if a
// challenge is called off before it does. All three are colocated because
// they share the same challenge/participant read path and the same
// ledger/allocation write primitives.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

// Engine drives challenge stake collection, payout and forfeiture. It
// writes through store and ledger directly rather than internal/wallet:
// Join, Settle and Cancel each need atomicity across a stake debit or
// payout credit AND a participant/challenge-status write in the same
// transaction, which wallet's self-contained Credit/Debit transactions
// can't provide.
type Engine struct {
	store      store.Store
	ledger     *ledger.Ledger
	platformID uuid.UUID
}

// New returns an Engine. platformID is the reserved sentinel identity that
// receives forfeited stakes (model.PlatformUserID by default).
func New(s store.Store, l *ledger.Ledger, platformID uuid.UUID) *Engine {
	return &Engine{store: s, ledger: l, platformID: platformID}
}

func walletBusy(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.WalletBusyTotal.WithLabelValues("settle").Inc()
		return apperr.Wrap(apperr.WalletBusy, "wallet is locked by a concurrent operation, retry shortly", err)
	}
	return apperr.Wrap(apperr.Internal, "acquire lock", err)
}

// Join debits userID's wallet for the challenge's stake and records
// participation, atomically: the stake debit and the participant row are
// written in the same transaction so a failure never leaves one without
// the other.
func (e *Engine) Join(ctx context.Context, userID, challengeID uuid.UUID) (*model.Participant, error) {
	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "challenge not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "load challenge", err)
	}
	if ch.Status != model.ChallengeActive {
		return nil, apperr.New(apperr.StateConflict, "challenge is not open for joining")
	}
	if !ch.AllowLateJoin && !time.Now().Before(ch.StartAt) {
		return nil, apperr.New(apperr.StateConflict, "challenge has already started")
	}
	if ch.MaxParticipants != nil {
		existing, err := e.store.ListParticipants(ctx, challengeID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "list participants", err)
		}
		if len(existing) >= *ch.MaxParticipants {
			return nil, apperr.New(apperr.StateConflict, "challenge is at capacity")
		}
	}

	var participant *model.Participant
	txErr := e.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.store.LockUser(txCtx, userID); err != nil {
			return walletBusy(err)
		}

		if _, err := e.store.GetParticipant(txCtx, challengeID, userID); err == nil {
			return apperr.New(apperr.StateConflict, "already joined this challenge")
		}

		active, err := e.store.ListActiveAllocationsFIFO(txCtx, userID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "list active allocations", err)
		}
		var available model.Tokens
		for _, a := range active {
			available += a.Remaining
		}
		if available < ch.Stake {
			return apperr.New(apperr.Insufficient, "insufficient balance for stake")
		}

		entry, err := e.ledger.Append(txCtx, ledger.Entry{
			UserID: userID,
			Kind:   model.KindStake,
			Amount: -ch.Stake,
			Note:   fmt.Sprintf("stake for challenge %s", challengeID),
		})
		if err != nil {
			return err
		}
		remaining := ch.Stake
		for _, a := range active {
			if remaining <= 0 {
				break
			}
			take := a.Remaining
			if take > remaining {
				take = remaining
			}
			if err := e.store.DecrementAllocation(txCtx, a.ID, take); err != nil {
				return apperr.Wrap(apperr.Internal, "decrement allocation", err)
			}
			remaining -= take
		}

		p := &model.Participant{
			ID:                 uuid.New(),
			ChallengeID:        challengeID,
			UserID:             userID,
			Status:             model.ParticipantJoined,
			StakeLedgerEntryID: &entry.ID,
		}
		if err := e.store.InsertParticipant(txCtx, p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.New(apperr.StateConflict, "already joined this challenge")
			}
			return apperr.Wrap(apperr.Internal, "insert participant", err)
		}
		participant = p
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return participant, nil
}

func sortedUnique(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// creditPayout appends a PAYOUT ledger entry and opens a non-refundable
// synthetic allocation for it, mirroring wallet.Credit's PAYOUT branch but
// running inside settlement's own transaction so every recipient in one
// Settle call commits atomically together.
func (e *Engine) creditPayout(ctx context.Context, userID uuid.UUID, amount model.Tokens, note string) error {
	entry, err := e.ledger.Append(ctx, ledger.Entry{
		UserID: userID,
		Kind:   model.KindPayout,
		Amount: amount,
		Note:   note,
	})
	if err != nil {
		return err
	}
	alloc := &model.Allocation{
		ID:            uuid.New(),
		UserID:        userID,
		Original:      amount,
		Remaining:     amount,
		PaymentRef:    nil,
		LedgerEntryID: entry.ID,
	}
	return e.store.InsertAllocation(ctx, alloc)
}

// Settle distributes challenge_id's stake pool deterministically among
// participants who completed verification. Calling Settle on an
// already-SETTLED challenge returns the persisted prior result unchanged
// and performs no writes. A call that passed the status check before a
// concurrent Settle committed fails with StateConflict once it holds the
// challenge lock, and also performs no writes.
func (e *Engine) Settle(ctx context.Context, challengeID uuid.UUID) (*model.SettlementResult, error) {
	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "challenge not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "load challenge", err)
	}
	if ch.Status == model.ChallengeSettled {
		res, err := e.store.GetSettlementResult(ctx, challengeID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "load prior settlement result", err)
		}
		return res, nil
	}
	if ch.Status != model.ChallengeCompleted {
		return nil, apperr.New(apperr.StateConflict, "challenge is not ready for settlement")
	}

	participants, err := e.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list participants", err)
	}
	totalPool := model.Tokens(len(participants)) * ch.Stake

	var winners []model.Participant
	for _, p := range participants {
		if p.Status == model.ParticipantCompleted {
			winners = append(winners, p)
		}
	}

	lockTargets := make([]uuid.UUID, 0, len(winners)+1)
	for _, w := range winners {
		lockTargets = append(lockTargets, w.UserID)
	}
	lockTargets = append(lockTargets, e.platformID)
	lockTargets = sortedUnique(lockTargets)

	var result *model.SettlementResult
	txErr := e.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.store.LockChallenge(txCtx, challengeID); err != nil {
			return walletBusy(err)
		}
		// A concurrent Settle may have finished while this call waited for
		// the challenge lock, so the status is checked again under it.
		cur, err := e.store.GetChallenge(txCtx, challengeID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "reload challenge", err)
		}
		if cur.Status != model.ChallengeCompleted {
			return apperr.New(apperr.StateConflict, "challenge is not ready for settlement")
		}
		for _, uid := range lockTargets {
			if err := e.store.LockUser(txCtx, uid); err != nil {
				return walletBusy(err)
			}
		}

		res := &model.SettlementResult{
			ChallengeID: challengeID,
			TotalPool:   totalPool,
			PerWinner:   make(map[uuid.UUID]model.Tokens),
			SettledAt:   time.Now().UTC(),
		}

		if len(winners) == 0 {
			if totalPool > 0 {
				if err := e.creditPayout(txCtx, e.platformID, totalPool, fmt.Sprintf("forfeited stakes for challenge %s", challengeID)); err != nil {
					return err
				}
			}
			res.PlatformRevenue = totalPool
		} else {
			sort.Slice(winners, func(i, j int) bool {
				if winners[i].JoinedAt.Equal(winners[j].JoinedAt) {
					return winners[i].UserID.String() < winners[j].UserID.String()
				}
				return winners[i].JoinedAt.Before(winners[j].JoinedAt)
			})
			n := model.Tokens(len(winners))
			per := totalPool / n
			rem := int(totalPool % n)

			for idx, w := range winners {
				amount := per
				if idx < rem {
					amount++
				}
				if amount <= 0 {
					continue
				}
				if err := e.creditPayout(txCtx, w.UserID, amount, fmt.Sprintf("payout for challenge %s", challengeID)); err != nil {
					return err
				}
				res.WinnerUserIDs = append(res.WinnerUserIDs, w.UserID)
				res.PerWinner[w.UserID] = amount
			}
			if rem > 0 {
				remainderRecipient := winners[0].UserID
				res.RemainderRecipient = &remainderRecipient
			}
			res.PlatformRevenue = 0
		}

		if err := e.store.UpdateChallengeStatus(txCtx, challengeID, model.ChallengeSettled); err != nil {
			return apperr.Wrap(apperr.Internal, "update challenge status", err)
		}
		if err := e.store.SaveSettlementResult(txCtx, res); err != nil {
			return apperr.Wrap(apperr.Internal, "save settlement result", err)
		}
		result = res
		return nil
	})
	if txErr != nil {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, txErr
	}
	if len(result.WinnerUserIDs) == 0 {
		metrics.SettlementsTotal.WithLabelValues("forfeited").Inc()
	} else {
		metrics.SettlementsTotal.WithLabelValues("paid_out").Inc()
	}
	if result.PlatformRevenue > 0 {
		metrics.PlatformRevenueTokens.Add(float64(result.PlatformRevenue))
	}
	return result, nil
}

// Cancel refunds every collected stake as a non-refundable PAYOUT to its
// original payer and marks the challenge CANCELLED. It is a no-op if the
// challenge is already CANCELLED and fails with StateConflict if it is
// already SETTLED.
func (e *Engine) Cancel(ctx context.Context, challengeID uuid.UUID) error {
	ch, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "challenge not found")
		}
		return apperr.Wrap(apperr.Internal, "load challenge", err)
	}
	if ch.Status == model.ChallengeCancelled {
		return nil
	}
	if ch.Status.Terminal() {
		return apperr.New(apperr.StateConflict, "challenge is already settled")
	}

	participants, err := e.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "list participants", err)
	}
	lockTargets := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		lockTargets = append(lockTargets, p.UserID)
	}
	lockTargets = sortedUnique(lockTargets)

	return e.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.store.LockChallenge(txCtx, challengeID); err != nil {
			return walletBusy(err)
		}
		cur, err := e.store.GetChallenge(txCtx, challengeID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "reload challenge", err)
		}
		if cur.Status == model.ChallengeCancelled {
			return nil
		}
		if cur.Status.Terminal() {
			return apperr.New(apperr.StateConflict, "challenge is already settled")
		}
		for _, uid := range lockTargets {
			if err := e.store.LockUser(txCtx, uid); err != nil {
				return walletBusy(err)
			}
		}

		for _, p := range participants {
			if p.StakeLedgerEntryID == nil {
				continue
			}
			stake := ch.Stake
			if err := e.creditPayout(txCtx, p.UserID, stake, fmt.Sprintf("refund for cancelled challenge %s", challengeID)); err != nil {
				return err
			}
		}
		if err := e.store.UpdateChallengeStatus(txCtx, challengeID, model.ChallengeCancelled); err != nil {
			return apperr.Wrap(apperr.Internal, "update challenge status", err)
		}
		return nil
	})
}

// RevenueStats summarizes forfeited-stake PAYOUT revenue attributed to the
// platform identity over the trailing window starting at since.
type RevenueStats struct {
	Since               time.Time
	TotalRevenue        model.Tokens
	ForfeitedChallenges int
}

// PlatformRevenueStats aggregates persisted settlement results with
// nonzero platform revenue since the given time. It reads only settlement
// results (not the raw ledger) so the challenge count is exact.
func (e *Engine) PlatformRevenueStats(ctx context.Context, since time.Time) (*RevenueStats, error) {
	results, err := e.store.ListSettlementResultsSince(ctx, since)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list settlement results", err)
	}
	stats := &RevenueStats{Since: since}
	for _, r := range results {
		if r.PlatformRevenue > 0 {
			stats.TotalRevenue += r.PlatformRevenue
			stats.ForfeitedChallenges++
		}
	}
	return stats, nil
}
