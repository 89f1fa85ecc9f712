// Package memstore implements store.Store with in-memory maps. It backs
// the unit and property tests for wallet, deposit, withdrawal and
// settlement; it is not suitable for production use (no persistence).
//
// Locking is a keyed mutex table instead of PostgreSQL's
// pg_advisory_xact_lock, but honors the same contract: a lock acquired
// inside WithTx is released when the WithTx callback returns, and a
// blocked acquisition that exceeds the caller's context deadline returns
// context.DeadlineExceeded so callers can surface apperr.WalletBusy.
//
// WithTx does not roll back data: writes made inside the callback stay in
// place even when the callback returns an error; only the locks are
// released.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

type txCtxKey struct{}

// memTx tracks locks acquired during one WithTx call so they can all be
// released when the callback returns, mirroring a Postgres transaction's
// automatic advisory-lock release on commit/rollback.
type memTx struct {
	mu                 sync.Mutex
	acquiredUsers      map[uuid.UUID]bool
	acquiredChallenges map[uuid.UUID]bool
}

func newMemTx() *memTx {
	return &memTx{
		acquiredUsers:      make(map[uuid.UUID]bool),
		acquiredChallenges: make(map[uuid.UUID]bool),
	}
}

func txFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txCtxKey{}).(*memTx)
	return tx
}

// Store is the in-memory store.Store implementation.
type Store struct {
	mu sync.RWMutex

	ledger        []model.LedgerEntry
	externalIndex map[string]uuid.UUID // "kind|external_id" -> ledger entry ID

	allocations map[uuid.UUID]*model.Allocation
	refunds     map[uuid.UUID]*model.Refund

	challenges   map[uuid.UUID]*model.Challenge
	participants map[uuid.UUID]*model.Participant

	settlements map[uuid.UUID]*model.SettlementResult

	locksMu        sync.Mutex
	userLocks      map[uuid.UUID]*sync.Mutex
	challengeLocks map[uuid.UUID]*sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		externalIndex:  make(map[string]uuid.UUID),
		allocations:    make(map[uuid.UUID]*model.Allocation),
		refunds:        make(map[uuid.UUID]*model.Refund),
		challenges:     make(map[uuid.UUID]*model.Challenge),
		participants:   make(map[uuid.UUID]*model.Participant),
		settlements:    make(map[uuid.UUID]*model.SettlementResult),
		userLocks:      make(map[uuid.UUID]*sync.Mutex),
		challengeLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// SeedChallenge inserts or replaces a challenge directly, for test setup —
// the real challenge registry owns creation in production.
func (s *Store) SeedChallenge(ch *model.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.ID] = &cp
}

// SetParticipantStatus updates a participant's verification status
// directly, for test setup — in production this transition is driven by
// the external verification subsystem, not by Store.
func (s *Store) SetParticipantStatus(challengeID, userID uuid.UUID, status model.ParticipantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.participants {
		if p.ChallengeID == challengeID && p.UserID == userID {
			p.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func externalKey(kind model.LedgerKind, externalID string) string {
	return fmt.Sprintf("%s|%s", kind, externalID)
}

// --- Transactions ---

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := newMemTx()
	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	err := fn(txCtx)

	tx.mu.Lock()
	users := make([]uuid.UUID, 0, len(tx.acquiredUsers))
	for u := range tx.acquiredUsers {
		users = append(users, u)
	}
	chs := make([]uuid.UUID, 0, len(tx.acquiredChallenges))
	for c := range tx.acquiredChallenges {
		chs = append(chs, c)
	}
	tx.mu.Unlock()

	for _, u := range users {
		s.userMutex(u).Unlock()
	}
	for _, c := range chs {
		s.challengeMutex(c).Unlock()
	}
	return err
}

func (s *Store) userMutex(userID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.userLocks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.userLocks[userID] = m
	}
	return m
}

func (s *Store) challengeMutex(challengeID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.challengeLocks[challengeID]
	if !ok {
		m = &sync.Mutex{}
		s.challengeLocks[challengeID] = m
	}
	return m
}

// acquire blocks mu.Lock() until acquired or ctx is done. If ctx is done
// first, a background goroutine still finishes the acquisition and
// immediately releases it, so the mutex is never left held past this
// call's abandonment.
func acquire(ctx context.Context, mu *sync.Mutex) error {
	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

func (s *Store) LockUser(ctx context.Context, userID uuid.UUID) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("memstore: LockUser called outside WithTx")
	}
	tx.mu.Lock()
	already := tx.acquiredUsers[userID]
	tx.mu.Unlock()
	if already {
		return nil
	}
	if err := acquire(ctx, s.userMutex(userID)); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.acquiredUsers[userID] = true
	tx.mu.Unlock()
	return nil
}

func (s *Store) LockChallenge(ctx context.Context, challengeID uuid.UUID) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("memstore: LockChallenge called outside WithTx")
	}
	tx.mu.Lock()
	already := tx.acquiredChallenges[challengeID]
	tx.mu.Unlock()
	if already {
		return nil
	}
	if err := acquire(ctx, s.challengeMutex(challengeID)); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.acquiredChallenges[challengeID] = true
	tx.mu.Unlock()
	return nil
}

// --- Ledger ---

func (s *Store) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ExternalID != nil {
		key := externalKey(e.Kind, *e.ExternalID)
		if _, exists := s.externalIndex[key]; exists {
			return store.ErrDuplicate
		}
		s.externalIndex[key] = e.ID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.ledger = append(s.ledger, cp)
	return nil
}

func (s *Store) FindLedgerEntryByExternalID(_ context.Context, kind model.LedgerKind, externalID string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.externalIndex[externalKey(kind, externalID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, e := range s.ledger {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Balance(_ context.Context, userID uuid.UUID) (model.Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total model.Tokens
	for _, e := range s.ledger {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total, nil
}

func (s *Store) SumLedger(_ context.Context, userID uuid.UUID, kind model.LedgerKind, since *time.Time) (model.Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total model.Tokens
	for _, e := range s.ledger {
		if e.UserID != userID || e.Kind != kind {
			continue
		}
		if since != nil && e.CreatedAt.Before(*since) {
			continue
		}
		total += e.Amount
	}
	return total, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, userID uuid.UUID) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Allocations ---

func (s *Store) InsertAllocation(_ context.Context, a *model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.allocations[a.ID] = &cp
	return nil
}

func (s *Store) allocationsForUser(userID uuid.UUID) []model.Allocation {
	var out []model.Allocation
	for _, a := range s.allocations {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ListActiveAllocationsFIFO(_ context.Context, userID uuid.UUID) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Allocation
	for _, a := range s.allocationsForUser(userID) {
		if a.Remaining > 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ListRefundableAllocations(_ context.Context, userID uuid.UUID, since time.Time) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Allocation
	for _, a := range s.allocationsForUser(userID) {
		if a.Refundable() && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) DecrementAllocation(_ context.Context, id uuid.UUID, by model.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return store.ErrNotFound
	}
	if by < 0 || by > a.Remaining {
		return fmt.Errorf("memstore: decrement %d exceeds remaining %d on allocation %s", by, a.Remaining, id)
	}
	a.Remaining -= by
	return nil
}

// --- Refunds ---

func (s *Store) InsertRefund(_ context.Context, r *model.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

func (s *Store) LinkRefundsToWithdrawal(_ context.Context, refundIDs []uuid.UUID, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range refundIDs {
		r, ok := s.refunds[id]
		if !ok {
			return store.ErrNotFound
		}
		linked := entryID
		r.WithdrawalLedgerEntryID = &linked
	}
	return nil
}

// --- Challenges / participants ---

func (s *Store) GetChallenge(_ context.Context, id uuid.UUID) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.challenges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *Store) UpdateChallengeStatus(_ context.Context, id uuid.UUID, status model.ChallengeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[id]
	if !ok {
		return store.ErrNotFound
	}
	ch.Status = status
	return nil
}

func (s *Store) ListChallengesByStatus(_ context.Context, status model.ChallengeStatus) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Challenge
	for _, ch := range s.challenges {
		if ch.Status == status {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (s *Store) ListParticipants(_ context.Context, challengeID uuid.UUID) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Participant
	for _, p := range s.participants {
		if p.ChallengeID == challengeID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Store) GetParticipant(_ context.Context, challengeID, userID uuid.UUID) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.participants {
		if p.ChallengeID == challengeID && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) InsertParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.participants {
		if existing.ChallengeID == p.ChallengeID && existing.UserID == p.UserID {
			return store.ErrDuplicate
		}
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

// --- Settlement idempotency ---

func (s *Store) GetSettlementResult(_ context.Context, challengeID uuid.UUID) (*model.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.settlements[challengeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *Store) SaveSettlementResult(_ context.Context, res *model.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *res
	s.settlements[res.ChallengeID] = &cp
	return nil
}

func (s *Store) ListSettlementResultsSince(_ context.Context, since time.Time) ([]model.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementResult
	for _, res := range s.settlements {
		if !res.SettledAt.Before(since) {
			out = append(out, *res)
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
