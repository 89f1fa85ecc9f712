// Package pgstore implements store.Store on PostgreSQL. It is the system
// of record: every ledger entry, allocation and settlement result is
// stored as BIGINT minor units, never NUMERIC or float — tokens have no
// fractional component. Advisory locks (pg_advisory_xact_lock) scoped to
// the transaction opened by WithTx provide the per-user/per-challenge
// serialization every other Store implementation must also honor.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

// lockNotAvailable is Postgres's SQLSTATE for a lock_timeout expiry while
// waiting on pg_advisory_xact_lock.
const lockNotAvailable = "55P03"

type txCtxKey struct{}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query method run identically whether or not it's inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on top of a pgxpool connection pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// New returns a Store. lockTimeout bounds how long LockUser/LockChallenge
// wait for a contended advisory lock before failing.
func New(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithTx runs fn inside a single database transaction, with lock_timeout
// set to s.lockTimeout for the lifetime of that transaction so
// LockUser/LockChallenge fail fast under contention instead of blocking
// forever.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("pgstore: set lock_timeout: %w", err)
	}

	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	if err := fn(txCtx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

// lockKey derives a stable int64 advisory-lock key from a namespace and a
// UUID. pg_advisory_xact_lock takes a single bigint; a namespaced FNV-1a
// hash keeps user and challenge lock spaces from colliding.
func lockKey(namespace string, id uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write(id[:])
	return int64(h.Sum64())
}

func (s *Store) advisoryLock(ctx context.Context, key int64) error {
	tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx)
	if !ok {
		return fmt.Errorf("pgstore: lock called outside WithTx")
	}
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("pgstore: advisory lock: %w", err)
	}
	return nil
}

func (s *Store) LockUser(ctx context.Context, userID uuid.UUID) error {
	return s.advisoryLock(ctx, lockKey("user", userID))
}

func (s *Store) LockChallenge(ctx context.Context, challengeID uuid.UUID) error {
	return s.advisoryLock(ctx, lockKey("challenge", challengeID))
}

// --- Ledger ---

func (s *Store) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, currency, external_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.Kind, int64(e.Amount), e.Currency, e.ExternalID, e.Note, e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicate
		}
		return fmt.Errorf("pgstore: append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) FindLedgerEntryByExternalID(ctx context.Context, kind model.LedgerKind, externalID string) (*model.LedgerEntry, error) {
	row := s.q(ctx).QueryRow(ctx,
		`SELECT id, user_id, kind, amount, currency, external_id, note, created_at
		 FROM ledger_entries WHERE kind = $1 AND external_id = $2`, kind, externalID)
	return scanLedgerEntry(row)
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (model.Tokens, error) {
	var sum int64
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("pgstore: balance: %w", err)
	}
	return model.Tokens(sum), nil
}

func (s *Store) SumLedger(ctx context.Context, userID uuid.UUID, kind model.LedgerKind, since *time.Time) (model.Tokens, error) {
	var sum int64
	var err error
	if since != nil {
		err = s.q(ctx).QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1 AND kind = $2 AND created_at >= $3`,
			userID, kind, *since).Scan(&sum)
	} else {
		err = s.q(ctx).QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1 AND kind = $2`,
			userID, kind).Scan(&sum)
	}
	if err != nil {
		return 0, fmt.Errorf("pgstore: sum ledger: %w", err)
	}
	return model.Tokens(sum), nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, userID uuid.UUID) ([]model.LedgerEntry, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, user_id, kind, amount, currency, external_id, note, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row pgxRow) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var amount int64
	if err := row.Scan(&e.ID, &e.UserID, &e.Kind, &amount, &e.Currency, &e.ExternalID, &e.Note, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: scan ledger entry: %w", err)
	}
	e.Amount = model.Tokens(amount)
	return &e, nil
}

// --- Allocations ---

func (s *Store) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO allocations (id, user_id, original, remaining, payment_ref, ledger_entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, int64(a.Original), int64(a.Remaining), a.PaymentRef, a.LedgerEntryID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert allocation: %w", err)
	}
	return nil
}

func (s *Store) ListActiveAllocationsFIFO(ctx context.Context, userID uuid.UUID) ([]model.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT id, user_id, original, remaining, payment_ref, ledger_entry_id, created_at
		 FROM allocations WHERE user_id = $1 AND remaining > 0 ORDER BY created_at ASC, id ASC`, userID)
}

func (s *Store) ListRefundableAllocations(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT id, user_id, original, remaining, payment_ref, ledger_entry_id, created_at
		 FROM allocations
		 WHERE user_id = $1 AND remaining > 0 AND payment_ref IS NOT NULL AND created_at >= $2
		 ORDER BY created_at ASC, id ASC`, userID, since)
}

func (s *Store) listAllocations(ctx context.Context, sql string, args ...any) ([]model.Allocation, error) {
	rows, err := s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list allocations: %w", err)
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var original, remaining int64
		if err := rows.Scan(&a.ID, &a.UserID, &original, &remaining, &a.PaymentRef, &a.LedgerEntryID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan allocation: %w", err)
		}
		a.Original = model.Tokens(original)
		a.Remaining = model.Tokens(remaining)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DecrementAllocation(ctx context.Context, id uuid.UUID, by model.Tokens) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE allocations SET remaining = remaining - $2 WHERE id = $1 AND remaining >= $2`,
		id, int64(by))
	if err != nil {
		return fmt.Errorf("pgstore: decrement allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: decrement allocation %s by %d would overdraw", id, by)
	}
	return nil
}

// --- Refunds ---

func (s *Store) InsertRefund(ctx context.Context, r *model.Refund) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO refunds (id, user_id, allocation_id, amount, external_refund_id, withdrawal_ledger_entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.UserID, r.AllocationID, int64(r.Amount), r.ExternalRefundID, r.WithdrawalLedgerEntryID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert refund: %w", err)
	}
	return nil
}

func (s *Store) LinkRefundsToWithdrawal(ctx context.Context, refundIDs []uuid.UUID, entryID uuid.UUID) error {
	if len(refundIDs) == 0 {
		return nil
	}
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE refunds SET withdrawal_ledger_entry_id = $1 WHERE id = ANY($2)`,
		entryID, refundIDs,
	)
	if err != nil {
		return fmt.Errorf("pgstore: link refunds to withdrawal: %w", err)
	}
	return nil
}

// --- Challenges / participants ---

func (s *Store) GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error) {
	row := s.q(ctx).QueryRow(ctx,
		`SELECT id, creator_id, stake, max_participants, start_at, end_at, status, verification_threshold, allow_late_join
		 FROM challenges WHERE id = $1`, id)

	var ch model.Challenge
	var stake int64
	if err := row.Scan(&ch.ID, &ch.CreatorID, &stake, &ch.MaxParticipants, &ch.StartAt, &ch.EndAt, &ch.Status, &ch.VerificationThreshold, &ch.AllowLateJoin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get challenge: %w", err)
	}
	ch.Stake = model.Tokens(stake)
	return &ch, nil
}

func (s *Store) UpdateChallengeStatus(ctx context.Context, id uuid.UUID, status model.ChallengeStatus) error {
	tag, err := s.q(ctx).Exec(ctx, `UPDATE challenges SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("pgstore: update challenge status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListChallengesByStatus(ctx context.Context, status model.ChallengeStatus) ([]model.Challenge, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, creator_id, stake, max_participants, start_at, end_at, status, verification_threshold, allow_late_join
		 FROM challenges WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list challenges by status: %w", err)
	}
	defer rows.Close()

	var out []model.Challenge
	for rows.Next() {
		var ch model.Challenge
		var stake int64
		if err := rows.Scan(&ch.ID, &ch.CreatorID, &stake, &ch.MaxParticipants, &ch.StartAt, &ch.EndAt, &ch.Status, &ch.VerificationThreshold, &ch.AllowLateJoin); err != nil {
			return nil, fmt.Errorf("pgstore: scan challenge: %w", err)
		}
		ch.Stake = model.Tokens(stake)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) ListParticipants(ctx context.Context, challengeID uuid.UUID) ([]model.Participant, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, challenge_id, user_id, status, joined_at, stake_ledger_entry_id
		 FROM participants WHERE challenge_id = $1 ORDER BY joined_at ASC, user_id ASC`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.ChallengeID, &p.UserID, &p.Status, &p.JoinedAt, &p.StakeLedgerEntryID); err != nil {
			return nil, fmt.Errorf("pgstore: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetParticipant(ctx context.Context, challengeID, userID uuid.UUID) (*model.Participant, error) {
	row := s.q(ctx).QueryRow(ctx,
		`SELECT id, challenge_id, user_id, status, joined_at, stake_ledger_entry_id
		 FROM participants WHERE challenge_id = $1 AND user_id = $2`, challengeID, userID)

	var p model.Participant
	if err := row.Scan(&p.ID, &p.ChallengeID, &p.UserID, &p.Status, &p.JoinedAt, &p.StakeLedgerEntryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get participant: %w", err)
	}
	return &p, nil
}

func (s *Store) InsertParticipant(ctx context.Context, p *model.Participant) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO participants (id, challenge_id, user_id, status, joined_at, stake_ledger_entry_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ChallengeID, p.UserID, p.Status, p.JoinedAt, p.StakeLedgerEntryID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("pgstore: %w: already joined", store.ErrDuplicate)
		}
		return fmt.Errorf("pgstore: insert participant: %w", err)
	}
	return nil
}

// --- Settlement idempotency ---

func (s *Store) GetSettlementResult(ctx context.Context, challengeID uuid.UUID) (*model.SettlementResult, error) {
	row := s.q(ctx).QueryRow(ctx,
		`SELECT challenge_id, total_pool, winner_user_ids, per_winner, remainder_recipient, platform_revenue, settled_at
		 FROM settlement_results WHERE challenge_id = $1`, challengeID)

	var res model.SettlementResult
	var totalPool, platformRevenue int64
	var winnerIDs []uuid.UUID
	var perWinnerRaw map[string]int64
	if err := row.Scan(&res.ChallengeID, &totalPool, &winnerIDs, &perWinnerRaw, &res.RemainderRecipient, &platformRevenue, &res.SettledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get settlement result: %w", err)
	}
	res.TotalPool = model.Tokens(totalPool)
	res.PlatformRevenue = model.Tokens(platformRevenue)
	res.WinnerUserIDs = winnerIDs
	res.PerWinner = make(map[uuid.UUID]model.Tokens, len(perWinnerRaw))
	for idStr, amount := range perWinnerRaw {
		uid, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		res.PerWinner[uid] = model.Tokens(amount)
	}
	return &res, nil
}

func (s *Store) SaveSettlementResult(ctx context.Context, res *model.SettlementResult) error {
	perWinner := make(map[string]int64, len(res.PerWinner))
	for uid, amount := range res.PerWinner {
		perWinner[uid.String()] = int64(amount)
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO settlement_results (challenge_id, total_pool, winner_user_ids, per_winner, remainder_recipient, platform_revenue, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (challenge_id) DO NOTHING`,
		res.ChallengeID, int64(res.TotalPool), res.WinnerUserIDs, perWinner, res.RemainderRecipient, int64(res.PlatformRevenue), res.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: save settlement result: %w", err)
	}
	return nil
}

func (s *Store) ListSettlementResultsSince(ctx context.Context, since time.Time) ([]model.SettlementResult, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT challenge_id, total_pool, winner_user_ids, per_winner, remainder_recipient, platform_revenue, settled_at
		 FROM settlement_results WHERE settled_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list settlement results: %w", err)
	}
	defer rows.Close()

	var out []model.SettlementResult
	for rows.Next() {
		var res model.SettlementResult
		var totalPool, platformRevenue int64
		var winnerIDs []uuid.UUID
		var perWinnerRaw map[string]int64
		if err := rows.Scan(&res.ChallengeID, &totalPool, &winnerIDs, &perWinnerRaw, &res.RemainderRecipient, &platformRevenue, &res.SettledAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan settlement result: %w", err)
		}
		res.TotalPool = model.Tokens(totalPool)
		res.PlatformRevenue = model.Tokens(platformRevenue)
		res.WinnerUserIDs = winnerIDs
		res.PerWinner = make(map[uuid.UUID]model.Tokens, len(perWinnerRaw))
		for idStr, amount := range perWinnerRaw {
			uid, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			res.PerWinner[uid] = model.Tokens(amount)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
