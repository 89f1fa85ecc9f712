package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/store"
)

func TestAppendLedgerEntry_DuplicateExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	ext := "pi_123"

	first := &model.LedgerEntry{ID: uuid.New(), UserID: userID, Kind: model.KindDeposit, Amount: 500, ExternalID: &ext}
	if err := s.AppendLedgerEntry(ctx, first); err != nil {
		t.Fatalf("first append: %v", err)
	}

	second := &model.LedgerEntry{ID: uuid.New(), UserID: userID, Kind: model.KindDeposit, Amount: 500, ExternalID: &ext}
	if err := s.AppendLedgerEntry(ctx, second); err != store.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	bal, err := s.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 500 {
		t.Fatalf("expected balance 500 after rejected duplicate, got %d", bal)
	}
}

func TestListActiveAllocationsFIFO_Order(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	base := time.Now().UTC()

	a1 := &model.Allocation{ID: uuid.New(), UserID: userID, Original: 100, Remaining: 100, CreatedAt: base}
	a2 := &model.Allocation{ID: uuid.New(), UserID: userID, Original: 200, Remaining: 200, CreatedAt: base.Add(time.Second)}
	a3 := &model.Allocation{ID: uuid.New(), UserID: userID, Original: 50, Remaining: 0, CreatedAt: base.Add(2 * time.Second)}

	for _, a := range []*model.Allocation{a2, a3, a1} {
		if err := s.InsertAllocation(ctx, a); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	active, err := s.ListActiveAllocationsFIFO(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active allocations (exhausted a3 excluded), got %d", len(active))
	}
	if active[0].ID != a1.ID || active[1].ID != a2.ID {
		t.Fatalf("expected FIFO order [a1, a2], got [%s, %s]", active[0].ID, active[1].ID)
	}
}

func TestDecrementAllocation_RejectsOverdraw(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := &model.Allocation{ID: uuid.New(), UserID: uuid.New(), Original: 100, Remaining: 100, CreatedAt: time.Now().UTC()}
	if err := s.InsertAllocation(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DecrementAllocation(ctx, a.ID, 150); err == nil {
		t.Fatal("expected error decrementing past remaining balance")
	}
	if err := s.DecrementAllocation(ctx, a.ID, 40); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	active, _ := s.ListActiveAllocationsFIFO(ctx, a.UserID)
	if active[0].Remaining != 60 {
		t.Fatalf("expected remaining 60, got %d", active[0].Remaining)
	}
}

func TestLockUser_ReleasedAfterWithTx(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()

	err := s.WithTx(ctx, func(txCtx context.Context) error {
		return s.LockUser(txCtx, userID)
	})
	if err != nil {
		t.Fatalf("first WithTx: %v", err)
	}

	// A second transaction must be able to acquire the same user lock
	// immediately, proving the first release happened.
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(txCtx context.Context) error {
			return s.LockUser(txCtx, userID)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second WithTx: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second WithTx did not complete: lock was not released")
	}
}

func TestLockUser_TimesOutUnderContention(t *testing.T) {
	s := New()
	userID := uuid.New()

	holderStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithTx(context.Background(), func(txCtx context.Context) error {
			if err := s.LockUser(txCtx, userID); err != nil {
				return err
			}
			close(holderStarted)
			<-release
			return nil
		})
	}()
	<-holderStarted

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithTx(ctx, func(txCtx context.Context) error {
		return s.LockUser(txCtx, userID)
	})
	close(release)
	if err == nil {
		t.Fatal("expected contended lock acquisition to fail on context deadline")
	}
}

func TestLockUser_RequiresWithTx(t *testing.T) {
	s := New()
	if err := s.LockUser(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error locking outside WithTx")
	}
}

func TestParticipantAndChallengeLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	ch := &model.Challenge{ID: uuid.New(), Stake: 1000, Status: model.ChallengeActive}
	s.SeedChallenge(ch)

	got, err := s.GetChallenge(ctx, ch.ID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if got.Stake != 1000 {
		t.Fatalf("expected stake 1000, got %d", got.Stake)
	}

	p := &model.Participant{ID: uuid.New(), ChallengeID: ch.ID, UserID: uuid.New(), Status: model.ParticipantJoined}
	if err := s.InsertParticipant(ctx, p); err != nil {
		t.Fatalf("insert participant: %v", err)
	}
	if err := s.InsertParticipant(ctx, p); err == nil {
		t.Fatal("expected duplicate participant insert to fail")
	}

	if err := s.UpdateChallengeStatus(ctx, ch.ID, model.ChallengeSettled); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetChallenge(ctx, ch.ID)
	if !got.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", got.Status)
	}
}

func TestSettlementResultIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()
	challengeID := uuid.New()

	if _, err := s.GetSettlementResult(ctx, challengeID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	res := &model.SettlementResult{ChallengeID: challengeID, TotalPool: 3000, PlatformRevenue: 300}
	if err := s.SaveSettlementResult(ctx, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetSettlementResult(ctx, challengeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalPool != 3000 || got.PlatformRevenue != 300 {
		t.Fatalf("unexpected result: %+v", got)
	}
}
