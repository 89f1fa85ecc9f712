// Package jobs runs the background settlement sweep: on a fixed schedule
// it lists every COMPLETED challenge and settles it, so a challenge closes
// out even if no client ever calls POST /challenges/{id}/settle directly.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/settlement"
	"github.com/peerpush/chally-core/internal/store"
)

// Scheduler drives the settlement sweep on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	store      store.Store
	settlement *settlement.Engine
	jobTimeout time.Duration
}

// NewScheduler returns a Scheduler that settles COMPLETED challenges
// according to spec. jobTimeout bounds each individual Settle call so one
// wedged challenge can't stall the sweep indefinitely.
func NewScheduler(s store.Store, se *settlement.Engine, cronSpec string, jobTimeout time.Duration) (*Scheduler, error) {
	c := cron.New()
	sched := &Scheduler{cron: c, store: s, settlement: se, jobTimeout: jobTimeout}

	if _, err := c.AddFunc(cronSpec, sched.runSweep); err != nil {
		return nil, err
	}
	return sched, nil
}

// Start launches the cron scheduler in the background. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("settlement scheduler started")
}

// Stop waits for any in-flight run to finish and stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("settlement scheduler stopped")
}

func (s *Scheduler) runSweep() {
	ctx := context.Background()
	ready, err := s.store.ListChallengesByStatus(ctx, model.ChallengeCompleted)
	if err != nil {
		slog.Error("settlement sweep: list challenges", "err", err)
		return
	}
	if len(ready) == 0 {
		return
	}

	slog.Info("settlement sweep starting", "count", len(ready))
	for _, ch := range ready {
		s.settleOne(ch.ID)
	}
}

func (s *Scheduler) settleOne(challengeID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	if _, err := s.settlement.Settle(ctx, challengeID); err != nil {
		slog.Error("settlement sweep: settle challenge failed", "challenge_id", challengeID, "err", err)
		return
	}
	slog.Info("settlement sweep: challenge settled", "challenge_id", challengeID)
}
