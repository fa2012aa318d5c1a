package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ratchet-hq/ratchet/internal/engine"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the next fire time for a cron expression. Used both by
// the tick loop and by the management surface to initialize next_fire_at
// when a schedule trigger is saved.
func NextFire(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", cronExpr, err.Error())
	}
	return schedule.Next(from.UTC()), nil
}

// ValidateCron reports whether a cron expression parses.
func ValidateCron(cronExpr string) error {
	_, err := parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", cronExpr, err.Error())
	}
	return nil
}

// TickSubmitter is the surface the scheduler needs from the trigger
// matcher: one execution per firing, deduplicated by fire time.
type TickSubmitter interface {
	SubmitTick(ctx context.Context, trg *schema.Trigger, fireTime time.Time) (*engine.Submission, error)
}

// Scheduler polls the store for due schedule triggers, submits a tick for
// each, and advances next_fire_at. Ticks are idempotent on (trigger, fire
// time), so overlapping schedulers or a replay after a crash never
// double-fire.
type Scheduler struct {
	store     store.Store
	submitter TickSubmitter
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. interval <= 0 defaults to 30 seconds.
func NewScheduler(s store.Store, submitter TickSubmitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately; this also picks up firings missed
	// while the process was down.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule trigger once and advances its next fire
// time. A trigger that was due several periods ago fires exactly once per
// tick; the next_fire_at advance catches it up past now.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.ListDueScheduleTriggers(ctx, now)
	if err != nil {
		s.logger.Error("list due schedule triggers failed", slog.Any("error", err))
		return
	}

	for _, trg := range due {
		if trg.NextFireAt == nil {
			continue
		}
		fireTime := *trg.NextFireAt

		sub, err := s.submitter.SubmitTick(ctx, trg, fireTime)
		if err != nil {
			s.logger.Error("submit schedule tick failed",
				slog.String("trigger_id", trg.ID),
				slog.String("workflow_id", trg.WorkflowID),
				slog.Any("error", err))
			// next_fire_at stays put; the next tick retries this firing
			// with the same idempotency key.
			continue
		}
		s.logger.Info("schedule trigger fired",
			slog.String("trigger_id", trg.ID),
			slog.String("workflow_id", trg.WorkflowID),
			slog.Time("fire_time", fireTime),
			slog.String("submission", sub.Status))

		next, err := NextFire(trg.Cron, now)
		if err != nil {
			s.logger.Error("compute next fire failed",
				slog.String("trigger_id", trg.ID), slog.Any("error", err))
			continue
		}
		if err := s.store.SetTriggerNextFire(ctx, trg.ID, next); err != nil {
			s.logger.Error("advance next fire failed",
				slog.String("trigger_id", trg.ID), slog.Any("error", err))
		}
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
