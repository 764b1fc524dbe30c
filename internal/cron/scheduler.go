// Package cron fires task creation on a fixed schedule. Schedules are
// static entries from config.CronScheduleConfig (spec §12 supplemented
// scheduled tasks; the cron runner's scheduling UI is out of scope per
// spec.md's non-goals, but the firing mechanism is carried as ambient
// infra, same as the teacher's internal/cron.Scheduler).
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// entry pairs a configured schedule with its parsed expression and the
// last tick it fired on, so the scheduler never double-fires within the
// same minute.
type entry struct {
	cfg      config.CronScheduleConfig
	schedule cronlib.Schedule
	lastFire time.Time
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Schedule []config.CronScheduleConfig
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks configured cron expressions and creates a
// task for each one due to fire.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	entries  []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler from a list of cron entries. Entries
// with an unparseable expression are skipped and logged rather than
// failing the whole broker.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{store: cfg.Store, logger: logger, interval: interval}
	for _, c := range cfg.Schedule {
		parsed, err := cronParser.Parse(c.Expr)
		if err != nil {
			logger.Error("cron: skipping schedule with invalid expression", "name", c.Name, "expr", c.Expr, "error", err)
			continue
		}
		s.entries = append(s.entries, &entry{cfg: c, schedule: parsed})
	}
	return s
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "entries", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks every entry and fires those whose schedule has a fire time
// in (lastFire, now].
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, e := range s.entries {
		base := e.lastFire
		if base.IsZero() {
			base = now.Add(-s.interval)
		}
		next := e.schedule.Next(base)
		if next.After(now) {
			continue
		}
		e.lastFire = now
		s.fire(ctx, e.cfg)
	}
}

// fire creates a task for the given schedule entry.
func (s *Scheduler) fire(ctx context.Context, c config.CronScheduleConfig) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("scheduled task %q", c.Name)
	}

	task, err := s.store.CreateTask(ctx, persistence.CreateTaskParams{
		CreatorAgentID: "cron:" + c.Name,
		OwnerAgentID:   c.AgentID,
		Description:    description,
		Source:         "scheduled",
		Priority:       c.Priority,
	})
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule", "schedule_name", c.Name, "error", err)
		return
	}

	s.logger.Info("cron: schedule fired", "schedule_name", c.Name, "task_id", task.ID, "agent_id", c.AgentID)
}

// NextRunTime parses a cron expression and returns the next run time after
// the given time. Exposed for doctor's config-validation check.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
