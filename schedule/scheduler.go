// SPDX-License-Identifier: LGPL-3.0-or-later

// Package schedule triggers backup runs on a wall-clock timetable and
// guards against overlapping runs with a single-instance file lock.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"backupvault/logger"
)

// RunFunc is invoked once per fired slot.
type RunFunc func(trigger string)

// Config describes when a run should fire.
type Config struct {
	// Times is a list of "HH:MM" wall-clock slots, evaluated in the local
	// timezone.
	Times []string

	// ToleranceMinutes: the scheduler fires a slot when the current time
	// is within ± this many minutes of it, at most once per slot per day.
	ToleranceMinutes int

	// CronExpr is an optional secondary trigger expressed as a standard
	// 5-field cron expression, layered on top of — never replacing — the
	// Times/ToleranceMinutes rule above.
	CronExpr string

	// PollInterval controls how often the Times/ToleranceMinutes rule is
	// re-evaluated. Defaults to one minute.
	PollInterval time.Duration
}

// Scheduler fires RunFunc according to Config.
type Scheduler struct {
	cfg  Config
	run  RunFunc
	log  logger.Logger
	cron *cron.Cron

	mu       sync.Mutex
	firedOn  map[string]string // slot -> date (YYYY-MM-DD) last fired
	stopCh   chan struct{}
	stopped  bool
}

// New creates a Scheduler. run is invoked synchronously from the
// scheduler's own goroutine; callers needing concurrency should dispatch
// internally.
func New(cfg Config, run RunFunc, log logger.Logger) (*Scheduler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}

	s := &Scheduler{
		cfg:     cfg,
		run:     run,
		log:     log,
		firedOn: make(map[string]string),
		stopCh:  make(chan struct{}),
	}

	if cfg.CronExpr != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.log.Info("cron trigger fired", "expr", cfg.CronExpr)
			s.run("cron")
		}); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
		}
	}

	return s, nil
}

// Start runs the scheduler until Stop is called. It blocks the calling
// goroutine; callers typically invoke it with `go`.
func (s *Scheduler) Start() {
	s.log.Info("scheduler starting", "slots", s.cfg.Times, "tolerance_minutes", s.cfg.ToleranceMinutes)

	if s.cron != nil {
		s.cron.Start()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(time.Now())
	for {
		select {
		case <-s.stopCh:
			s.log.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	close(s.stopCh)
}

func (s *Scheduler) tick(now time.Time) {
	today := now.Format("2006-01-02")

	for _, slot := range s.cfg.Times {
		slotTime, err := parseSlot(now, slot)
		if err != nil {
			s.log.Warn("invalid schedule slot, skipping", "slot", slot, "error", err)
			continue
		}

		diff := now.Sub(slotTime)
		if diff < 0 {
			diff = -diff
		}
		if diff > time.Duration(s.cfg.ToleranceMinutes)*time.Minute {
			continue
		}

		s.mu.Lock()
		if s.firedOn[slot] == today {
			s.mu.Unlock()
			continue
		}
		s.firedOn[slot] = today
		s.mu.Unlock()

		s.log.Info("schedule slot fired", "slot", slot)
		s.run("schedule:" + slot)
	}

	s.pruneStale(today)
}

// pruneStale drops fired-date entries from a prior day so the map does not
// grow unbounded across a long-running daemon.
func (s *Scheduler) pruneStale(today string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot, date := range s.firedOn {
		if date != today {
			delete(s.firedOn, slot)
		}
	}
}

func parseSlot(now time.Time, slot string) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", slot, now.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}
