// Package cron turns configured schedules into queued cron runs. Each entry
// carries a standard 5-field cron expression; when one fires, a run is
// enqueued and the run scheduler is woken.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cypherpunk-agency/aide/internal/queue"
)

type entry struct {
	name     string
	prompt   string
	schedule cronlib.Schedule
	next     time.Time
}

// Spec is one configured schedule.
type Spec struct {
	Name   string
	Cron   string
	Prompt string
}

// Scheduler enqueues cron runs when their schedules fire.
type Scheduler struct {
	entries []*entry
	manager *queue.Manager
	wake    func() // pokes the run scheduler after enqueueing
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the specs and builds the scheduler. An invalid expression is a
// configuration error and fails construction.
func New(specs []Spec, manager *queue.Manager, wake func(), logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		manager: manager,
		wake:    wake,
		logger:  logger,
		now:     time.Now,
	}
	for _, spec := range specs {
		sched, err := cronlib.ParseStandard(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression %q: %w", spec.Name, spec.Cron, err)
		}
		s.entries = append(s.entries, &entry{
			name:     spec.Name,
			prompt:   spec.Prompt,
			schedule: sched,
		})
	}
	return s, nil
}

// Start begins the firing loop. No-op when no schedules are configured.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		s.logger.Debug("no schedules configured")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	now := s.now()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
		s.logger.Info("schedule registered", "name", e.name, "next", e.next)
	}

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the firing loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// fireDue enqueues a run for every entry whose next fire time has passed.
// A schedule that fires while its previous run is still queued simply adds
// another entry; the queue serializes them.
func (s *Scheduler) fireDue() {
	now := s.now()
	fired := false
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		run, err := s.manager.Enqueue(queue.KindCron, "", e.prompt, e.prompt)
		if err != nil {
			s.logger.Error("failed to enqueue scheduled run", "name", e.name, "error", err)
		} else {
			s.logger.Info("schedule fired", "name", e.name, "queue_id", run.ID)
			fired = true
		}
		e.next = e.schedule.Next(now)
	}
	if fired && s.wake != nil {
		s.wake()
	}
}
