package scheduler

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cypherpunk-agency/aide/internal/agent"
	"github.com/cypherpunk-agency/aide/internal/audit"
	"github.com/cypherpunk-agency/aide/internal/bus"
	"github.com/cypherpunk-agency/aide/internal/queue"
)

// healthLoop periodically kills runs stuck past the timeout plus buffer.
// The run supervisor normally enforces the timeout itself; this is the
// backstop for the cases where it could not, such as a wedged Wait.
func (s *Scheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reapStuck()
		}
	}
}

func (s *Scheduler) reapStuck() {
	processing, err := s.queue.Processing()
	if err != nil {
		s.logger.Error("stuck-job scan failed", "error", err)
		return
	}

	cutoff := s.now().Add(-(s.runner.Timeout() + s.stuckBuffer))
	for _, run := range processing {
		if run.StartedAt == nil || run.StartedAt.After(cutoff) {
			continue
		}

		key := lockKeyFor(run)
		s.logger.Warn("stuck run detected, terminating",
			"queue_id", run.ID, "run_id", run.RunID, "lock_key", key,
			"started_at", run.StartedAt)

		if p := s.locks.Proc(key); p != nil {
			agent.Terminate(p, s.killGrace)
		}
		if err := s.queue.MarkFailed(run.ID, "timeout exceeded"); err != nil {
			s.logger.Error("failed to mark stuck run failed", "queue_id", run.ID, "error", err)
		}
		s.locks.Release(key)

		s.bus.Publish(bus.TopicRunFailed, bus.RunEvent{
			RunID: run.RunID, QueueID: run.ID, Kind: string(run.Kind),
			Channel: run.Channel, Status: string(queue.StatusFailed),
			Error: "timeout exceeded",
		})
		audit.Record("stuck_kill", run.RunID, run.Channel, "timeout exceeded", "")
		if s.metrics != nil {
			s.metrics.StuckKills.Add(s.ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(run.Kind))))
		}

		s.mu.Lock()
		wake := s.wakes[key]
		s.mu.Unlock()
		if wake != nil {
			poke(wake)
		}
	}
}

func lockKeyFor(run queue.Run) string {
	if run.Kind == queue.KindCron {
		return lockKeyCron
	}
	return run.Channel
}
