package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// priorityFor maps run kinds to queue priority. Lower runs first.
func priorityFor(kind Kind) int {
	if kind == KindChat {
		return 1
	}
	return 2
}

// Manager is the enqueue/dequeue/status-transition API over the store.
// All mutations are serialized under one mutex; the store file has a single
// writer by construction.
type Manager struct {
	mu            sync.Mutex
	store         *Store
	logger        *slog.Logger
	keepCompleted int
	now           func() time.Time
}

func NewManager(store *Store, keepCompleted int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if keepCompleted <= 0 {
		keepCompleted = 50
	}
	return &Manager{
		store:         store,
		logger:        logger,
		keepCompleted: keepCompleted,
		now:           time.Now,
	}
}

// Enqueue persists a new pending run. Priority is assigned by kind:
// chat=1, cron=2.
func (m *Manager) Enqueue(kind Kind, channel, query, prompt string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := Run{
		ID:         uuid.New().String(),
		Kind:       kind,
		Channel:    channel,
		Query:      query,
		Prompt:     prompt,
		Priority:   priorityFor(kind),
		Status:     StatusPending,
		EnqueuedAt: m.now().UTC(),
	}
	if err := m.store.Append(run); err != nil {
		return Run{}, err
	}
	m.logger.Debug("run enqueued", "queue_id", run.ID, "kind", run.Kind, "channel", run.Channel)
	return run, nil
}

// Dequeue returns the pending run with the lowest priority number, ties broken
// by earliest enqueue time, or nil when nothing is pending. Only the cron path
// uses this; chat work is discovered through the message tracker.
func (m *Manager) Dequeue() (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.pendingLocked()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	run := pending[0]
	return &run, nil
}

// MarkProcessing transitions pending -> processing and records the run id
// assigned for the agent invocation.
func (m *Manager) MarkProcessing(id, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, StatusProcessing, func(r *Run) {
		now := m.now().UTC()
		r.StartedAt = &now
		r.RunID = runID
	})
}

// MarkCompleted transitions processing -> completed and compacts the store.
func (m *Manager) MarkCompleted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(id, StatusCompleted, func(r *Run) {
		now := m.now().UTC()
		r.CompletedAt = &now
	}); err != nil {
		return err
	}
	return m.store.Compact(m.keepCompleted)
}

// MarkFailed transitions to failed with the error recorded.
func (m *Manager) MarkFailed(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, StatusFailed, func(r *Run) {
		now := m.now().UTC()
		r.CompletedAt = &now
		r.Error = errMsg
	})
}

// transition applies the patch after checking the status move is legal.
// Statuses never regress: pending -> processing -> {completed, failed}.
func (m *Manager) transition(id string, to Status, patch func(*Run)) error {
	var illegal error
	updated, err := m.store.Update(id, func(r *Run) {
		if !legalTransition(r.Status, to) {
			illegal = fmt.Errorf("illegal status transition %s -> %s for entry %s", r.Status, to, id)
			return
		}
		r.Status = to
		patch(r)
	})
	if err != nil {
		return err
	}
	if illegal != nil {
		return illegal
	}
	if updated == nil {
		return fmt.Errorf("queue entry %s not found", id)
	}
	return nil
}

func legalTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Pending returns pending runs in dequeue order.
func (m *Manager) Pending() ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

func (m *Manager) pendingLocked() ([]Run, error) {
	runs, err := m.store.ReadAll()
	if err != nil {
		return nil, err
	}
	var pending []Run
	for _, run := range runs {
		if run.Status == StatusPending {
			pending = append(pending, run)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	return pending, nil
}

// Processing returns runs currently marked processing.
func (m *Manager) Processing() ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.store.ReadAll()
	if err != nil {
		return nil, err
	}
	var processing []Run
	for _, run := range runs {
		if run.Status == StatusProcessing {
			processing = append(processing, run)
		}
	}
	return processing, nil
}

// RecentCompleted returns up to limit terminal runs, most recent last.
func (m *Manager) RecentCompleted(limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.store.ReadAll()
	if err != nil {
		return nil, err
	}
	var terminal []Run
	for _, run := range runs {
		if run.Terminal() {
			terminal = append(terminal, run)
		}
	}
	if limit > 0 && len(terminal) > limit {
		terminal = terminal[len(terminal)-limit:]
	}
	return terminal, nil
}

// ByID returns the run with the given queue id, or nil if absent.
func (m *Manager) ByID(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.store.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			run := runs[i]
			return &run, nil
		}
	}
	return nil, nil
}

// Position reports an entry's place in line: 0 while processing, a 1-based
// rank within the pending order otherwise. ok is false when the entry is
// absent or already terminal.
func (m *Manager) Position(id string) (pos int, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs, err := m.store.ReadAll()
	if err != nil {
		return 0, false, err
	}
	for _, run := range runs {
		if run.ID != id {
			continue
		}
		switch run.Status {
		case StatusProcessing:
			return 0, true, nil
		case StatusPending:
			pending, err := m.pendingLocked()
			if err != nil {
				return 0, false, err
			}
			for i, p := range pending {
				if p.ID == id {
					return i + 1, true, nil
				}
			}
		}
		return 0, false, nil
	}
	return 0, false, nil
}
