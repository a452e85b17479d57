package queue

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "queue.jsonl"), testLogger())
	return NewManager(store, 50, testLogger())
}

func TestEnqueueAssignsPriorityByKind(t *testing.T) {
	m := testManager(t)

	chat, err := m.Enqueue(KindChat, "web", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	cron, err := m.Enqueue(KindCron, "", "daily report", "")
	if err != nil {
		t.Fatal(err)
	}

	if chat.Priority != 1 {
		t.Errorf("chat priority = %d, want 1", chat.Priority)
	}
	if cron.Priority != 2 {
		t.Errorf("cron priority = %d, want 2", cron.Priority)
	}
	if chat.Status != StatusPending || cron.Status != StatusPending {
		t.Errorf("new entries must be pending")
	}
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	m := testManager(t)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, _ := m.Enqueue(KindCron, "", "cron-1", "")
	m.Enqueue(KindCron, "", "cron-2", "")
	chat, _ := m.Enqueue(KindChat, "web", "chat-1", "")

	// Chat (priority 1) precedes both earlier cron entries.
	got, err := m.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != chat.ID {
		t.Fatalf("expected chat entry first, got %+v", got)
	}

	if err := m.MarkProcessing(chat.ID, "run-1"); err != nil {
		t.Fatal(err)
	}

	// Among equal priorities, earliest enqueue wins.
	got, err = m.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected oldest cron entry, got %+v", got)
	}
}

func TestDequeueEmpty(t *testing.T) {
	m := testManager(t)
	got, err := m.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %+v", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	m := testManager(t)
	run, _ := m.Enqueue(KindCron, "", "q", "")

	if err := m.MarkCompleted(run.ID); err == nil {
		t.Error("pending -> completed must be rejected")
	}

	if err := m.MarkProcessing(run.ID, "run-1"); err != nil {
		t.Fatal(err)
	}
	entry, _ := m.ByID(run.ID)
	if entry.RunID != "run-1" || entry.StartedAt == nil {
		t.Fatalf("processing transition incomplete: %+v", entry)
	}

	if err := m.MarkProcessing(run.ID, "run-2"); err == nil {
		t.Error("processing -> processing must be rejected")
	}

	if err := m.MarkCompleted(run.ID); err != nil {
		t.Fatal(err)
	}
	entry, _ = m.ByID(run.ID)
	if entry.Status != StatusCompleted || entry.CompletedAt == nil {
		t.Fatalf("completed transition incomplete: %+v", entry)
	}

	// Terminal entries never regress.
	if err := m.MarkFailed(run.ID, "late error"); err == nil {
		t.Error("completed -> failed must be rejected")
	}
}

func TestMarkFailedRecordsError(t *testing.T) {
	m := testManager(t)
	run, _ := m.Enqueue(KindChat, "web", "q", "")
	m.MarkProcessing(run.ID, "run-1")

	if err := m.MarkFailed(run.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	entry, _ := m.ByID(run.ID)
	if entry.Status != StatusFailed || entry.Error != "boom" {
		t.Fatalf("failure not recorded: %+v", entry)
	}
}

func TestPosition(t *testing.T) {
	m := testManager(t)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	a, _ := m.Enqueue(KindCron, "", "a", "")
	b, _ := m.Enqueue(KindCron, "", "b", "")

	if pos, ok, _ := m.Position(a.ID); !ok || pos != 1 {
		t.Errorf("a position = %d/%v, want 1/true", pos, ok)
	}
	if pos, ok, _ := m.Position(b.ID); !ok || pos != 2 {
		t.Errorf("b position = %d/%v, want 2/true", pos, ok)
	}

	m.MarkProcessing(a.ID, "run-1")
	if pos, ok, _ := m.Position(a.ID); !ok || pos != 0 {
		t.Errorf("processing position = %d/%v, want 0/true", pos, ok)
	}
	if pos, ok, _ := m.Position(b.ID); !ok || pos != 1 {
		t.Errorf("b should move up, got %d/%v", pos, ok)
	}

	m.MarkCompleted(a.ID)
	if _, ok, _ := m.Position(a.ID); ok {
		t.Error("terminal entry should report not ok")
	}
	if _, ok, _ := m.Position("absent"); ok {
		t.Error("absent entry should report not ok")
	}
}

func TestCompactionAfterCompletion(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "queue.jsonl"), testLogger())
	m := NewManager(store, 2, testLogger())

	var last string
	for i := 0; i < 5; i++ {
		run, _ := m.Enqueue(KindCron, "", "q", "")
		m.MarkProcessing(run.ID, "run")
		m.MarkCompleted(run.ID)
		last = run.ID
	}

	terminal, err := m.RecentCompleted(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(terminal) != 2 {
		t.Fatalf("expected 2 terminal entries after compaction, got %d", len(terminal))
	}
	if terminal[1].ID != last {
		t.Fatalf("most recent completion missing: %v", terminal)
	}
}
