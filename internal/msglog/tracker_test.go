package msglog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(t.TempDir(), 2, testLogger())
}

func TestUnprocessedFiltersAndOrders(t *testing.T) {
	tr := testTracker(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	done := base.Add(time.Minute)
	msgs := []Message{
		{ID: "m2", Text: "second", Origin: OriginHuman, Channel: "web", Timestamp: base.Add(2 * time.Minute)},
		{ID: "m1", Text: "first", Origin: OriginHuman, Channel: "web", Timestamp: base},
		{ID: "a1", Text: "reply", Origin: OriginAgent, Channel: "web", Timestamp: base.Add(time.Minute)},
		{ID: "m3", Text: "done", Origin: OriginHuman, Channel: "web", Timestamp: base, ProcessedAt: &done},
	}
	for _, m := range msgs {
		if err := tr.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := tr.Unprocessed("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unprocessed, got %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected chronological order m1,m2, got %s,%s", got[0].ID, got[1].ID)
	}
}

func TestUnprocessedEmptyChannel(t *testing.T) {
	tr := testTracker(t)
	got, err := tr.Unprocessed("nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages, got %d", len(got))
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	tr := testTracker(t)
	tr.Append(Message{ID: "m1", Text: "x", Origin: OriginHuman, Channel: "web"})
	tr.Append(Message{ID: "m2", Text: "y", Origin: OriginHuman, Channel: "web"})

	first := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	if err := tr.MarkProcessed("web", []string{"m1", "m2"}, first); err != nil {
		t.Fatal(err)
	}

	fileAfterOnce := readDayFile(t, tr, "web")

	// A second application with a later stamp must not change anything.
	if err := tr.MarkProcessed("web", []string{"m1", "m2"}, first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	fileAfterTwice := readDayFile(t, tr, "web")

	if string(fileAfterOnce) != string(fileAfterTwice) {
		t.Fatal("second MarkProcessed changed the file")
	}

	got, _ := tr.Unprocessed("web")
	if len(got) != 0 {
		t.Fatalf("expected everything processed, got %d", len(got))
	}
}

func TestMarkProcessedEmptyIDsNoIO(t *testing.T) {
	tr := testTracker(t)
	if err := tr.MarkProcessed("web", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(tr.dir, "web")); !os.IsNotExist(err) {
		t.Fatal("empty ids must not touch disk")
	}
}

func TestMarkProcessedSpansDayBoundary(t *testing.T) {
	tr := testTracker(t)

	yesterday := time.Date(2026, 8, 24, 23, 50, 0, 0, time.UTC)
	today := time.Date(2026, 8, 25, 0, 10, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return today })

	tr.Append(Message{ID: "old", Text: "before midnight", Origin: OriginHuman, Channel: "web", Timestamp: yesterday})
	tr.Append(Message{ID: "new", Text: "after midnight", Origin: OriginHuman, Channel: "web", Timestamp: today})

	// Both ids land in different day files; marking must touch each.
	if err := tr.MarkProcessed("web", []string{"old", "new"}, today); err != nil {
		t.Fatal(err)
	}

	got, err := tr.Unprocessed("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("messages resurfaced across the day boundary: %+v", got)
	}
}

func TestRecentLimits(t *testing.T) {
	tr := testTracker(t)
	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tr.Append(Message{
			ID: string(rune('a' + i)), Text: "m", Origin: OriginHuman,
			Channel: "web", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := tr.Recent("web", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "e" {
		t.Fatalf("expected most recent kept, got %v", got)
	}
}

func TestChannelsDiscovery(t *testing.T) {
	tr := testTracker(t)
	tr.Append(Message{ID: "1", Text: "x", Origin: OriginHuman, Channel: "web"})
	tr.Append(Message{ID: "2", Text: "y", Origin: OriginHuman, Channel: "telegram"})

	names, err := tr.Channels()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "telegram" || names[1] != "web" {
		t.Fatalf("unexpected channels: %v", names)
	}
}

func TestCorruptMessageLineSkipped(t *testing.T) {
	tr := testTracker(t)
	tr.Append(Message{ID: "ok", Text: "x", Origin: OriginHuman, Channel: "web"})

	path := tr.dayFile("web", tr.now())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("garbage line\n")
	f.Close()

	got, err := tr.Unprocessed("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("corrupt line not skipped: %+v", got)
	}
}

func readDayFile(t *testing.T, tr *Tracker, channel string) []byte {
	t.Helper()
	data, err := os.ReadFile(tr.dayFile(channel, tr.now()))
	if err != nil {
		t.Fatal(err)
	}
	return data
}
