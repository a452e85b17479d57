package prompt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cypherpunk-agency/aide/internal/msglog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrepareCronUsesQuery(t *testing.T) {
	home := t.TempDir()
	tracker := msglog.NewTracker(filepath.Join(home, "messages"), 2, testLogger())
	b := NewBuilder(tracker, home, 50, testLogger())

	got, err := b.Prepare(context.Background(), Request{Kind: "cron", Query: "summarize today"})
	if err != nil {
		t.Fatal(err)
	}
	if got.UserPrompt != "summarize today" {
		t.Fatalf("user prompt = %q", got.UserPrompt)
	}
	if got.SystemPrompt == "" {
		t.Fatal("missing system prompt")
	}
	if got.TokenEstimate <= 0 {
		t.Fatal("missing token estimate")
	}
}

func TestPrepareChatIncludesHistoryAndFocus(t *testing.T) {
	home := t.TempDir()
	tracker := msglog.NewTracker(filepath.Join(home, "messages"), 2, testLogger())
	base := time.Now().UTC().Add(-time.Hour)
	tracker.Append(msglog.Message{ID: "h1", Text: "earlier question", Origin: msglog.OriginHuman, Channel: "web", Timestamp: base})
	tracker.Append(msglog.Message{ID: "a1", Text: "earlier answer", Origin: msglog.OriginAgent, Channel: "web", Timestamp: base.Add(time.Minute)})
	tracker.Append(msglog.Message{ID: "f1", Text: "the new question", Origin: msglog.OriginHuman, Channel: "web", Timestamp: base.Add(2 * time.Minute)})

	b := NewBuilder(tracker, home, 50, testLogger())
	got, err := b.Prepare(context.Background(), Request{Kind: "chat", Channel: "web", FocusIDs: []string{"f1"}})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(got.UserPrompt, "earlier question") || !strings.Contains(got.UserPrompt, "earlier answer") {
		t.Fatalf("history missing: %q", got.UserPrompt)
	}
	if !strings.Contains(got.UserPrompt, "New messages:") || !strings.Contains(got.UserPrompt, "the new question") {
		t.Fatalf("focus messages missing: %q", got.UserPrompt)
	}
	// Focus text appears in the new-messages section, after the history.
	if strings.Index(got.UserPrompt, "the new question") < strings.Index(got.UserPrompt, "New messages:") {
		t.Fatalf("focus text in wrong section: %q", got.UserPrompt)
	}
}

func TestPersonaFileOverridesDefault(t *testing.T) {
	home := t.TempDir()
	os.WriteFile(filepath.Join(home, "PERSONA.md"), []byte("You are a gruff butler."), 0o644)
	tracker := msglog.NewTracker(filepath.Join(home, "messages"), 2, testLogger())
	b := NewBuilder(tracker, home, 50, testLogger())

	got, err := b.Prepare(context.Background(), Request{Kind: "cron", Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if got.SystemPrompt != "You are a gruff butler." {
		t.Fatalf("persona not loaded: %q", got.SystemPrompt)
	}
}
