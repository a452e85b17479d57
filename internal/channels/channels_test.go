package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cypherpunk-agency/aide/internal/bus"
	"github.com/cypherpunk-agency/aide/internal/msglog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu   sync.Mutex
	name string
	sent []string
	err  error
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func TestDeliverViaSender(t *testing.T) {
	set := NewSet(testLogger())
	sender := &recordingSender{name: "telegram"}
	set.Register(sender)

	if err := set.Deliver(context.Background(), "telegram", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hello" {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestDeliverWithoutSenderIsNoop(t *testing.T) {
	set := NewSet(testLogger())
	// Web has no native sender; delivery happens via the realtime broadcast.
	if err := set.Deliver(context.Background(), "web", "hello"); err != nil {
		t.Fatalf("broadcast-only channel must not error: %v", err)
	}
}

func TestDeliverErrorPostsWebhookCallback(t *testing.T) {
	var mu sync.Mutex
	var got errorCallback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	set := NewSet(testLogger())
	set.RegisterWebhook("external-app", srv.URL)

	err := set.DeliverError(context.Background(), "external-app", "processing failed")
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Channel != "external-app" || got.Error != "processing failed" {
		t.Fatalf("callback payload = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Fatalf("bad callback timestamp %q: %v", got.Timestamp, err)
	}
}

func TestDeliverErrorWebhookFailureReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	set := NewSet(testLogger())
	set.RegisterWebhook("external-app", srv.URL)

	if err := set.DeliverError(context.Background(), "external-app", "oops"); err == nil {
		t.Fatal("expected error from non-2xx callback")
	}
}

func TestNames(t *testing.T) {
	set := NewSet(testLogger())
	set.Register(&recordingSender{name: "telegram"})
	set.RegisterWebhook("external-app", "http://localhost:1/cb")

	names := set.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
}

func TestRouterDeliversAndRecords(t *testing.T) {
	dir := t.TempDir()
	tracker := msglog.NewTracker(filepath.Join(dir, "messages"), 2, testLogger())
	b := bus.New()
	sub := b.Subscribe(bus.TopicMessageCreated)
	defer b.Unsubscribe(sub)

	set := NewSet(testLogger())
	sender := &recordingSender{name: "telegram"}
	set.Register(sender)
	router := NewRouter(set, tracker, b, testLogger())

	outPath := filepath.Join(dir, "run-1.json")
	os.WriteFile(outPath, []byte(`{"result":"Here is your daily summary."}`), 0o644)

	if err := router.Route(context.Background(), "telegram", outPath); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "daily summary") {
		t.Fatalf("sender got %v", sender.sent)
	}

	recent, _ := tracker.Recent("telegram", 10)
	if len(recent) != 1 || recent[0].Origin != msglog.OriginAgent {
		t.Fatalf("response not recorded as agent message: %+v", recent)
	}

	select {
	case ev := <-sub.Ch():
		me := ev.Payload.(bus.MessageEvent)
		if me.Channel != "telegram" || me.Origin != string(msglog.OriginAgent) {
			t.Fatalf("unexpected bus event %+v", me)
		}
	default:
		t.Fatal("no bus event published")
	}
}

func TestRouterEmptyResult(t *testing.T) {
	dir := t.TempDir()
	tracker := msglog.NewTracker(filepath.Join(dir, "messages"), 2, testLogger())
	router := NewRouter(NewSet(testLogger()), tracker, bus.New(), testLogger())

	outPath := filepath.Join(dir, "run-1.json")
	os.WriteFile(outPath, []byte(`{"result":""}`), 0o644)

	if err := router.Route(context.Background(), "web", outPath); err == nil {
		t.Fatal("expected error for empty result")
	}
}

func TestRouterSenderFailureSurfaced(t *testing.T) {
	dir := t.TempDir()
	tracker := msglog.NewTracker(filepath.Join(dir, "messages"), 2, testLogger())
	set := NewSet(testLogger())
	set.Register(&recordingSender{name: "telegram", err: errors.New("api down")})
	router := NewRouter(set, tracker, bus.New(), testLogger())

	outPath := filepath.Join(dir, "run-1.json")
	os.WriteFile(outPath, []byte(`{"result":"text"}`), 0o644)

	if err := router.Route(context.Background(), "telegram", outPath); err == nil {
		t.Fatal("expected delivery error")
	}
}
