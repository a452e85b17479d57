package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cypherpunk-agency/aide/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticHealth struct{ view map[string]any }

func (s staticHealth) Snapshot() any { return s.view }

func startHub(t *testing.T, b *bus.Bus) *Hub {
	t.Helper()
	h := NewHub("127.0.0.1:0", b, staticHealth{view: map[string]any{"pending": 2}}, testLogger())
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHealthEndpoint(t *testing.T) {
	h := startHub(t, bus.New())

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snapshot map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot["pending"] != float64(2) {
		t.Fatalf("snapshot = %v", snapshot)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	b := bus.New()
	h := startHub(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+h.Addr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Subscription registration races the publish; poll until delivered.
	received := make(chan wireEvent, 1)
	go func() {
		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err == nil {
			received <- ev
		}
	}()

	deadline := time.After(4 * time.Second)
	for {
		b.Publish(bus.TopicRunCompleted, bus.RunEvent{RunID: "r1", Status: "completed"})
		select {
		case ev := <-received:
			if ev.Topic != bus.TopicRunCompleted {
				t.Fatalf("topic = %s", ev.Topic)
			}
			return
		case <-deadline:
			t.Fatal("no event delivered to websocket client")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
