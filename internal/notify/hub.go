// Package notify exposes the realtime surface: a websocket endpoint that
// fans out bus events to connected clients, plus a health endpoint serving
// the scheduler's snapshot.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cypherpunk-agency/aide/internal/bus"
)

// HealthProvider supplies the current scheduler snapshot for /healthz.
type HealthProvider interface {
	Snapshot() any
}

// Hub is the websocket fan-out server.
type Hub struct {
	addr   string
	bus    *bus.Bus
	health HealthProvider
	logger *slog.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	server    *http.Server
	boundAddr string
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	ch   chan wireEvent
}

// wireEvent is the JSON envelope pushed to clients.
type wireEvent struct {
	Topic     string `json:"topic"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

func NewHub(addr string, b *bus.Bus, health HealthProvider, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		addr:    addr,
		bus:     b,
		health:  health,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Start binds the listener and begins serving. Non-blocking; Stop shuts the
// server and all client connections down.
func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/healthz", h.handleHealth)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		cancel()
		return err
	}
	h.server = &http.Server{Handler: mux}
	h.boundAddr = ln.Addr().String()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("notify server stopped", "error", err)
		}
	}()

	h.wg.Add(1)
	go h.pumpBus(ctx)

	h.logger.Info("notify hub listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (h *Hub) Addr() string {
	return h.boundAddr
}

// Stop shuts the server down and waits for the fan-out loop to drain.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}
	h.wg.Wait()
}

// pumpBus forwards every bus event to every connected client.
func (h *Hub) pumpBus(ctx context.Context) {
	defer h.wg.Done()

	sub := h.bus.Subscribe("")
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			we := wireEvent{
				Topic:     ev.Topic,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Payload:   ev.Payload,
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.ch <- we:
				default:
					// Slow client, drop.
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // loopback bind only
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn, ch: make(chan wireEvent, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	// Reader goroutine: we send only, but reads must be drained for control
	// frames and to notice the close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev := <-c.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var snapshot any
	if h.health != nil {
		snapshot = h.health.Snapshot()
	}
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Warn("health snapshot encode failed", "error", err)
	}
}
