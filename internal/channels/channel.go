// Package channels holds the delivery surfaces a run's outcome is routed to:
// built-in senders (telegram; web delivery is the realtime broadcast) and
// dynamically registered webhook channels that receive error callbacks.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Sender delivers text to one channel's native surface.
type Sender interface {
	// Name returns the unique channel name (e.g. "telegram").
	Name() string

	// Send delivers one message to the channel.
	Send(ctx context.Context, text string) error
}

// Set is the channel registry. Senders are registered at startup; webhook
// channels may be registered at any time and are discovered lazily by the
// scheduler.
type Set struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	webhooks map[string]string // channel name -> callback endpoint
	logger   *slog.Logger
}

func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		senders:  make(map[string]Sender),
		webhooks: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a native sender.
func (s *Set) Register(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[sender.Name()] = sender
}

// RegisterWebhook adds an externally-registered channel whose endpoint
// receives error callbacks.
func (s *Set) RegisterWebhook(channel, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[channel] = endpoint
}

// Names lists all registered channel names, native and webhook.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for name := range s.senders {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for name := range s.webhooks {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

// Deliver sends text through the channel's native sender, if one exists.
// Channels without a sender (e.g. web) rely on the realtime broadcast alone.
func (s *Set) Deliver(ctx context.Context, channel, text string) error {
	s.mu.RLock()
	sender := s.senders[channel]
	s.mu.RUnlock()

	if sender == nil {
		return nil
	}
	return sender.Send(ctx, text)
}

// DeliverError sends an error message through the native sender and, for
// webhook channels, posts an error callback to the registered endpoint.
func (s *Set) DeliverError(ctx context.Context, channel, text string) error {
	err := s.Deliver(ctx, channel, text)
	if err != nil {
		s.logger.Error("error delivery via sender failed", "channel", channel, "error", err)
	}

	s.mu.RLock()
	endpoint := s.webhooks[channel]
	s.mu.RUnlock()

	if endpoint != "" {
		if cbErr := postErrorCallback(ctx, endpoint, channel, text); cbErr != nil {
			s.logger.Error("error callback failed", "channel", channel, "endpoint", endpoint, "error", cbErr)
			if err == nil {
				err = cbErr
			}
		}
	}
	return err
}
