package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cypherpunk-agency/aide/internal/agent"
	"github.com/cypherpunk-agency/aide/internal/bus"
	"github.com/cypherpunk-agency/aide/internal/msglog"
)

// Router delivers a completed run's result back to its origin channel:
// the result is appended to the conversation log as an agent message,
// broadcast on the bus, and sent through the channel's native sender.
type Router struct {
	set     *Set
	tracker *msglog.Tracker
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewRouter(set *Set, tracker *msglog.Tracker, b *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{set: set, tracker: tracker, bus: b, logger: logger}
}

// Route delivers the validated artifact at outputPath. Cron runs have no
// origin channel and only get the bus broadcast.
func (r *Router) Route(ctx context.Context, channel, outputPath string) error {
	out, err := agent.LoadOutput(outputPath)
	if err != nil {
		return err
	}
	if out.Result == "" {
		return fmt.Errorf("empty agent result")
	}

	if channel != "" {
		msg := msglog.Message{
			ID:        uuid.New().String(),
			Text:      out.Result,
			Origin:    msglog.OriginAgent,
			Channel:   channel,
			Timestamp: time.Now().UTC(),
		}
		if err := r.tracker.Append(msg); err != nil {
			return fmt.Errorf("record agent response: %w", err)
		}
		r.bus.Publish(bus.TopicMessageCreated, bus.MessageEvent{
			MessageID: msg.ID,
			Channel:   channel,
			Origin:    string(msg.Origin),
			Text:      msg.Text,
		})
	}

	if err := r.set.Deliver(ctx, channel, out.Result); err != nil {
		return fmt.Errorf("deliver to %s: %w", channel, err)
	}
	return nil
}
