package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/cypherpunk-agency/aide/internal/msglog"
)

// TelegramChannel is both a Sender (outbound delivery) and an inbound
// listener: received messages are appended to the message log and the
// scheduler is woken, which is how telegram work enters the system.
type TelegramChannel struct {
	token      string
	chatID     int64
	allowedIDs map[int64]struct{}
	tracker    *msglog.Tracker
	onMessage  func(channel string)
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates the telegram channel. onMessage is invoked with
// the channel name after each inbound message is persisted.
func NewTelegramChannel(token string, chatID int64, allowedIDs []int64, tracker *msglog.Tracker, onMessage func(channel string), logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		chatID:     chatID,
		allowedIDs: allowed,
		tracker:    tracker,
		onMessage:  onMessage,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Send delivers one message to the configured chat.
func (t *TelegramChannel) Send(ctx context.Context, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	if t.chatID == 0 {
		return fmt.Errorf("telegram chat_id not configured")
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start begins long-polling for updates. It blocks until the context is
// canceled, reconnecting with exponential backoff on poll failures.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection: the library blocks rather than closing the channel on a dead
// connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleMessage(update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates within %s, assuming dead connection", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(m *tgbotapi.Message) {
	if len(t.allowedIDs) > 0 {
		if m.From == nil {
			return
		}
		if _, ok := t.allowedIDs[m.From.ID]; !ok {
			t.logger.Warn("telegram message from unauthorized user dropped", "user_id", m.From.ID)
			return
		}
	}

	msg := msglog.Message{
		ID:        uuid.New().String(),
		Text:      m.Text,
		Origin:    msglog.OriginHuman,
		Channel:   t.Name(),
		Timestamp: m.Time().UTC(),
	}
	if err := t.tracker.Append(msg); err != nil {
		t.logger.Error("failed to persist telegram message", "error", err)
		return
	}
	t.logger.Debug("telegram message received", "message_id", msg.ID)

	if t.onMessage != nil {
		t.onMessage(t.Name())
	}
}
