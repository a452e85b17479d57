// Package prompt assembles the system and user prompts handed to the agent
// process. The scheduler treats it as a black box: it only persists the
// system prompt to a temp file for the spawned CLI to read.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cypherpunk-agency/aide/internal/msglog"
)

// Request names the run a prompt is being prepared for.
type Request struct {
	Kind     string // "chat" or "cron"
	Channel  string
	FocusIDs []string // chat: the unprocessed message ids this run addresses
	Query    string   // cron: the scheduled prompt text; chat: ignored
}

// Prepared is the assembled prompt pair plus a rough token estimate.
type Prepared struct {
	SystemPrompt  string
	UserPrompt    string
	TokenEstimate int
}

// Builder is the default context builder: static persona preamble plus recent
// conversation history from the message tracker.
type Builder struct {
	tracker      *msglog.Tracker
	homeDir      string
	historyLimit int
	logger       *slog.Logger
}

func NewBuilder(tracker *msglog.Tracker, homeDir string, historyLimit int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Builder{
		tracker:      tracker,
		homeDir:      homeDir,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

const defaultPersona = "You are a personal assistant. Answer the user's " +
	"messages directly and concisely. Write your final answer as the result."

// Prepare assembles the prompts for one run.
func (b *Builder) Prepare(ctx context.Context, req Request) (Prepared, error) {
	system := b.systemPrompt()

	var user string
	switch req.Kind {
	case "cron":
		user = req.Query
	default:
		focus := make(map[string]struct{}, len(req.FocusIDs))
		for _, id := range req.FocusIDs {
			focus[id] = struct{}{}
		}
		history, err := b.tracker.Recent(req.Channel, b.historyLimit)
		if err != nil {
			return Prepared{}, fmt.Errorf("load conversation history: %w", err)
		}
		var sb strings.Builder
		for _, msg := range history {
			if _, ok := focus[msg.ID]; ok {
				continue
			}
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Origin, msg.Text)
		}
		if sb.Len() > 0 {
			user = "Conversation so far:\n" + sb.String() + "\nNew messages:\n"
		}
		for _, msg := range history {
			if _, ok := focus[msg.ID]; ok {
				user += msg.Text + "\n"
			}
		}
	}

	prepared := Prepared{
		SystemPrompt:  system,
		UserPrompt:    user,
		TokenEstimate: estimateTokens(system) + estimateTokens(user),
	}
	return prepared, nil
}

// systemPrompt loads PERSONA.md from the home dir when present, falling back
// to the built-in default.
func (b *Builder) systemPrompt() string {
	if b.homeDir != "" {
		if data, err := os.ReadFile(filepath.Join(b.homeDir, "PERSONA.md")); err == nil && len(data) > 0 {
			return string(data)
		}
	}
	return defaultPersona
}

// estimateTokens approximates token count as len/4, which is close enough for
// budget metadata.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
