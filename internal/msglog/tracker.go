// Package msglog stores conversation messages in per-channel, per-day JSONL
// files and tracks which human messages have been processed. The unprocessed
// predicate is durable, so chat work missed while the daemon was down is
// recovered on the next poll; the files double as the implicit chat queue.
package msglog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Origin identifies who produced a message.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAgent Origin = "agent"
)

// Message is one conversation entry. Only human-origin messages are ever
// scanned for unprocessed status; agent messages never carry ProcessedAt.
type Message struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Origin      Origin     `json:"origin"`
	Channel     string     `json:"channel"`
	Timestamp   time.Time  `json:"timestamp"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

const dayLayout = "2006-01-02"

// Tracker reads and mutates the per-channel day files under dir.
type Tracker struct {
	mu           sync.Mutex
	dir          string
	lookbackDays int
	logger       *slog.Logger
	now          func() time.Time
}

func NewTracker(dir string, lookbackDays int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if lookbackDays < 1 {
		lookbackDays = 2
	}
	return &Tracker{
		dir:          dir,
		lookbackDays: lookbackDays,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) channelDir(channel string) string {
	return filepath.Join(t.dir, channel)
}

func (t *Tracker) dayFile(channel string, day time.Time) string {
	return filepath.Join(t.channelDir(channel), day.UTC().Format(dayLayout)+".jsonl")
}

// Append adds one message to its channel's current day file.
func (t *Tracker) Append(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.Channel == "" {
		return fmt.Errorf("message channel must be non-empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.now().UTC()
	}
	if err := os.MkdirAll(t.channelDir(msg.Channel), 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}

	path := t.dayFile(msg.Channel, msg.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// lookbackFiles lists the day files in scan order: oldest first, today last.
// The window covers today plus lookbackDays prior days so runs that span
// midnight never lose sight of their messages.
func (t *Tracker) lookbackFiles(channel string) []string {
	now := t.now().UTC()
	files := make([]string, 0, t.lookbackDays+1)
	for i := t.lookbackDays; i >= 0; i-- {
		files = append(files, t.dayFile(channel, now.AddDate(0, 0, -i)))
	}
	return files
}

// Unprocessed returns human-origin messages without a processed timestamp,
// in chronological order, scanning the lookback window of day files.
func (t *Tracker) Unprocessed(channel string) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, path := range t.lookbackFiles(channel) {
		msgs, err := t.readFile(path)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			if msg.Origin == OriginHuman && msg.ProcessedAt == nil {
				out = append(out, msg)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// MarkProcessed sets ProcessedAt on the matching ids in every day file of the
// lookback window that contains one. Files without a match are left untouched;
// an empty id set does no I/O at all. Re-marking an already-processed id is a
// harmless no-op, so the call is idempotent.
func (t *Tracker) MarkProcessed(channel string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	at = at.UTC()

	for _, path := range t.lookbackFiles(channel) {
		msgs, err := t.readFile(path)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			continue
		}
		touched := false
		for i := range msgs {
			if _, ok := want[msgs[i].ID]; !ok {
				continue
			}
			if msgs[i].ProcessedAt != nil {
				continue
			}
			stamp := at
			msgs[i].ProcessedAt = &stamp
			touched = true
		}
		if !touched {
			continue
		}
		if err := t.rewriteFile(path, msgs); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit messages of any origin across the lookback
// window, chronological order. Used by the context builder for history.
func (t *Tracker) Recent(channel string, limit int) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, path := range t.lookbackFiles(channel) {
		msgs, err := t.readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Channels lists channel names discovered on disk.
func (t *Tracker) Channels() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read message log dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *Tracker) readFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("skipping corrupt message entry", "path", path, "line", lineNo, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("scan message log: %w", err)
	}
	return msgs, nil
}

func (t *Tracker) rewriteFile(path string, msgs []Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".msglog-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp message log: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, msg := range msgs {
		b, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush message log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp message log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace message log: %w", err)
	}
	return nil
}
