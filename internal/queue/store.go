// Package queue holds the persisted run queue: a JSONL-backed durable log of
// run requests plus the manager that owns status transitions and priority
// ordering. A single scheduler instance is the sole writer; every status
// update is a full read-modify-rewrite of the file.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Kind classifies a queued run.
type Kind string

const (
	KindChat Kind = "chat"
	KindCron Kind = "cron"
)

// Status is the lifecycle state of a queued run. Transitions only move
// pending -> processing -> {completed, failed}; no entry regresses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Run is one persisted run request.
type Run struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Channel     string     `json:"channel,omitempty"`
	Query       string     `json:"query,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Store is the JSONL-backed durable log.
type Store struct {
	path   string
	logger *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Append writes one run as a JSON line, creating the parent directory if absent.
func (s *Store) Append(run Run) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open queue file: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}
	return nil
}

// ReadAll parses every line of the queue file. Lines that fail to parse are
// corrupt entries: they are skipped with a warning, never aborting the read.
func (s *Store) ReadAll() ([]Run, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open queue file: %w", err)
	}
	defer f.Close()

	var runs []Run
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			s.logger.Warn("skipping corrupt queue entry", "line", lineNo, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return runs, fmt.Errorf("scan queue file: %w", err)
	}
	return runs, nil
}

// Update reads all entries, applies patch to the matching one, and rewrites
// the entire file. Returns nil if the id is absent.
func (s *Store) Update(id string, patch func(*Run)) (*Run, error) {
	runs, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var updated *Run
	for i := range runs {
		if runs[i].ID == id {
			patch(&runs[i])
			updated = &runs[i]
			break
		}
	}
	if updated == nil {
		return nil, nil
	}
	if err := s.rewrite(runs); err != nil {
		return nil, err
	}
	out := *updated
	return &out, nil
}

// Compact keeps pending/processing entries verbatim and only the most recent
// keepCompleted terminal entries, bounding file growth. Called after every
// successful completion.
func (s *Store) Compact(keepCompleted int) error {
	runs, err := s.ReadAll()
	if err != nil {
		return err
	}

	var active, terminal []Run
	for _, run := range runs {
		if run.Terminal() {
			terminal = append(terminal, run)
		} else {
			active = append(active, run)
		}
	}
	if len(terminal) > keepCompleted {
		terminal = terminal[len(terminal)-keepCompleted:]
	}
	return s.rewrite(append(active, terminal...))
}

// rewrite replaces the queue file wholesale via a temp file and rename.
func (s *Store) rewrite(runs []Run) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".queue-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, run := range runs {
		b, err := json.Marshal(run)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write queue entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
