// Package audit appends scheduler decisions that affect user-visible state
// (force-resolves, kills, restarts) to a durable JSONL trail, separate from
// the debug log.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cypherpunk-agency/aide/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	RunID     string `json:"run_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one audit entry. Secrets are redacted before persistence.
// A nil file (Init not called, e.g. in tests) makes Record a no-op.
func Record(action, runID, channel, reason, detail string) {
	reason = shared.Redact(reason)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		RunID:     runID,
		Channel:   channel,
		Reason:    reason,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
