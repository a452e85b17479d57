// Package agent spawns and supervises the external agent CLI. One Run is one
// invocation: spawn, wait with a deadline, escalate SIGTERM to SIGKILL on
// expiry, then validate the output artifact the process is expected to have
// written. Stdout and stderr are diagnostics only, never the result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Request describes one agent invocation.
type Request struct {
	RunID            string
	Kind             string // "chat" or "cron"
	Channel          string // empty for cron
	SystemPromptFile string
	UserPrompt       string

	// OnStart receives the process handle once the child is running, so the
	// caller can track it for stuck-job termination.
	OnStart func(p *os.Process)
}

// Result is a successful run's validated artifact.
type Result struct {
	OutputPath string
	Output     *Output
}

// Config holds the runner's supervision knobs.
type Config struct {
	Bin            string        // agent CLI binary
	OutDir         string        // directory of output artifacts keyed by run id
	Timeout        time.Duration // overall run deadline
	KillGrace      time.Duration // SIGTERM -> SIGKILL window
	MinOutputBytes int64
	Logger         *slog.Logger
}

// Runner executes agent processes.
type Runner struct {
	bin            string
	outDir         string
	timeout        time.Duration
	killGrace      time.Duration
	minOutputBytes int64
	logger         *slog.Logger
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	minBytes := cfg.MinOutputBytes
	if minBytes <= 0 {
		minBytes = 50
	}
	return &Runner{
		bin:            cfg.Bin,
		outDir:         cfg.OutDir,
		timeout:        timeout,
		killGrace:      killGrace,
		minOutputBytes: minBytes,
		logger:         logger,
	}
}

// OutputPath returns the conventional artifact path for a run id.
func (r *Runner) OutputPath(runID string) string {
	return filepath.Join(r.outDir, runID+".json")
}

// Timeout returns the configured run deadline.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run spawns the agent CLI and blocks until it exits, is killed, or the
// context is canceled. A zero exit status alone is not success: the output
// artifact must also validate.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run output dir: %w", err)
	}

	args := []string{"--type", req.Kind}
	if req.Channel != "" {
		args = append(args, "--channel", req.Channel)
	}
	args = append(args,
		"--run-id", req.RunID,
		"--system-prompt-file", req.SystemPromptFile,
		"--user-prompt", req.UserPrompt,
	)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.bin, args...)
	stderr := newTailBuffer(4096)
	cmd.Stdout = newTailBuffer(4096)
	cmd.Stderr = stderr
	// Graceful termination on deadline, forceful after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}
	r.logger.Info("agent process started",
		"run_id", req.RunID,
		"kind", req.Kind,
		"channel", req.Channel,
		"pid", cmd.Process.Pid,
	)
	if req.OnStart != nil {
		req.OnStart(cmd.Process)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("agent process killed on timeout",
			"run_id", req.RunID, "timeout", r.timeout, "elapsed", elapsed)
		return nil, &TimeoutError{Timeout: r.timeout}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), StderrTail: stderr.String()}
		}
		return nil, fmt.Errorf("wait for agent process: %w", waitErr)
	}

	outputPath := r.OutputPath(req.RunID)
	out, err := ValidateOutput(outputPath, r.minOutputBytes)
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent process succeeded",
		"run_id", req.RunID, "elapsed", elapsed, "output", outputPath)
	return &Result{OutputPath: outputPath, Output: out}, nil
}

// Terminate kills a tracked process handle: SIGTERM, then SIGKILL after the
// grace window if it has not exited. Used by the stuck-job health check.
// Liveness is probed with signal 0 because the runner's own Wait is still
// pending on the handle and will do the reaping.
func Terminate(p *os.Process, grace time.Duration) {
	if p == nil {
		return
	}
	_ = p.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := p.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = p.Kill()
}
