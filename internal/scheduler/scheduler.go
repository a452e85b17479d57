// Package scheduler is the orchestrator: it decides when the external agent
// process runs, guarantees one run in flight per lock key, supervises the
// process, retries failed chat work with backoff, and breaks failure and
// success loops that would reprocess the same messages forever.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cypherpunk-agency/aide/internal/agent"
	"github.com/cypherpunk-agency/aide/internal/audit"
	"github.com/cypherpunk-agency/aide/internal/bus"
	"github.com/cypherpunk-agency/aide/internal/channels"
	"github.com/cypherpunk-agency/aide/internal/msglog"
	otelpkg "github.com/cypherpunk-agency/aide/internal/otel"
	"github.com/cypherpunk-agency/aide/internal/prompt"
	"github.com/cypherpunk-agency/aide/internal/queue"
)

// Force-resolve reasons surfaced in events and audit entries.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonSuccessLoop      = "success_loop"
)

const restartSentinel = "restart-requested.json"

// ContextBuilder assembles the prompt pair for a run. The scheduler treats it
// as a black box and only persists the system prompt to a temp file.
type ContextBuilder interface {
	Prepare(ctx context.Context, req prompt.Request) (prompt.Prepared, error)
}

// ResponseRouter delivers a successful run's output artifact. Routing
// failures are logged, never retried.
type ResponseRouter interface {
	Route(ctx context.Context, channel, outputPath string) error
}

// ProcessRunner spawns and supervises one agent invocation. Satisfied by
// *agent.Runner; tests substitute fakes.
type ProcessRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
	OutputPath(runID string) string
	Timeout() time.Duration
}

// Config wires the scheduler's collaborators and knobs.
type Config struct {
	Queue    *queue.Manager
	Tracker  *msglog.Tracker
	Runner   ProcessRunner
	Builder  ContextBuilder
	Router   ResponseRouter
	Channels *channels.Set
	Bus      *bus.Bus
	Metrics  *otelpkg.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger

	HomeDir string

	// StaticChannels are lock keys known at startup (e.g. web, telegram).
	// Further channels are discovered from the message log on each tick.
	StaticChannels []string

	MaxChatRetries     int
	MaxSameMessageRuns int
	Backoff            []time.Duration
	KillGrace          time.Duration
	StuckBuffer        time.Duration
	HealthInterval     time.Duration
	TickInterval       time.Duration
}

// Scheduler runs one consumer goroutine per lock key, woken by ticks,
// explicit notifies, and message-arrived events. All three are hints to
// check for work, not guarantees of it.
type Scheduler struct {
	queue    *queue.Manager
	tracker  *msglog.Tracker
	runner   ProcessRunner
	builder  ContextBuilder
	router   ResponseRouter
	channels *channels.Set
	bus      *bus.Bus
	metrics  *otelpkg.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	homeDir            string
	maxChatRetries     int
	maxSameMessageRuns int
	backoff            []time.Duration
	killGrace          time.Duration
	stuckBuffer        time.Duration
	healthInterval     time.Duration
	tickInterval       time.Duration

	locks *lockTable

	mu             sync.Mutex
	wakes          map[string]chan struct{}
	restartPending bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		queue:              cfg.Queue,
		tracker:            cfg.Tracker,
		runner:             cfg.Runner,
		builder:            cfg.Builder,
		router:             cfg.Router,
		channels:           cfg.Channels,
		bus:                cfg.Bus,
		metrics:            cfg.Metrics,
		tracer:             cfg.Tracer,
		logger:             logger,
		homeDir:            cfg.HomeDir,
		maxChatRetries:     cfg.MaxChatRetries,
		maxSameMessageRuns: cfg.MaxSameMessageRuns,
		backoff:            cfg.Backoff,
		killGrace:          cfg.KillGrace,
		stuckBuffer:        cfg.StuckBuffer,
		healthInterval:     cfg.HealthInterval,
		tickInterval:       cfg.TickInterval,
		locks:              newLockTable(),
		wakes:              make(map[string]chan struct{}),
		now:                time.Now,
	}
	if s.maxChatRetries <= 0 {
		s.maxChatRetries = 3
	}
	if s.maxSameMessageRuns <= 0 {
		s.maxSameMessageRuns = 5
	}
	if len(s.backoff) == 0 {
		s.backoff = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second}
	}
	if s.killGrace <= 0 {
		s.killGrace = 5 * time.Second
	}
	if s.stuckBuffer <= 0 {
		s.stuckBuffer = 2 * time.Minute
	}
	if s.healthInterval <= 0 {
		s.healthInterval = time.Minute
	}
	if s.tickInterval <= 0 {
		s.tickInterval = 30 * time.Second
	}
	for _, ch := range cfg.StaticChannels {
		s.wakes[ch] = make(chan struct{}, 1)
	}
	s.wakes[lockKeyCron] = make(chan struct{}, 1)
	return s
}

// Start recovers interrupted runs, launches the per-key workers, and begins
// the tick and health-check timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.recoverInterrupted(); err != nil {
		return err
	}

	s.mu.Lock()
	for key, wake := range s.wakes {
		s.startWorker(key, wake)
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop()
	go s.healthLoop()

	s.Notify()
	s.logger.Info("run scheduler started",
		"max_chat_retries", s.maxChatRetries,
		"max_same_message_runs", s.maxSameMessageRuns,
		"run_timeout", s.runner.Timeout(),
	)
	return nil
}

// Stop cancels all workers and waits for in-flight processing to unwind.
// Spawned agent processes receive SIGTERM through context cancellation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("run scheduler stopped")
}

// recoverInterrupted fails any run the previous process left in processing
// status. No run may stay processing across a restart.
func (s *Scheduler) recoverInterrupted() error {
	stale, err := s.queue.Processing()
	if err != nil {
		return fmt.Errorf("scan for interrupted runs: %w", err)
	}
	for _, run := range stale {
		if err := s.queue.MarkFailed(run.ID, "interrupted by restart"); err != nil {
			s.logger.Error("failed to mark interrupted run", "queue_id", run.ID, "error", err)
			continue
		}
		s.logger.Warn("recovered interrupted run", "queue_id", run.ID, "kind", run.Kind, "channel", run.Channel)
		audit.Record("crash_recovery", run.RunID, run.Channel, "interrupted by restart", "")
	}

	// Pending chat entries are orphans after a restart: chat work re-derives
	// from the message tracker, and a stale priority-1 entry would starve the
	// cron lane. Pending cron entries survive, the queue is their source of
	// truth.
	pending, err := s.queue.Pending()
	if err != nil {
		return fmt.Errorf("scan for orphaned runs: %w", err)
	}
	for _, run := range pending {
		if run.Kind != queue.KindChat {
			continue
		}
		if err := s.queue.MarkFailed(run.ID, "orphaned by restart"); err != nil {
			s.logger.Error("failed to mark orphaned run", "queue_id", run.ID, "error", err)
		}
	}
	return nil
}

// Notify wakes every worker. Safe to call from any goroutine.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wake := range s.wakes {
		poke(wake)
	}
}

// MessageArrived wakes the worker for one channel, creating it on first
// sight. This is how dynamically discovered channels get a lock key.
func (s *Scheduler) MessageArrived(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wake, ok := s.wakes[channel]
	if !ok {
		wake = make(chan struct{}, 1)
		s.wakes[channel] = wake
		if s.ctx != nil {
			s.startWorker(channel, wake)
		}
		s.logger.Info("channel discovered", "channel", channel)
	}
	poke(wake)
}

// RequestRestart arms the deferred-restart flag. The sentinel is written by
// the cron worker once no cron run is active, so a restart never preempts
// in-flight work and is never dropped.
func (s *Scheduler) RequestRestart() {
	s.mu.Lock()
	s.restartPending = true
	wake := s.wakes[lockKeyCron]
	s.mu.Unlock()
	poke(wake)
	s.logger.Info("restart requested, deferred until cron lock is free")
}

// poke delivers a non-blocking wake. A full buffer means a wake is already
// pending, which is equivalent.
func poke(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) startWorker(key string, wake chan struct{}) {
	s.wg.Add(1)
	go s.worker(key, wake)
}

// worker is the per-lock-key consumer loop. Each wake drains all available
// work by re-invoking the process step until it reports nothing left; that is
// the scheduled continuation from the design notes, with no recursion.
func (s *Scheduler) worker(key string, wake chan struct{}) {
	defer s.wg.Done()

	st := &channelState{}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-wake:
		}
		if key == lockKeyCron {
			for s.processCronOnce() {
				if s.ctx.Err() != nil {
					return
				}
			}
		} else {
			for s.processChannelOnce(key, st) {
				if s.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// tickLoop periodically wakes all workers and folds newly discovered message
// log channels into the lock table.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.discoverChannels()
			s.Notify()
		}
	}
}

func (s *Scheduler) discoverChannels() {
	names, err := s.tracker.Channels()
	if err != nil {
		s.logger.Warn("channel discovery failed", "error", err)
		return
	}
	for _, name := range names {
		s.mu.Lock()
		_, known := s.wakes[name]
		s.mu.Unlock()
		if !known {
			s.MessageArrived(name)
		}
	}
}

// processChannelOnce handles one batch of unprocessed messages for a chat
// channel. Returns true when it did work, so the caller loops to drain
// messages that arrived meanwhile.
func (s *Scheduler) processChannelOnce(channel string, st *channelState) bool {
	if !s.locks.TryAcquire(channel) {
		return false
	}
	defer s.locks.Release(channel)

	msgs, err := s.tracker.Unprocessed(channel)
	if err != nil {
		s.logger.Error("unprocessed scan failed", "channel", channel, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}

	ids := make([]string, 0, len(msgs))
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		texts = append(texts, m.Text)
	}
	key := setKey(ids)

	// Success-loop breaker: the same set observed too many times, regardless
	// of run outcome, means something keeps resurrecting these messages.
	if st.seen.observe(key) >= s.maxSameMessageRuns {
		s.logger.Warn("success-loop detected, force-resolving",
			"channel", channel, "observations", st.seen.count, "messages", len(ids))
		s.forceResolve(channel, ids, ReasonSuccessLoop)
		st.seen.reset()
		st.retry.reset()
		return true
	}

	switch failures := st.retry.failures(key); {
	case failures >= s.maxChatRetries:
		s.logger.Warn("retries exhausted, force-resolving",
			"channel", channel, "failures", failures, "messages", len(ids))
		s.forceResolve(channel, ids, ReasonRetriesExhausted)
		st.retry.reset()
		return true
	case failures > 0:
		delay := s.backoffDelay(failures)
		s.logger.Info("retrying after backoff",
			"channel", channel, "attempt", failures+1, "delay", delay)
		s.bus.Publish(bus.TopicRunRetrying, bus.RetryEvent{
			Channel: channel,
			Attempt: failures + 1,
			Delay:   delay.String(),
		})
		if s.metrics != nil {
			s.metrics.RunRetries.Add(s.ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}
	default:
		st.retry.reset()
	}

	entry, err := s.queue.Enqueue(queue.KindChat, channel, strings.Join(texts, "\n"), "")
	if err != nil {
		s.logger.Error("failed to enqueue chat run", "channel", channel, "error", err)
		return false
	}

	runErr := s.executeRun(channel, entry, ids)
	if runErr != nil {
		st.retry.recordFailure(key)
		s.logger.Error("chat run failed",
			"channel", channel, "failures", st.retry.count, "error", runErr)
		return true
	}

	// Seen state survives success so the loop breaker can still fire when
	// the same messages come back unprocessed.
	st.retry.reset()

	if err := s.tracker.MarkProcessed(channel, ids, s.now()); err != nil {
		s.logger.Error("failed to mark messages processed", "channel", channel, "error", err)
	}
	s.bus.Publish(bus.TopicMessageProcessed, bus.MessageEvent{Channel: channel})
	return true
}

// processCronOnce dequeues and executes one cron run. The deferred-restart
// sentinel is written here because the cron lock being held proves no cron
// run is active.
func (s *Scheduler) processCronOnce() bool {
	if !s.locks.TryAcquire(lockKeyCron) {
		return false
	}
	defer s.locks.Release(lockKeyCron)

	entry, err := s.queue.Dequeue()
	if err != nil {
		s.logger.Error("cron dequeue failed", "error", err)
		return false
	}
	if entry == nil {
		s.maybeWriteRestartSentinel()
		return false
	}
	if entry.Kind != queue.KindCron {
		// A chat entry caught between enqueue and mark-processing belongs to
		// its channel worker, not the cron lane.
		s.MessageArrived(entry.Channel)
		return false
	}

	if runErr := s.executeRun(lockKeyCron, *entry, nil); runErr != nil {
		s.logger.Error("cron run failed", "queue_id", entry.ID, "error", runErr)
	}
	s.maybeWriteRestartSentinel()
	return true
}

// executeRun supervises one agent invocation for the queue entry: mark
// processing, prepare the prompt, spawn, then record the terminal status.
// The returned error is the run failure, already persisted.
func (s *Scheduler) executeRun(lockKey string, entry queue.Run, focusIDs []string) error {
	runID := uuid.New().String()
	if err := s.queue.MarkProcessing(entry.ID, runID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	ctx := s.ctx
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "agent.run", trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", string(entry.Kind)),
			attribute.String("run.channel", entry.Channel),
		))
		defer span.End()
	}

	s.bus.Publish(bus.TopicRunStarted, bus.RunEvent{
		RunID: runID, QueueID: entry.ID, Kind: string(entry.Kind),
		Channel: entry.Channel, Status: string(queue.StatusProcessing),
	})
	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("kind", string(entry.Kind)))
		s.metrics.RunsStarted.Add(ctx, 1, attrs)
		s.metrics.ActiveRuns.Add(ctx, 1, attrs)
		defer s.metrics.ActiveRuns.Add(ctx, -1, attrs)
	}

	started := s.now()
	result, runErr := s.invokeAgent(ctx, lockKey, entry, runID, focusIDs)
	elapsed := s.now().Sub(started)

	if s.metrics != nil {
		s.metrics.RunDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("kind", string(entry.Kind))))
	}

	if runErr != nil {
		if err := s.queue.MarkFailed(entry.ID, runErr.Error()); err != nil {
			s.logger.Error("failed to mark run failed", "queue_id", entry.ID, "error", err)
		}
		s.bus.Publish(bus.TopicRunFailed, bus.RunEvent{
			RunID: runID, QueueID: entry.ID, Kind: string(entry.Kind),
			Channel: entry.Channel, Status: string(queue.StatusFailed), Error: runErr.Error(),
		})
		if s.metrics != nil {
			s.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(entry.Kind))))
		}
		return runErr
	}

	if err := s.queue.MarkCompleted(entry.ID); err != nil {
		s.logger.Error("failed to mark run completed", "queue_id", entry.ID, "error", err)
	}
	s.bus.Publish(bus.TopicRunCompleted, bus.RunEvent{
		RunID: runID, QueueID: entry.ID, Kind: string(entry.Kind),
		Channel: entry.Channel, Status: string(queue.StatusCompleted),
	})
	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(entry.Kind))))
	}

	// Routing failures never fail a completed run retroactively.
	if entry.Kind == queue.KindChat && s.router != nil {
		if err := s.router.Route(ctx, entry.Channel, result.OutputPath); err != nil {
			s.logger.Error("response routing failed",
				"run_id", runID, "channel", entry.Channel, "error", err)
		}
	}
	return nil
}

// invokeAgent prepares the prompt, persists the system prompt for the child
// to read, and runs the agent process with its handle tracked for the
// stuck-job health check.
func (s *Scheduler) invokeAgent(ctx context.Context, lockKey string, entry queue.Run, runID string, focusIDs []string) (*agent.Result, error) {
	prep, err := s.builder.Prepare(ctx, prompt.Request{
		Kind:     string(entry.Kind),
		Channel:  entry.Channel,
		FocusIDs: focusIDs,
		Query:    entry.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare prompt: %w", err)
	}

	sysFile, err := writeTempPrompt(prep.SystemPrompt)
	if err != nil {
		return nil, err
	}
	defer os.Remove(sysFile)

	result, err := s.runner.Run(ctx, agent.Request{
		RunID:            runID,
		Kind:             string(entry.Kind),
		Channel:          entry.Channel,
		SystemPromptFile: sysFile,
		UserPrompt:       prep.UserPrompt,
		OnStart: func(p *os.Process) {
			s.locks.SetProc(lockKey, p)
		},
	})
	s.locks.SetProc(lockKey, nil)
	return result, err
}

func writeTempPrompt(text string) (string, error) {
	f, err := os.CreateTemp("", "aide-system-prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("create system prompt file: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write system prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close system prompt file: %w", err)
	}
	return f.Name(), nil
}

// forceResolve gives up on a message set: the messages are marked processed
// so the channel unblocks, and an apologetic error is surfaced through the
// channel itself, not just the logs.
func (s *Scheduler) forceResolve(channel string, ids []string, reason string) {
	if err := s.tracker.MarkProcessed(channel, ids, s.now()); err != nil {
		s.logger.Error("force-resolve mark failed", "channel", channel, "error", err)
	}

	text := "Sorry, I could not process your recent messages after several attempts. " +
		"They have been set aside so the conversation can continue. Please try rephrasing."

	msg := msglog.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Origin:    msglog.OriginAgent,
		Channel:   channel,
		Timestamp: s.now().UTC(),
	}
	if err := s.tracker.Append(msg); err != nil {
		s.logger.Error("force-resolve append failed", "channel", channel, "error", err)
	}

	s.bus.Publish(bus.TopicRunForceResolved, bus.ForceResolveEvent{
		Channel:    channel,
		Reason:     reason,
		MessageIDs: ids,
	})
	s.bus.Publish(bus.TopicMessageCreated, bus.MessageEvent{
		MessageID: msg.ID, Channel: channel, Origin: string(msg.Origin), Text: text,
	})

	if s.channels != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.channels.DeliverError(ctx, channel, text); err != nil {
			s.logger.Error("force-resolve delivery failed", "channel", channel, "error", err)
		}
	}

	audit.Record("force_resolve", "", channel, reason, fmt.Sprintf("%d messages", len(ids)))
	if s.metrics != nil {
		s.metrics.ForceResolves.Add(s.ctx, 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		))
	}
}

// backoffDelay indexes the delay table by failure count, capped at the last
// entry.
func (s *Scheduler) backoffDelay(failures int) time.Duration {
	idx := failures - 1
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return s.backoff[idx]
}

// maybeWriteRestartSentinel writes the restart artifact if a restart is
// pending. Caller must hold the cron lock.
func (s *Scheduler) maybeWriteRestartSentinel() {
	s.mu.Lock()
	pending := s.restartPending
	s.restartPending = false
	s.mu.Unlock()
	if !pending {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"requested_at": s.now().UTC().Format(time.RFC3339),
	})
	path := filepath.Join(s.homeDir, restartSentinel)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		s.logger.Error("failed to write restart sentinel", "path", path, "error", err)
		s.mu.Lock()
		s.restartPending = true
		s.mu.Unlock()
		return
	}
	s.logger.Info("restart sentinel written", "path", path)
	audit.Record("restart_sentinel", "", "", "deferred restart", path)
}

// Snapshot is the health view served by the notify hub.
type SnapshotView struct {
	LocksHeld      []string `json:"locks_held"`
	Pending        int      `json:"pending"`
	Processing     int      `json:"processing"`
	Channels       []string `json:"channels"`
	RestartPending bool     `json:"restart_pending"`
}

// Snapshot reports current scheduler state.
func (s *Scheduler) Snapshot() any {
	view := SnapshotView{LocksHeld: s.locks.Held()}

	if pending, err := s.queue.Pending(); err == nil {
		view.Pending = len(pending)
	}
	if processing, err := s.queue.Processing(); err == nil {
		view.Processing = len(processing)
	}

	s.mu.Lock()
	for key := range s.wakes {
		if key != lockKeyCron {
			view.Channels = append(view.Channels, key)
		}
	}
	view.RestartPending = s.restartPending
	s.mu.Unlock()
	sort.Strings(view.Channels)

	return view
}
