// Command aide is the personal-assistant daemon: it watches conversation
// channels and configured schedules, and supervises runs of the external
// agent CLI with per-channel mutual exclusion, retries, and loop breakers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/cypherpunk-agency/aide/internal/agent"
	"github.com/cypherpunk-agency/aide/internal/audit"
	"github.com/cypherpunk-agency/aide/internal/bus"
	"github.com/cypherpunk-agency/aide/internal/channels"
	"github.com/cypherpunk-agency/aide/internal/config"
	croncfg "github.com/cypherpunk-agency/aide/internal/cron"
	"github.com/cypherpunk-agency/aide/internal/msglog"
	"github.com/cypherpunk-agency/aide/internal/notify"
	otelpkg "github.com/cypherpunk-agency/aide/internal/otel"
	"github.com/cypherpunk-agency/aide/internal/prompt"
	"github.com/cypherpunk-agency/aide/internal/queue"
	"github.com/cypherpunk-agency/aide/internal/scheduler"
	"github.com/cypherpunk-agency/aide/internal/telemetry"
)

const version = "0.3-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aide:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		quiet       = flag.Bool("quiet", false, "log to file only, not stdout")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("aide", version)
		return nil
	}

	loadDotEnv(filepath.Join(config.HomeDir(), ".env"))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Piped output implies quiet so JSON logs do not pollute the pipe.
	fileOnly := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, fileOnly)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := otelpkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	logger.Info("aide starting", "version", version, "home", cfg.HomeDir)

	b := bus.New()

	store := queue.NewStore(filepath.Join(cfg.HomeDir, "queue.jsonl"), logger)
	manager := queue.NewManager(store, cfg.KeepCompleted, logger)
	tracker := msglog.NewTracker(filepath.Join(cfg.HomeDir, "messages"), cfg.LookbackDays, logger)

	runner := agent.NewRunner(agent.Config{
		Bin:            cfg.AgentBin,
		OutDir:         filepath.Join(cfg.HomeDir, "runs"),
		Timeout:        cfg.Scheduler.RunTimeout(),
		KillGrace:      cfg.Scheduler.KillGrace(),
		MinOutputBytes: cfg.MinOutputBytes,
		Logger:         logger,
	})

	builder := prompt.NewBuilder(tracker, cfg.HomeDir, cfg.HistoryLimit, logger)

	set := channels.NewSet(logger)
	for _, wh := range cfg.Channels.Webhooks {
		set.RegisterWebhook(wh.Name, wh.Endpoint)
	}
	router := channels.NewRouter(set, tracker, b, logger)

	sched := scheduler.New(scheduler.Config{
		Queue:              manager,
		Tracker:            tracker,
		Runner:             runner,
		Builder:            builder,
		Router:             router,
		Channels:           set,
		Bus:                b,
		Metrics:            metrics,
		Tracer:             provider.Tracer,
		Logger:             logger,
		HomeDir:            cfg.HomeDir,
		StaticChannels:     []string{"web", "telegram"},
		MaxChatRetries:     cfg.Scheduler.MaxChatRetries,
		MaxSameMessageRuns: cfg.Scheduler.MaxSameMessageRuns,
		Backoff:            cfg.Scheduler.Backoff(),
		KillGrace:          cfg.Scheduler.KillGrace(),
		StuckBuffer:        cfg.Scheduler.StuckBuffer(),
		HealthInterval:     cfg.Scheduler.HealthInterval(),
		TickInterval:       cfg.Scheduler.TickInterval(),
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.ChatID,
			cfg.Channels.Telegram.AllowedIDs,
			tracker,
			sched.MessageArrived,
			logger,
		)
		set.Register(tg)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	specs := make([]croncfg.Spec, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		specs = append(specs, croncfg.Spec{Name: sc.Name, Cron: sc.Cron, Prompt: sc.Prompt})
	}
	cronSched, err := croncfg.New(specs, manager, sched.Notify, logger)
	if err != nil {
		return err
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	hub := notify.NewHub(cfg.BindAddr, b, sched, logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start notify hub: %w", err)
	}
	defer hub.Stop()

	// Config edits request a deferred restart rather than a live re-wire;
	// the sentinel tells the process supervisor to bounce us between runs.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				sched.RequestRestart()
			}
		}()
	}

	logger.Info("aide ready", "bind_addr", cfg.BindAddr, "agent_bin", cfg.AgentBin)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// loadDotEnv applies KEY=VALUE lines from the home .env without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}
