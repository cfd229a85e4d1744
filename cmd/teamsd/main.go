// Command teamsd runs the autonomous agent daemon: per-agent worker
// loops over a SQLite-backed task queue, a cron scheduler for recurring
// work, and a foreground chat lane on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/conversation"
	cronPkg "github.com/tnsengimana/autonomous-teams-sub003/internal/cron"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/engine"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/graph"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/memory"
	otelPkg "github.com/tnsengimana/autonomous-teams-sub003/internal/otel"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/provider"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/telemetry"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	home := flag.String("home", config.DefaultHomeDir(), "data directory")
	chat := flag.String("chat", "", "agent to chat with on stdin instead of running headless")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("teamsd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *home, *chat); err != nil {
		fmt.Fprintln(os.Stderr, "teamsd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, home, chatAgent string) error {
	cfg, err := config.Load(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, chatAgent != "")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	llm, err := provider.New(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	logger.Info("llm provider ready", "provider", llm.Name(), "model", cfg.LLM.Model)

	graphWriter := graph.NewWriter(store, eventBus, logger)
	registry := tools.NewRegistry(graphWriter, store, logger)
	if gp, ok := llm.(*provider.GenkitProvider); ok {
		registry.Register(gp.Genkit())
	}

	phases, err := engine.NewPipeline(registry, cfg.Worker.PhaseRetries)
	if err != nil {
		return fmt.Errorf("compile pipeline: %w", err)
	}

	compactor := &engine.Compactor{
		Store: store, Provider: llm, Bus: eventBus, Logger: logger, Config: cfg.Compaction,
	}
	extractor := &memory.Extractor{Store: store, Logger: logger}
	executor := &engine.Executor{
		Store: store, Provider: llm, Bus: eventBus, Logger: logger, Metrics: metrics,
		Tracer: otelProvider.Tracer,
		Timeout: cfg.PhaseTimeout(), Retries: cfg.Worker.PhaseRetries,
	}
	runner := &engine.Runner{
		Store: store, Executor: executor, Compactor: compactor, Graph: graphWriter,
		Memories: extractor, Bus: eventBus, Logger: logger, Metrics: metrics,
		Tracer: otelProvider.Tracer, Phases: phases,
	}
	supervisor := &engine.Supervisor{
		Store: store, Runner: runner, Config: cfg, Bus: eventBus, Logger: logger, Metrics: metrics,
	}
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer supervisor.Stop()

	scheduler := cronPkg.NewScheduler(cronPkg.Config{Store: store, Logger: logger})
	if err := scheduler.Sync(ctx, cfg.Schedules); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed; restart to apply")
			}
		}()
	}

	if chatAgent != "" {
		manager := &conversation.Manager{
			Store: store, Provider: llm, Compactor: compactor, Memories: extractor,
			Bus: eventBus, Logger: logger,
		}
		return chatLoop(ctx, manager, chatAgent)
	}

	logger.Info("running", "agents", len(cfg.Agents), "schedules", len(cfg.Schedules))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// chatLoop reads lines from stdin and streams each acknowledgment to
// stdout while the daemon keeps working in the background.
func chatLoop(ctx context.Context, manager *conversation.Manager, agentID string) error {
	fmt.Printf("chatting with %s (ctrl-d to quit)\n", agentID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		chunks, err := manager.HandleUserMessage(ctx, agentID, text)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("no agent named %q", agentID)
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		for chunk := range chunks {
			fmt.Print(chunk)
		}
		fmt.Println()
	}
	return scanner.Err()
}
