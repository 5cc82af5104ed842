package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/internal/gate"
	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/queue"
	"github.com/haasonsaas/steward/internal/sched"
	"github.com/haasonsaas/steward/internal/server"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/internal/tools"
	"github.com/haasonsaas/steward/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the steward host",
		Long: `Start the steward host: the job queue, agent workers, CRON
scheduler, and HTTP API. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("STEWARD_CONFIG"),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.SetupLogging(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Workspace.Dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tiers, err := llm.NewTiers(cfg.LLM)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry(agent.WithToolTimeout(cfg.Agent.ToolTimeout))
	if err := tools.RegisterBuiltins(registry, cfg.Workspace.Dir); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	router := agent.NewRouter(tools.Catalogue(), tiers.Router, st,
		cfg.Router.DefaultTTL, cfg.Router.Stride)
	contextMgr := agent.NewContextManager(st, tiers.Cheap,
		cfg.Context.MaxTokens, cfg.Context.CompressionThreshold,
		cfg.Context.KeepRecent, cfg.Context.SummaryMaxTokens)
	delegates := agent.NewDelegateExecutor(tiers.Cheap, registry,
		cfg.Agent.DelegateMaxSteps, cfg.Agent.ExploreMaxSteps, cfg.Agent.DelegateQuota,
		agent.WithQuotaStore(st))
	g := gate.New()

	// The runtime, queue, and scheduler form a cycle (schedule tool ->
	// scheduler -> queue -> runtime), broken with a late-bound closure.
	var scheduler *sched.Scheduler
	runtime := agent.NewRuntime(st, tiers, registry, router, contextMgr, delegates, g,
		agent.RuntimeConfig{
			MaxSteps:            cfg.Agent.MaxSteps,
			MaxWall:             cfg.Agent.MaxWall,
			MaxToolCallsPerStep: cfg.Agent.MaxToolCallsPerStep,
			WorkspaceDir:        cfg.Workspace.Dir,
			DetectorWindow:      cfg.Detector.Window,
			RepeatThreshold:     cfg.Detector.RepeatThreshold,
			StallThreshold:      cfg.Detector.StallThreshold,
		},
		agent.WithScheduleFunc(func(ctx context.Context, req agent.ScheduleRequest) (*models.Schedule, error) {
			return scheduler.Create(ctx, req)
		}),
	)

	q := queue.New(st, runtime, g, cfg.Queue.WorkerCount, cfg.Queue.WarnDepth)

	tz, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	scheduler = sched.New(st, q, tz)

	srv := server.New(st, q, scheduler)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := q.Start(runCtx); err != nil {
		return err
	}
	scheduler.Start(runCtx)
	if err := srv.Start(cfg.Server.ListenAddr); err != nil {
		return err
	}
	logger.Info("steward started",
		"addr", cfg.Server.ListenAddr,
		"db", cfg.Database.Path,
		"workers", cfg.Queue.WorkerCount,
		"model_main", tiers.Main.Model())

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	scheduler.Stop()
	q.Stop()
	return nil
}
