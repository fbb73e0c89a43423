package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lifeops/agentd/internal/common/config"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/internal/events/bus"
	"github.com/lifeops/agentd/internal/gateway"
	"github.com/lifeops/agentd/internal/manager"
	"github.com/lifeops/agentd/internal/runtime"
	"github.com/lifeops/agentd/internal/session/repository"
	"github.com/lifeops/agentd/internal/supervisor"
	"github.com/lifeops/agentd/internal/transcript"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentd...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Stores
	store, err := transcript.NewStore(cfg.Transcripts.Dir, log)
	if err != nil {
		log.Fatal("Failed to open transcript store", zap.Error(err))
	}

	var repo repository.Repository
	if cfg.Sessions.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Sessions.DBPath), 0o700); err != nil {
			log.Fatal("Failed to create sessions directory", zap.Error(err))
		}
		repo, err = repository.NewSQLiteRepository(cfg.Sessions.DBPath)
		if err != nil {
			log.Fatal("Failed to open session database", zap.Error(err))
		}
	} else {
		repo = repository.NewMemoryRepository()
	}
	defer repo.Close()

	// 5. Agent work root and allow-listed directories
	if err := os.MkdirAll(cfg.Agent.WorkDir, 0o755); err != nil {
		log.Fatal("Failed to create agent work dir", zap.Error(err))
	}
	for _, dir := range cfg.Agent.AllowedDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Agent.WorkDir, dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("Failed to create allowed dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	// 6. Runtime: in-process library preferred, subprocess CLI as fallback.
	// No library is linked in this build, so every run takes the CLI path.
	subprocess := runtime.NewSubprocessRunner(runtime.SubprocessConfig{
		Binary:  cfg.Agent.Binary,
		WorkDir: cfg.Agent.WorkDir,
	}, log)
	runner := runtime.NewFallbackRunner(runtime.NewLibraryRunner(nil, log), subprocess, log)

	// 7. Supervisor factory
	policy, err := supervisor.NewSecurityPolicy(cfg.Agent.WorkDir, cfg.Agent.AllowedDirs, log)
	if err != nil {
		log.Fatal("Failed to build security policy", zap.Error(err))
	}

	var evaluator supervisor.Evaluator
	if cfg.Supervisor.EvaluatorModel != "" {
		evaluator = supervisor.NewCLIEvaluator(supervisor.CLIEvaluatorConfig{
			Binary: cfg.Agent.Binary,
			Model:  cfg.Supervisor.EvaluatorModel,
		}, log)
	} else {
		evaluator = supervisor.NewRuleEvaluator()
	}

	supervisorFactory := func(goal string) *supervisor.Supervisor {
		return supervisor.New(supervisor.Config{
			Goal:           goal,
			EvalInterval:   cfg.Supervisor.EvalIntervalDuration(),
			MaxTurns:       cfg.Supervisor.MaxTurns,
			Timeout:        cfg.Supervisor.TimeoutDuration(),
			OutputTailSize: cfg.Supervisor.OutputTailSize,
		}, policy, evaluator, log)
	}

	// 8. Execution manager
	mgr := manager.NewManager(manager.Config{
		Model:         cfg.Agent.Model,
		FallbackModel: cfg.Agent.FallbackModel,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
	}, runner, supervisorFactory, store, repo, eventBus, log)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start execution manager", zap.Error(err))
	}

	// 9. Control-plane server
	server := gateway.NewServer(cfg.Server, eventBus, repo, store, mgr, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down agentd...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Server shutdown error", zap.Error(err))
		}

		// Live executions get a grace period to flush their terminal events.
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelGrace()
		mgr.Stop(graceCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("agentd failed", zap.Error(err))
	}
	log.Info("agentd stopped")
}
