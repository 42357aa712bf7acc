package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/gateflow/internal/checkpoint"
	"github.com/fyrsmithlabs/gateflow/internal/config"
	"github.com/fyrsmithlabs/gateflow/internal/dispatch"
	"github.com/fyrsmithlabs/gateflow/internal/evaluate"
	"github.com/fyrsmithlabs/gateflow/internal/gate"
	"github.com/fyrsmithlabs/gateflow/internal/logging"
	"github.com/fyrsmithlabs/gateflow/internal/orchestrator"
	"github.com/fyrsmithlabs/gateflow/internal/server"
	"github.com/fyrsmithlabs/gateflow/internal/telemetry"
	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateflow operator server",
	Long: `Start the operator HTTP server: workflow status, resume, rollback,
escalation, and external gate signals. Telemetry and checkpoint locations come
from the config file and GATEFLOW_* environment variables.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded", zap.String("reason", reason))
	}

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(orch, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// buildOrchestrator wires the default registries and stores from config.
func buildOrchestrator(cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	checkpointCfg := checkpoint.DefaultConfig()
	if cfg.Checkpoint.Dir != "" {
		checkpointCfg.Dir = cfg.Checkpoint.Dir
	}
	checkpointCfg.MaxHistory = cfg.Checkpoint.MaxHistory

	store, err := checkpoint.NewFileStore(checkpointCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(&dispatch.Config{
		RoleTimeout: cfg.Dispatch.RoleTimeout.Duration(),
		MaxParallel: int64(cfg.Dispatch.MaxParallel),
	}, logger)
	// Release steps are order-dependent and unsafe to parallelize.
	dispatcher.MarkSequential(workflow.PhaseRelease)

	evaluators := evaluate.NewRegistry(&evaluate.Config{
		Timeout:           cfg.Evaluate.Timeout.Duration(),
		JudgmentRateLimit: rate.Limit(cfg.Evaluate.JudgmentRateLimit),
		JudgmentBurst:     cfg.Evaluate.JudgmentBurst,
	}, logger)
	evaluators.RegisterGlobal(evaluate.NewCompleteness())

	return orchestrator.New(
		&orchestrator.Config{MaxAttempts: cfg.Orchestrator.MaxAttempts},
		dispatcher,
		evaluators,
		gate.Default(),
		store,
		nil,
		logger,
	)
}
