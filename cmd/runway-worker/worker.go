package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nuvoh/runway/pkg/cmd"
	"github.com/nuvoh/runway/pkg/config"
	"github.com/nuvoh/runway/pkg/executor"
	"github.com/nuvoh/runway/pkg/otelhelper"
	"github.com/nuvoh/runway/pkg/queue"
	"github.com/nuvoh/runway/pkg/runner"
	"github.com/nuvoh/runway/pkg/secrets"
	"github.com/nuvoh/runway/pkg/state"
	"github.com/nuvoh/runway/pkg/steps"
	"github.com/nuvoh/runway/pkg/steps/apicall"
	"github.com/nuvoh/runway/pkg/steps/condition"
	"github.com/nuvoh/runway/pkg/steps/custom"
	"github.com/nuvoh/runway/pkg/steps/transform"
)

// secretEnvPrefix namespaces the environment variables the worker reads
// secret values from.
const secretEnvPrefix = "RUNWAY_SECRET_"

// WorkerManager wires the full engine stack and runs the queue worker pool
// until the process is told to stop.
type WorkerManager struct {
	workerID      string
	config        config.WorkerConfig
	enableTracing bool
	logger        *slog.Logger
}

func NewWorkerManager(workerID string, cfg config.WorkerConfig, enableTracing bool, logger *slog.Logger) *WorkerManager {
	return &WorkerManager{
		workerID:      workerID,
		config:        cfg,
		enableTracing: enableTracing,
		logger:        logger,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if w.enableTracing {
		if _, err := otelhelper.NewTracer(ctx, "runway-worker"); err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	store, err := cmd.NewPersistence(ctx, w.logger, w.config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			w.logger.Error("Failed to close persistence", "error", err)
		}
	}()

	jobStore, err := cmd.NewJobStore(w.config.QueueURL)
	if err != nil {
		return err
	}

	bus, err := cmd.NewEventBus(w.config.EventBus, "runway-worker", w.logger)
	if err != nil {
		return err
	}

	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				w.logger.Error("Failed to close event bus", "error", err)
			}
		}()
	}

	stateManager := state.NewManager(store.Executions(), w.logger, state.Config{})
	if err := stateManager.StartJanitor(ctx); err != nil {
		return fmt.Errorf("failed to start cleanup janitor: %w", err)
	}
	defer stateManager.StopJanitor()

	provider := secrets.NewEnvProvider(secretEnvPrefix, nil)
	directory := secrets.NewStaticDirectory()

	registry := steps.NewRegistry(
		apicall.NewExecutor(directory, provider),
		transform.NewExecutor(),
		condition.NewExecutor(),
		custom.NewExecutor(),
	)

	stepRunner := runner.NewStepRunner(registry, store.StepLogs(), w.logger)

	queueService := queue.NewService(jobStore, w.logger, queue.Config{
		MaxConcurrency: w.config.TeamSize,
	})

	workflowExecutor := executor.NewWorkflowExecutor(stateManager, stepRunner, queueService, w.logger, executor.Config{
		MaxRetries:  w.config.MaxRetries,
		QueueName:   w.config.QueueName,
		BackoffBase: time.Duration(w.config.BackoffBaseMS) * time.Millisecond,
	})

	if bus != nil {
		workflowExecutor.AttachEventBus(bus, w.workerID)
	}

	err = queueService.RegisterWorker(ctx, w.config.QueueName, workflowExecutor.RunQueued, queue.WorkerOptions{
		TeamSize: w.config.TeamSize,
	})
	if err != nil {
		return fmt.Errorf("failed to register worker pool: %w", err)
	}

	if err := queueService.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start queue service: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker running",
		"queue", w.config.QueueName, "team_size", w.config.TeamSize)

	<-ctx.Done()

	w.logger.Info("Shutting down worker")

	return queueService.Stop(context.WithoutCancel(ctx))
}
