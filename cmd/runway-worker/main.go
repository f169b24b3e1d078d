package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/nuvoh/runway/pkg/config"
	"github.com/nuvoh/runway/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "runway-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute queued workflow runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the worker YAML configuration file",
				Value:   "",
				Sources: cli.EnvVars("WORKER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Execution store URL (postgres://, file:// or memory)",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Job store URL (redis://, sqlite:// or memory)",
				Sources: cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel or empty for none)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "enable-tracing",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("ENABLE_TRACING"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg := config.LoadWorkerConfigOrDefault(command.String("config"))
			applyFlags(&cfg, command)

			log.Setup(cfg.LogLevel)

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("runway-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing runway worker")

			manager := NewWorkerManager(workerID, cfg, command.Bool("enable-tracing"), logger)

			return manager.Start(ctx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("runway-worker").Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

// applyFlags lets explicit flags override the YAML file.
func applyFlags(cfg *config.WorkerConfig, command *cli.Command) {
	if url := command.String("database-url"); url != "" {
		cfg.DatabaseURL = url
	}

	if url := command.String("queue-url"); url != "" {
		cfg.QueueURL = url
	}

	if bus := command.String("event-bus"); bus != "" {
		cfg.EventBus = bus
	}

	if level := command.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
}
