// Package config loads worker daemon configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultQueueName = "workflow-runs"
	defaultTeamSize  = 4
	defaultLogLevel  = "info"
)

// WorkerConfig is the structure of the worker.yaml file. Command line flags
// override whatever the file says.
type WorkerConfig struct {
	// QueueName is the queue the worker pool consumes runs from.
	QueueName string `yaml:"queue_name"`
	// TeamSize is the number of concurrent workers in the pool.
	TeamSize int `yaml:"team_size"`

	// DatabaseURL selects the execution store: file://, postgres:// or
	// memory.
	DatabaseURL string `yaml:"database_url"`
	// QueueURL selects the job store: redis://, sqlite:// or memory.
	QueueURL string `yaml:"queue_url"`
	// EventBus selects the lifecycle event channel: kafka, gochannel or
	// empty for none.
	EventBus string `yaml:"event_bus"`

	LogLevel string `yaml:"log_level"`

	// MaxRetries bounds the orchestrator retry wrapper per step.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBaseMS scales the exponential wait between those retries.
	BackoffBaseMS int `yaml:"backoff_base_ms"`
}

// DefaultWorkerConfig returns the configuration used when no file is given.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		QueueName:   defaultQueueName,
		TeamSize:    defaultTeamSize,
		DatabaseURL: "memory",
		QueueURL:    "memory",
		LogLevel:    defaultLogLevel,
	}
}

// LoadWorkerConfig reads and validates a worker configuration file. Absent
// fields fall back to the defaults.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultWorkerConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return WorkerConfig{}, err
	}

	return config, nil
}

// LoadWorkerConfigOrDefault loads the file when it exists and falls back to
// the defaults otherwise.
func LoadWorkerConfigOrDefault(path string) WorkerConfig {
	config, err := LoadWorkerConfig(path)
	if err != nil {
		return DefaultWorkerConfig()
	}

	return config
}

func (c WorkerConfig) Validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("queue_name is required")
	}

	if c.TeamSize < 1 || c.TeamSize > 64 {
		return fmt.Errorf("team_size must be between 1 and 64, got %d", c.TeamSize)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10, got %d", c.MaxRetries)
	}

	if c.BackoffBaseMS < 0 {
		return fmt.Errorf("backoff_base_ms must not be negative, got %d", c.BackoffBaseMS)
	}

	switch c.EventBus {
	case "", "kafka", "gochannel":
	default:
		return fmt.Errorf("unsupported event_bus %q", c.EventBus)
	}

	return nil
}
