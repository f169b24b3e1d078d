package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadWorkerConfig(t *testing.T) {
	path := writeConfig(t, `
queue_name: priority-runs
team_size: 8
database_url: postgres://localhost/runway
queue_url: redis://localhost:6379
event_bus: kafka
log_level: debug
max_retries: 5
backoff_base_ms: 250
`)

	config, err := LoadWorkerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "priority-runs", config.QueueName)
	assert.Equal(t, 8, config.TeamSize)
	assert.Equal(t, "postgres://localhost/runway", config.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379", config.QueueURL)
	assert.Equal(t, "kafka", config.EventBus)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, 250, config.BackoffBaseMS)
}

func TestLoadWorkerConfig_AbsentFieldsUseDefaults(t *testing.T) {
	path := writeConfig(t, `
database_url: file:///var/lib/runway
`)

	config, err := LoadWorkerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "workflow-runs", config.QueueName)
	assert.Equal(t, 4, config.TeamSize)
	assert.Equal(t, "file:///var/lib/runway", config.DatabaseURL)
	assert.Equal(t, "memory", config.QueueURL)
	assert.Equal(t, "info", config.LogLevel)
}

func TestLoadWorkerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{name: "team size too large", content: "team_size: 100", errText: "team_size"},
		{name: "negative retries", content: "max_retries: -1", errText: "max_retries"},
		{name: "unknown event bus", content: "event_bus: carrier-pigeon", errText: "event_bus"},
		{name: "empty queue name", content: `queue_name: ""`, errText: "queue_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWorkerConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.errText)
		})
	}
}

func TestLoadWorkerConfigOrDefault_MissingFile(t *testing.T) {
	config := LoadWorkerConfigOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, DefaultWorkerConfig(), config)
}
