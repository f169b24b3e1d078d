// Package queue provides a durable at-least-once job queue: submission with
// validation and dedup, bounded worker pools, cancellation, health checks,
// and metrics. The store behind it is pluggable; its dequeue-once-per-job
// locking is treated as opaque and trusted.
package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/nuvoh/runway/pkg/models"
)

var (
	// ErrJobNotFound is returned when no job matches the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a jobKey collides with an existing
	// job on the same queue. Callers must treat this as a hard error.
	ErrDuplicateJob = errors.New("duplicate job key")
	// ErrNotStarted is returned by operations that need a running service.
	ErrNotStarted = errors.New("queue service not started")
)

// Counts are the per-queue job totals by state. Delayed counts created jobs
// whose start time has not arrived yet.
type Counts struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Retry     int `json:"retry"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// JobStore is the durable backend. Send returns an empty id when a jobKey
// dedup rejects the job; every other failure is an error. Fetch hands out
// each job at most once per delivery: the store owns claim locking.
type JobStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateQueue(ctx context.Context, name string) error
	Send(ctx context.Context, job *models.Job) (string, error)
	Fetch(ctx context.Context, queueName string, limit int) ([]*models.Job, error)
	Complete(ctx context.Context, jobID string, output map[string]any) error
	Fail(ctx context.Context, jobID, message string) error
	Cancel(ctx context.Context, jobID string) error
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)
	Counts(ctx context.Context, queueName string) (Counts, error)
	Queues(ctx context.Context) ([]string, error)
	Truncate(ctx context.Context) error
}

// sensitiveMarkers flag data fields whose values must never reach a log
// line.
var sensitiveMarkers = []string{"password", "token", "secret", "key", "credential"}

// RedactData returns a copy of the payload with sensitive-looking fields
// masked, recursively. The original map is never modified.
func RedactData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))

	for name, value := range data {
		if isSensitiveField(name) {
			redacted[name] = "[REDACTED]"

			continue
		}

		if nested, ok := value.(map[string]any); ok {
			redacted[name] = RedactData(nested)

			continue
		}

		redacted[name] = value
	}

	return redacted
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)

	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}
