package models

import "time"

// JobState mirrors the durable store's lifecycle for a queued job.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateRetry     JobState = "retry"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateExpired   JobState = "expired"
	JobStateFailed    JobState = "failed"
)

// IsFinished reports whether the store will never hand the job to a worker
// again.
func (s JobState) IsFinished() bool {
	switch s {
	case JobStateCompleted, JobStateCancelled, JobStateExpired, JobStateFailed:
		return true
	default:
		return false
	}
}

// Job is a durable unit of work owned entirely by the queue store.
// Executions keep only a weak (id, queue) reference to their job.
type Job struct {
	ID         string         `json:"id"`
	QueueName  string         `json:"queue_name"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data,omitempty"`
	State      JobState       `json:"state"`
	RetryLimit int            `json:"retry_limit"`
	RetryCount int            `json:"retry_count"`
	RetryDelay time.Duration  `json:"retry_delay"`
	Priority   int            `json:"priority"`
	Timeout    time.Duration  `json:"timeout"`

	// JobKey, when set, enforces global dedup: the store rejects a second
	// job with the same key on the same queue.
	JobKey string `json:"job_key,omitempty"`

	StartAfter  time.Time  `json:"start_after"`
	ExpireAt    *time.Time `json:"expire_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}
