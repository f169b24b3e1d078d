package models

import "time"

// StepLogEvent labels one entry in the per-run step log trail.
type StepLogEvent string

const (
	StepLogStarted   StepLogEvent = "step.started"
	StepLogSucceeded StepLogEvent = "step.succeeded"
	StepLogFailed    StepLogEvent = "step.failed"
)

// StepLogEntry is one structured log record keyed by (execution, step
// order). Every attempt writes its own start and outcome entries, so the
// trail shows retries that the final StepResult does not.
type StepLogEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepOrder   int            `json:"step_order"`
	StepName    string         `json:"step_name,omitempty"`
	Event       StepLogEvent   `json:"event"`
	Attempt     int            `json:"attempt"`
	Message     string         `json:"message,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
