// Package events defines the execution lifecycle notifications published on
// the event bus. Consumers outside the engine (dashboards, audit trails)
// subscribe to these; the engine itself never depends on a subscriber being
// present.
package events

import (
	"time"

	"github.com/nuvoh/runway/pkg/models"
)

type EventType string

// Topic is the bus topic carrying every execution lifecycle event.
const Topic = "runway.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
	StepFinishedEvent       EventType = "execution.step.finished"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps the common fields shared by every lifecycle event.
func NewBaseEvent(eventType EventType, executionID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:          models.NewID("evt"),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	TotalSteps int `json:"total_steps"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Result   map[string]any `json:"result,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error       string        `json:"error"`
	FailedSteps int           `json:"failed_steps"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionPaused struct {
	BaseEvent

	PausedBy       string `json:"paused_by"`
	CompletedSteps int    `json:"completed_steps"`
}

func (e ExecutionPaused) GetType() EventType {
	return ExecutionPausedEvent
}

type ExecutionResumed struct {
	BaseEvent

	ResumedBy string `json:"resumed_by"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// StepFinished reports one step's final outcome. The step result data is
// intentionally absent; payloads may carry values a subscriber must not see.
type StepFinished struct {
	BaseEvent

	StepOrder  int           `json:"step_order"`
	StepName   string        `json:"step_name"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
}

func (e StepFinished) GetType() EventType {
	return StepFinishedEvent
}
