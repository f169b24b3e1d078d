package models

import "time"

// StepResult is the outcome of one step attempt. Results are ephemeral and
// accumulate on the execution keyed by step order; a retried step keeps only
// the final attempt's result here, earlier attempts live in the step log.
type StepResult struct {
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecutionContext is the transient, run-scoped aggregate handed to step
// executors. It is reconstructed at run start and never persisted directly.
type ExecutionContext struct {
	ExecutionID     string             `json:"execution_id"`
	WorkflowID      string             `json:"workflow_id"`
	UserID          string             `json:"user_id"`
	Parameters      map[string]any     `json:"parameters,omitempty"`
	StepResults     map[int]StepResult `json:"step_results,omitempty"`
	GlobalVariables map[string]any     `json:"global_variables,omitempty"`
}

// NewExecutionContext builds the run-scoped context for an execution,
// seeding step results from any progress recorded before a resume.
func NewExecutionContext(exec *WorkflowExecution, parameters, globals map[string]any) *ExecutionContext {
	results := make(map[int]StepResult, len(exec.StepResults))
	for order, result := range exec.StepResults {
		results[order] = result
	}

	if parameters == nil {
		parameters = make(map[string]any)
	}

	if globals == nil {
		globals = make(map[string]any)
	}

	return &ExecutionContext{
		ExecutionID:     exec.ID,
		WorkflowID:      exec.WorkflowID,
		UserID:          exec.UserID,
		Parameters:      parameters,
		StepResults:     results,
		GlobalVariables: globals,
	}
}
