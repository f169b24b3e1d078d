package models

import (
	"time"
)

// StepKind is the closed set of step variants. Classification happens once
// when a workflow definition is loaded, never at dispatch time.
type StepKind string

const (
	StepKindAPICall       StepKind = "API_CALL"
	StepKindDataTransform StepKind = "DATA_TRANSFORM"
	StepKindCondition     StepKind = "CONDITION"
	StepKindCustom        StepKind = "CUSTOM"
)

// CustomActions is the fixed vocabulary of built-in custom actions. Any
// other action string falls through to the open default handler.
var CustomActions = map[string]bool{
	"noop":  true,
	"wait":  true,
	"log":   true,
	"flaky": true,
}

// TransformOperations are the recognised data-transform operations.
var TransformOperations = map[string]bool{
	"map":       true,
	"filter":    true,
	"aggregate": true,
}

// RetryConfig controls the per-step retry loop inside the step runner. It is
// independent from the orchestrator-level retry wrapper around each step.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// Step is one ordered unit of a workflow definition. Definitions are
// external and read-only to this engine.
type Step struct {
	ID              string         `json:"id"`
	StepOrder       int            `json:"step_order"     validate:"required,min=1"`
	Name            string         `json:"name"           validate:"required"`
	APIConnectionID string         `json:"api_connection_id,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	RetryConfig     RetryConfig    `json:"retry_config"`
	Timeout         time.Duration  `json:"timeout"`

	// Kind is assigned by Classify when the definition is loaded.
	Kind StepKind `json:"kind,omitempty"`
}

// Action returns the step's action string, if any.
func (s *Step) Action() string {
	action, _ := s.Parameters["action"].(string)

	return action
}

// Classify assigns the step's variant from its shape. The rules, in order:
// a connection id means an API call; a recognised transform operation means
// a data transform; a condition parameter means a condition; a built-in
// custom action means a custom step; anything else defaults to an API call.
func (s *Step) Classify() StepKind {
	if s.APIConnectionID != "" {
		s.Kind = StepKindAPICall

		return s.Kind
	}

	if op, ok := s.Parameters["operation"].(string); ok && TransformOperations[op] {
		s.Kind = StepKindDataTransform

		return s.Kind
	}

	if _, ok := s.Parameters["condition"]; ok {
		s.Kind = StepKindCondition

		return s.Kind
	}

	if CustomActions[s.Action()] {
		s.Kind = StepKindCustom

		return s.Kind
	}

	s.Kind = StepKindAPICall

	return s.Kind
}

// Workflow is the read-only definition this engine executes: an id, an
// owner, and an ordered list of steps.
type Workflow struct {
	ID       string         `json:"id"          validate:"required"`
	Name     string         `json:"name"`
	UserID   string         `json:"user_id"`
	Steps    []Step         `json:"steps"       validate:"required,min=1,dive"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClassifySteps classifies every step and returns them sorted by ascending
// step order.
func ClassifySteps(steps []Step) []Step {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)

	for i := range sorted {
		sorted[i].Classify()
	}

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].StepOrder < sorted[j-1].StepOrder; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	return sorted
}
