// Package schema validates raw workflow definitions before they reach the
// engine. Definitions arrive from external storage as loose JSON; the schema
// rejects malformed ones with field-level messages instead of letting them
// fail deep inside a run.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var workflowSchema = map[string]any{
	"type":     "object",
	"required": []any{"id", "steps"},
	"properties": map[string]any{
		"id":      map[string]any{"type": "string", "minLength": 1},
		"name":    map[string]any{"type": "string"},
		"user_id": map[string]any{"type": "string"},
		"steps": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"step_order", "name"},
				"properties": map[string]any{
					"id":                map[string]any{"type": "string"},
					"step_order":        map[string]any{"type": "integer", "minimum": 1},
					"name":              map[string]any{"type": "string", "minLength": 1},
					"api_connection_id": map[string]any{"type": "string"},
					"parameters":        map[string]any{"type": "object"},
					"timeout":           map[string]any{"type": "integer", "minimum": 0},
					"retry_config": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"max_retries": map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
							"retry_delay": map[string]any{"type": "integer", "minimum": 0},
						},
					},
				},
			},
		},
		"metadata": map[string]any{"type": "object"},
	},
}

// ValidateWorkflow checks a raw workflow definition against the schema and
// returns every violation joined into one error.
func ValidateWorkflow(definition map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(workflowSchema)
	dataLoader := gojsonschema.NewGoLoader(definition)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate workflow definition: %w", err)
	}

	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, violation := range result.Errors() {
			violations = append(violations, violation.String())
		}

		return fmt.Errorf("invalid workflow definition: %s", strings.Join(violations, "; "))
	}

	return nil
}

// ValidateWorkflowModel checks an already-decoded workflow against the same
// schema by round-tripping it through JSON.
func ValidateWorkflowModel(workflow *models.Workflow) error {
	raw, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	var definition map[string]any
	if err := json.Unmarshal(raw, &definition); err != nil {
		return fmt.Errorf("failed to decode workflow: %w", err)
	}

	return ValidateWorkflow(definition)
}
